package logging

import (
	"bytes"
	"testing"

	"github.com/paul/grapevine/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestNewWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	clog := Component(log, "pipeline")
	clog.Warn().Str("stage", "policy").Msg("timed out")
	assert.Contains(t, buf.String(), `"component":"pipeline"`)
	assert.Contains(t, buf.String(), `"stage":"policy"`)
}

func TestNewWriter_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(config.LoggingConfig{Level: "loud"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(config.LoggingConfig{Level: "info", Format: "console"}, &buf)

	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}
