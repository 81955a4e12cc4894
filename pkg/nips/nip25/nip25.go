package nip25

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paul/grapevine/pkg/event"
)

// Reaction symbols with fixed meaning.
const (
	Like    = "+"
	Dislike = "-"
)

// ValidateReaction validates that an event is a proper NIP-25 reaction
func ValidateReaction(evt *event.Event) error {
	if evt.Kind != event.KindReaction {
		return nil
	}
	if _, ok := Target(evt); !ok {
		return fmt.Errorf("reaction must have at least one e tag pointing to the event being reacted to")
	}
	if v, ok := evt.Tags.Value("k"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("k tag must be a stringified number")
		}
	}
	content := strings.TrimSpace(evt.Content)
	if strings.HasPrefix(content, ":") && len(content) > 1 {
		if !strings.HasSuffix(content, ":") || strings.Trim(content, ":") == "" {
			return fmt.Errorf("invalid emoji shortcode format, expected :shortcode:")
		}
	}
	return nil
}

// Target returns the id of the reacted-to event: the last e tag.
func Target(evt *event.Event) (string, bool) {
	if evt == nil || evt.Kind != event.KindReaction {
		return "", false
	}
	ids := evt.Tags.Values("e")
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

// TargetAuthor returns the reacted-to event's author: the last p tag.
func TargetAuthor(evt *event.Event) (string, bool) {
	if evt == nil || evt.Kind != event.KindReaction {
		return "", false
	}
	pks := evt.Tags.Values("p")
	if len(pks) == 0 {
		return "", false
	}
	return pks[len(pks)-1], true
}

// Symbol returns the reaction's key in EventStats.Reactions. Empty content
// counts as a like.
func Symbol(evt *event.Event) string {
	content := strings.TrimSpace(evt.Content)
	if content == "" {
		return Like
	}
	return content
}
