package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paul/grapevine/internal/app"
	"github.com/paul/grapevine/internal/logging"
	"github.com/paul/grapevine/pkg/config"
	"github.com/spf13/cobra"
)

// Version of the grapevine binary
const Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "grapevine",
	Short:         "Social graph relay: ingestion, moderation, stats and trends",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openApp loads the configuration and builds the process. The returned
// context ends on SIGINT or SIGTERM.
func openApp() (context.Context, *app.App, func(), error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown finished with errors")
		}
		stop()
	}
	return ctx, a, cleanup, nil
}
