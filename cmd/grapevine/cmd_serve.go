package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay with ingestion and scheduled aggregation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		a.Log.Info().
			Str("version", Version).
			Str("driver", a.Config.Database.Driver).
			Bool("firehose", a.Firehose != nil).
			Bool("change_notify", a.ChangeNotify != nil).
			Bool("search", a.Index != nil).
			Msg("starting grapevine")
		err = a.Run(ctx)
		a.Log.Info().Msg("shutting down")
		return err
	},
}
