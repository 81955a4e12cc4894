package main

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/paul/grapevine/internal/chain"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(viewCmd)
	viewCmd.Flags().String("as", "", "hydrate as this viewer pubkey (applies their mute list)")
}

var viewCmd = &cobra.Command{
	Use:   "view <event-id>",
	Short: "Print an event with all its relations as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		viewer, _ := cmd.Flags().GetString("as")

		ctx, a, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		if viewer != "" {
			ctx = chain.WithViewer(ctx, viewer)
		}
		v, err := a.View(ctx, args[0])
		if err != nil {
			return fmt.Errorf("view %s: %w", args[0], err)
		}
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	},
}
