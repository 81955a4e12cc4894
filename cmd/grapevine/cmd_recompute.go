package main

import (
	"fmt"
	"os"
	"time"

	"github.com/paul/grapevine/internal/trends"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(recomputeCmd)
	recomputeCmd.AddCommand(recomputeStatsCmd, recomputeTrendsCmd)

	recomputeStatsCmd.Flags().Duration("since", 48*time.Hour, "rebuild rows touched by events newer than this")
	recomputeStatsCmd.Flags().StringSlice("pubkey", nil, "rebuild only these authors (hex)")
	recomputeStatsCmd.Flags().StringSlice("event", nil, "rebuild only these events (hex id)")
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild derived data from stored events",
}

var recomputeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Rebuild author and event stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		pubkeys, _ := cmd.Flags().GetStringSlice("pubkey")
		ids, _ := cmd.Flags().GetStringSlice("event")

		ctx, a, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		start := time.Now()
		switch {
		case len(pubkeys) > 0 || len(ids) > 0:
			if err := a.Recompute.Recompute(ctx, pubkeys); err != nil {
				return fmt.Errorf("recompute authors: %w", err)
			}
			if err := a.Recompute.RecomputeEvents(ctx, ids); err != nil {
				return fmt.Errorf("recompute events: %w", err)
			}
		default:
			if err := a.Recompute.RecomputeSince(ctx, start.Add(-since)); err != nil {
				return fmt.Errorf("recompute: %w", err)
			}
		}
		fmt.Fprintf(os.Stdout, "Stats rebuilt in %s.\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var recomputeTrendsCmd = &cobra.Command{
	Use:   "trends [kind...]",
	Short: "Recompute trend rankings and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := trends.Kinds
		if len(args) > 0 {
			kinds = kinds[:0:0]
			for _, arg := range args {
				k, err := trends.ParseKind(arg)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}
		}

		ctx, a, cleanup, err := openApp()
		if err != nil {
			return err
		}
		defer cleanup()

		for _, k := range kinds {
			if err := a.Trends.Refresh(ctx, k); err != nil {
				return fmt.Errorf("refresh %s: %w", k, err)
			}
			printRanking(a.Trends.Get(k))
		}
		return nil
	},
}

func printRanking(r trends.Ranking) {
	fmt.Fprintf(os.Stdout, "%s (%d entries, computed %s)\n", r.Kind, len(r.Entries), r.ComputedAt.Format(time.RFC3339))
	for i, e := range r.Entries {
		fmt.Fprintf(os.Stdout, "%3d. %-66s score=%d authors=%d uses=%d\n", i+1, e.Key, e.Score, e.Authors, e.Uses)
	}
}
