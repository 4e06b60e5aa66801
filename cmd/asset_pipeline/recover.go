package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recoverOlderThan time.Duration

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Move assets stuck in PROCESSING to ERROR",
	Long: `Assets whose run was lost (for example when the server was killed) stay
PROCESSING. This marks those not updated within --older-than as ERROR with an
"interrupted" note so they can be retried. Defaults to stale_after from config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, modeControl)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		olderThan := recoverOlderThan
		if olderThan <= 0 {
			olderThan = a.cfg.StaleAfter.Std()
		}
		ids, err := a.controller.RecoverStale(ctx, olderThan)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ recovered %d asset(s) idle for more than %s\n", len(ids), olderThan)
		for _, id := range ids {
			fmt.Fprintf(out, "  • %s\n", id)
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", 0, "Minimum time since the last update, e.g. 30m")
	rootCmd.AddCommand(recoverCmd)
}
