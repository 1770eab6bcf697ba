package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"arb-scanner/internal/app"
)

var (
	backfillChain  uint64
	backfillFrom   uint64
	backfillTo     uint64
	backfillStep   uint64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Scan a historical block range and archive the summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == 0 || backfillTo == 0 {
			return fmt.Errorf("--from-block and --to-block must be provided")
		}
		if backfillFrom > backfillTo {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			ChainID:   backfillChain,
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			Step:      backfillStep,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillChain, "chain", 0, "Chain id (defaults to first chain of the active profile)")
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillStep, "step", 1, "Block stride between scans")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Scan without writing to storage")
}
