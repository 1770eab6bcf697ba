package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"arb-scanner/internal/app"
)

var (
	showLimit      int
	showExecutions bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent scans or executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			Executions: showExecutions,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showExecutions, "executions", false, "Show execution records instead of scans")
}
