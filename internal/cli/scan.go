package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanJSON bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle without executing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ScanOnce(cmd.Context(), scanJSON)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print last health snapshot and execution state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status()
	},
}

var killSwitchReason string

var killSwitchCmd = &cobra.Command{
	Use:       "killswitch on|off|status",
	Short:     "管理执行 kill switch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "on" && killSwitchReason != "" {
			return fmt.Errorf("--reason 仅用于 on")
		}
		return getApp().KillSwitch(args[0], killSwitchReason)
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print the cycle report as JSON")
	killSwitchCmd.Flags().StringVar(&killSwitchReason, "reason", "", "Reason recorded in the sentinel file")
}
