package cli

import (
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Probe every RPC endpoint and print its health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Providers(cmd.Context())
	},
}
