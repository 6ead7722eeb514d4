package config

import (
	"github.com/spf13/cobra"
	"github.com/wsmux/wsmux/examples"
)

// ClientCmd writes the starter client configuration file.
var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Generate client configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate("client", examples.ClientConfig)
	},
}
