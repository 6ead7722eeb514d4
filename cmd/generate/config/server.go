package config

import (
	"github.com/spf13/cobra"
	"github.com/wsmux/wsmux/examples"
)

// ServerCmd writes the starter server configuration file.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Generate server configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate("server", examples.ServerConfig)
	},
}
