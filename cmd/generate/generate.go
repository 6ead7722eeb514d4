package generate

import (
	"github.com/spf13/cobra"
	"github.com/wsmux/wsmux/cmd/generate/config"
	"github.com/wsmux/wsmux/cmd/generate/secret"
)

var (
	Cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate resources",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.AddCommand(secret.Cmd)
	Cmd.AddCommand(config.Cmd)
}
