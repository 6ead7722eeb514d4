package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputFile string

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&outputFile, "config", "c", "config.yaml", "output config file path")
	Cmd.AddCommand(ServerCmd)
	Cmd.AddCommand(ClientCmd)
}

// writeTemplate materializes one embedded template at the --config path,
// refusing to clobber an existing file.
func writeTemplate(kind string, load func() ([]byte, error)) error {
	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("file already exists: %s", outputFile)
	}

	content, err := load()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}

	if err := os.WriteFile(outputFile, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger := log.With().Str("com", "generate").Logger()
	logger.Info().Str("file", outputFile).Msgf("generated %s configuration", kind)
	return nil
}
