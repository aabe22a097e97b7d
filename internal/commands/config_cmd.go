package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/texlink/texlink/internal/config"
)

var (
	configJSON bool
	configInit bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration: the .texlink file with defaults and
TEXLINK_* environment overrides applied.

Examples:
  texlink config           # Show as yaml
  texlink config --json    # Output as JSON
  texlink config --init    # Write a .texlink file with the defaults`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "Output as JSON")
	configCmd.Flags().BoolVar(&configInit, "init", false, "Write the defaults to the config file if it does not exist")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configInit {
		path := config.GetPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Default().Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := formatConfigOutput(cfg, configJSON)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func formatConfigOutput(cfg *config.Config, asJSON bool) (string, error) {
	if asJSON {
		return formatJSON(cfg), nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(data), nil
}
