// Package commands implements the texlink CLI commands.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/texlink/texlink/internal/config"
)

var versionInfo struct {
	version string
	commit  string
	date    string
}

// SetVersionInfo sets version information from main (populated by goreleaser).
func SetVersionInfo(version, commit, date string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.date = date
}

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "texlink",
	Short: "Live texture link between an authoring tool and a game engine",
	Long: `texlink links a 3D texture-authoring tool to one game-engine peer.

The peer connects over a websocket and asks texlink to create or open a
project. Once linked, texlink exports texture maps and sends the engine the
material parameters that point at them. With auto-link on, maps of the
selected texture set are re-sent whenever the authoring tool goes idle.

Commands:
  texlink serve                  - Run the link server
  texlink status                 - Show the current link
  texlink send <COMMAND> [file]  - Send one command to a running server
  texlink config                 - Show the effective configuration

Configuration is read from .texlink (see 'texlink config'); .env files and
TEXLINK_* environment variables override it.`,
	// main.go prints errors
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			config.SetPath(configPath)
		}
		loadDotenvBestEffort()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Use an alternate .texlink config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides logLevel)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadDotenvBestEffort() {
	// Prefer the directory holding .texlink so subdir invocations work.
	if path, err := config.FindPath(); err == nil {
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
		return
	}
	_ = godotenv.Load()
}

// loadConfig loads the configuration and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", config.GetPath())
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		if !config.IsValidLogLevel(logLevel) {
			return nil, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), formatVersion())
	},
}

func formatVersion() string {
	out := fmt.Sprintf("texlink %s\n", versionInfo.version)
	if versionInfo.commit != "" && versionInfo.commit != "none" {
		out += fmt.Sprintf("  commit: %s\n", versionInfo.commit)
	}
	if versionInfo.date != "" && versionInfo.date != "unknown" {
		out += fmt.Sprintf("  built:  %s\n", versionInfo.date)
	}
	return out
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
