// Package commands provides the CLI commands for sessionstream.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionstream/internal/config"
	"github.com/opencode-ai/sessionstream/internal/logging"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs  bool
	logLevel   string
	configFile string
	workDir    string
)

var rootCmd = &cobra.Command{
	Use:   "sessionstream",
	Short: "sessionstream - stream agent sessions through an isolated coordinator",
	Long: `sessionstream keeps conversation sessions with an opencode agent
server in a coordinator that runs apart from its callers, and streams
every reply to them as it arrives.

Run 'sessionstream run --session <id> "message"' to stream one reply to
the terminal, or 'sessionstream serve' to expose sessions over HTTP.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file to merge over the global and project files")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory (defaults to the current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("sessionstream %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// setup loads .env and configures logging before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	// A missing .env is fine.
	_ = godotenv.Load()

	if configFile != "" {
		if err := os.Setenv(config.EnvConfig, configFile); err != nil {
			return err
		}
	}

	cfg := logging.DefaultConfig()
	cfg.Output = io.Discard
	if printLogs {
		cfg.Output = os.Stderr
		cfg.Pretty = true
	}
	if logLevel != "" {
		cfg.Level = logging.ParseLevel(logLevel)
	}
	cfg.LogToFile = true
	cfg.LogDir = config.GetPaths().LogDir()
	logging.Init(cfg)
	return nil
}

// loadConfig reads the configuration for the project directory. The
// --log-level flag wins over the configured level.
func loadConfig() (string, *types.Config, error) {
	dir, err := getWorkDir(workDir)
	if err != nil {
		return "", nil, err
	}
	if err := config.GetPaths().EnsurePaths(); err != nil {
		return "", nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, err
	}
	if cfg.Directory == "" {
		cfg.Directory = dir
	}
	if logLevel == "" && cfg.LogLevel != "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	logging.Debug().Str("directory", dir).Strs("sources", config.Sources(dir)).Msg("configuration loaded")
	return dir, cfg, nil
}

// getWorkDir returns the working directory from flag or current directory.
func getWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
