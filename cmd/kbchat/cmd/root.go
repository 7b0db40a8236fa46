// Package cmd provides the CLI commands for kbchat.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MaxWANGCAI/kbchat/internal/config"
	"github.com/MaxWANGCAI/kbchat/internal/logging"
	"github.com/MaxWANGCAI/kbchat/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the kbchat CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbchat",
		Short: "Knowledge-base question answering with hybrid retrieval",
		Long: `kbchat answers questions over your knowledge bases using hybrid
retrieval: dense-vector and keyword search run side by side, their
rankings are fused, and an optional cross-encoder reranks the result
before an LLM writes the answer.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("kbchat version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.kbchat/logs/")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = teardownLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging installs the default slog logger before any command runs.
func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.Config{Level: "info", WriteToStderr: true}
	if debugMode {
		logCfg = logging.DebugConfig()
		if err := logging.EnsureLogDir(); err != nil {
			return err
		}
	}

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	loggingCleanup = cleanup
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) {
	if loggingCleanup != nil {
		loggingCleanup()
	}
}

// loadConfig loads configuration from the --config flag, falling back to
// defaults with environment overrides when no file is given.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
