// Package main is the entry point for the SES mail forwarder.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ses-forwarder",
	Short: "Forward mail received by SES to a fixed mailbox",
	Long: `Reads raw messages stored by an SES receipt rule, rewrites the sender,
recipient, Reply-To and Subject for forwarding, and hands the result to a relay
(SES, SMTP, Microsoft Graph or stdout).`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The Lambda runtime starts the binary without arguments.
		if os.Getenv(lambdaRuntimeEnv) != "" {
			return runLambda(cmd.Context())
		}
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// stdout is reserved for command output
		logger = logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML configuration file (optional)")
	rootCmd.AddCommand(lambdaCmd, forwardCmd, rewriteCmd, dkimRecordCmd)
}

// loadConfig loads configuration from a YAML file if a path is provided,
// otherwise from environment variables only.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
