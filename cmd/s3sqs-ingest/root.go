package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/turbot/tailpipe-s3-sqs-ingest/config"
	"github.com/turbot/tailpipe-s3-sqs-ingest/logging"
)

const (
	flagConfig         = "config"
	flagWorkers        = "workers"
	flagLogLevel       = "log-level"
	flagMetricsAddress = "metrics-address"

	envPrefix         = "S3SQS"
	defaultConfigPath = "s3sqs-ingest.hcl"
)

var exitCode int

var errInvalidConfig = errors.New("invalid configuration")

// Build the cobra command that handles our command line tool.
func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "s3sqs-ingest [flags]",
		Short:         "Ingest log files announced by S3 event notifications on an SQS queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRootCmd,
	}

	rootCmd.Flags().String(flagConfig, defaultConfigPath, "Path to the HCL config file")
	rootCmd.Flags().Int(flagWorkers, 0, "Number of workers, overriding the config file")
	rootCmd.Flags().String(flagLogLevel, "", "Log level (debug, info, warn, error, off)")
	rootCmd.Flags().String(flagMetricsAddress, "", "Address to serve prometheus metrics on, overriding the config file")

	for _, name := range []string{flagConfig, flagWorkers, flagLogLevel, flagMetricsAddress} {
		// only fails for a nil flag
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return rootCmd
}

func runRootCmd(cmd *cobra.Command, _ []string) error {
	logging.Initialize(viper.GetString(flagLogLevel))

	cfg, err := config.Load(viper.GetString(flagConfig))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	if workers := viper.GetInt(flagWorkers); workers > 0 {
		cfg.Workers = &workers
	}
	if addr := viper.GetString(flagMetricsAddress); addr != "" {
		cfg.MetricsAddress = &addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runIngest(ctx, cfg)
}

func Execute() int {
	rootCmd := rootCommand()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("ingest failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		exitCode = 1
		if errors.Is(err, errInvalidConfig) {
			exitCode = 2
		}
	}
	return exitCode
}
