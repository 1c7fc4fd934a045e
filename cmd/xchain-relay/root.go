package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/devblac/xchain-relay/internal/config"
	"github.com/devblac/xchain-relay/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "xchain-relay",
		Short: "Two-chain message relay and deployment harness",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		validateCmd,
		bootstrapCmd,
		serveCmd,
		stateCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// openLogger builds the process logger from the global section, which
// XRELAY_LOG_LEVEL and XRELAY_LOG_FILE already override.
func openLogger(g config.GlobalConfig) (*slog.Logger, io.Closer, error) {
	log, closer, err := logging.Open(logging.Options{Level: g.LogLevel, File: g.LogFile})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, closer, nil
}
