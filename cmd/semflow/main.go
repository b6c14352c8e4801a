// Package main implements the semflow CLI - the pipeline orchestrator and
// its agent processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/fault"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes for the CLI driver.
const (
	exitOK         = 0
	exitConfig     = 2
	exitDependency = 3
	exitValidation = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "semflow",
		Short:   "Autonomous software-delivery pipeline orchestrator",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine, coordinators, and metrics aggregator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return configError{err}
			}
			app, err := NewApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}

	var agentType string
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one agent process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return configError{err}
			}
			return runAgentProcess(cmd.Context(), cfg, agentType, slog.Default())
		},
	}
	agentCmd.Flags().StringVar(&agentType, "type", "", "Agent type to run (scaffold, validation, e2e, ...)")
	_ = agentCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(serveCmd, agentCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// configError marks config-load failures for exit-code mapping.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var cfgErr configError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return exitValidation
	case fault.KindBusUnavailable:
		return exitDependency
	}
	return 1
}
