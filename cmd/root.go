// Package cmd is the thin CLI over the ingestion core. Argument
// parsing and exit codes live here; everything else is delegated.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentic-research/harvault/internal/config"
	"github.com/agentic-research/harvault/internal/ingest"
	"github.com/agentic-research/harvault/internal/store"
)

// Exit codes. The CLI contributes nothing else beyond flag parsing.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitIO         = 3
	exitConstraint = 4
)

var (
	configPath string
	verbose    bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "harvault",
	Short:         "Ingest HAR captures into a queryable SQLite database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelInfo
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return usageError{err}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to an HCL config file (default harvault.hcl if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

// usageError marks bad invocations for exit code 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	var schemaErr *store.SchemaError
	if errors.As(err, &schemaErr) || store.IsConstraint(err) {
		return exitConstraint
	}
	var dedup *store.DedupConflictError
	if errors.As(err, &dedup) {
		return exitConstraint
	}
	if ingest.IsIOError(err) {
		return exitIO
	}
	return exitFailure
}

// Execute runs the root command and exits the process with the mapped
// exit code. Interrupts cancel the context; the writer finishes its
// current savepoint and leaves interrupted imports resumable.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// One diagnostic line; ParseError carries source file and byte
		// offset, SchemaError the SQL site.
		fmt.Fprintf(os.Stderr, "harvault: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}
