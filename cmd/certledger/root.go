package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/config"
)

// Exit codes. A halted bundle exits with the code of its category instead.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitCommandError
}

var validFormats = []string{"text", "json"}

// RootOptions are the global flags.
type RootOptions struct {
	ConfigPath string
	Format     string
	Stdin      io.Reader
}

// NewRootCommand builds the command tree.
func NewRootCommand(stdin io.Reader) *cobra.Command {
	opts := &RootOptions{Stdin: stdin}

	cmd := &cobra.Command{
		Use:   "certledger",
		Short: "Certified arithmetic and guarded commit engine",
		Long: `certledger applies signed bundles to a fixed-point token state. Every
bundle is validated, gated and sealed; any failure halts the execution
context until an authority resets it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return wrapExit(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("CERTLEDGER_CONFIG"), "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newProcessCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newCodesCommand(opts))
	cmd.AddCommand(newVerifySealCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	return cmd
}

// load reads the configuration and installs the process logger.
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, wrapExit(ExitCommandError, "load configuration", err)
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
