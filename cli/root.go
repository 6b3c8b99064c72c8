// Package cli implements escrowctl, a local operator console over the escrow
// engine.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"escrowflow/backend"
	"escrowflow/config"
	"escrowflow/escrow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	DB       string
	As       string
	Now      string
	Decimals int32
	Verbose  bool

	// clock is read when --now is not given.
	clock func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for escrowctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{clock: time.Now})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate three-party trade escrows",
		Long: `escrowctl drives escrow orders between an importer, an exporter and a
verifier against the configured store (a local bbolt file by default).

Every order command names its order with --order and its caller with --as.
Timestamps default to the wall clock and can be pinned with --now.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Decimals < 0 || opts.Decimals > 18 {
				return NewExitError(ExitCommandError, "decimals must be between 0 and 18")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "bbolt file to use (overrides ESCROW_STORE and ESCROW_BOLT_PATH)")
	cmd.PersistentFlags().StringVar(&opts.As, "as", "", "principal issuing the command")
	cmd.PersistentFlags().StringVar(&opts.Now, "now", "", "evaluate the command at this RFC3339 instant")
	cmd.PersistentFlags().Int32Var(&opts.Decimals, "decimals", 0, "decimal places used to read and print amounts")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine decisions to stderr")

	cmd.AddCommand(newDepositCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	for _, spec := range instructionSpecs {
		cmd.AddCommand(newInstructionCommand(opts, spec))
	}
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is one opened store plus the engine on top of it.
type session struct {
	backend *backend.Backend
	orders  *escrow.Service
}

func (opts *RootOptions) open(ctx context.Context, stderr io.Writer) (*session, error) {
	cfg, err := config.Load()
	if err != nil && opts.DB == "" {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.DB != "" {
		cfg.Store = config.StoreBolt
		cfg.BoltPath = opts.DB
	}

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	level := slog.LevelError + 1
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return &session{
		backend: b,
		orders:  escrow.NewService(b.Orders, escrow.WithLogger(logger)),
	}, nil
}

func (s *session) Close() {
	s.backend.Close()
}

// now resolves --now, falling back to the clock.
func (opts *RootOptions) now() (time.Time, error) {
	if strings.TrimSpace(opts.Now) == "" {
		return opts.clock(), nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(opts.Now))
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --now", err)
	}
	return t, nil
}

func (opts *RootOptions) caller() (string, error) {
	as := strings.TrimSpace(opts.As)
	if as == "" {
		return "", NewExitError(ExitCommandError, "--as is required")
	}
	return as, nil
}

func parseTime(flag, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --"+flag, err)
	}
	return t, nil
}
