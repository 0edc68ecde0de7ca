// Package cli implements the convsyncctl commands.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/stitchline/convsync/internal/api"
	"github.com/stitchline/convsync/internal/scope"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Scope   string
	Format  string // "json" | "text"
	Timeout time.Duration

	// Dial connects to the daemon of a scope. Tests replace it.
	Dial func(scopeName string) (*api.Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for convsyncctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Dial: dialScope})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convsyncctl",
		Short: "Inspect and drive a convsync daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.Scope = scope.Resolve(opts.Scope)
			return scope.ValidateName(opts.Scope)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Scope, "scope", "", "scope name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-call timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newListCommand(opts),
		newMessagesCommand(opts),
		newSearchCommand(opts),
		newSetCommand(opts),
		newMarkReadCommand(opts),
		newSendCommand(opts),
		newDeleteCommand(opts),
		newReconnectCommand(opts),
		newIngestCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

func dialScope(name string) (*api.Client, error) {
	return api.Dial(scope.SocketPath(name))
}

// withClient dials the daemon and runs fn under the call timeout.
func withClient(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := opts.Dial(opts.Scope)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for scope %q: %w", opts.Scope, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	return fn(ctx, c)
}
