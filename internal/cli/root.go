// Package cli holds the wodpulse cobra commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/claytonnetvision/wodpulse/internal/config"
	"github.com/claytonnetvision/wodpulse/internal/logging"
)

// env is resolved once per invocation before a subcommand runs.
type env struct {
	in     io.Reader
	out    io.Writer
	cfg    config.Config
	logger *log.Logger
	closer io.Closer
}

// NewRootCommand builds the command tree reading prompts from in and writing
// screens to out.
func NewRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	e := &env{in: in, out: out}

	root := &cobra.Command{
		Use:           "wodpulse",
		Short:         "Live heart-rate metrics for group classes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Options{
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
				Stderr:     cfg.Log.Stderr,
			})
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			e.cfg, e.logger, e.closer = cfg, logger, closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if e.closer != nil {
				return e.closer.Close()
			}
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(e),
		newPairCommand(e),
		newLeadersCommand(e),
		newParticipantsCommand(e),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, in io.Reader, out io.Writer, args []string) error {
	root := NewRootCommand(in, out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
