package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

func newPairCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "pair <participant-id>",
		Short: "Discover a heart-rate strap and bind it to a participant",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errNoParticipant
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, e.cfg, e.logger, appOptions{sensors: true})
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.coach.Load(ctx); err != nil {
				return err
			}

			fmt.Fprintln(e.out, "Searching for heart-rate straps...")
			h, err := a.coach.Pair(ctx, args[0], borrowPrompt(e.in, e.out))
			if err != nil {
				return fmt.Errorf("pair %s: %w", args[0], err)
			}
			fmt.Fprintf(e.out, "%s paired with %s (%s)\n", args[0], h.Name, h.ID)
			return nil
		},
	}
}

// borrowPrompt asks the operator before a strap changes owner.
func borrowPrompt(in io.Reader, out io.Writer) func(sensor.BorrowRequest) bool {
	reader := bufio.NewReader(in)
	return func(req sensor.BorrowRequest) bool {
		fmt.Fprintf(out, "%s (%s) is bound to %s. Move it to %s? [y/N] ", req.Sensor.Name, req.Sensor.ID, req.From, req.To)
		return readAnswer(reader, false)
	}
}

// readAnswer reads one y/n line. An empty line picks def; end of input
// always answers no.
func readAnswer(r *bufio.Reader, def bool) bool {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return def
	case "y", "yes", "s", "sim":
		return true
	default:
		return false
	}
}
