package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/session"
	"github.com/claytonnetvision/wodpulse/internal/trainer"
)

const (
	finalizeAttempts = 3
	finalizeBackoff  = 2 * time.Second
)

type runOptions struct {
	duration time.Duration
	refresh  time.Duration
	label    string
}

func newRunCommand(e *env) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a class until interrupted, then print the summary",
		Long: "Loads the roster, connects bound sensors and starts a session. The live board is " +
			"printed every --refresh. SIGHUP re-discovers every bound sensor. Interrupt ends the class.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.label == "" {
				opts.label = e.cfg.Session.ClassLabel
			}
			return runClass(cmd.Context(), e, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "end the class after this long (0 waits for interrupt)")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", 5*time.Second, "live board refresh interval")
	cmd.Flags().StringVar(&opts.label, "label", "", "class label (defaults to --class)")
	return cmd
}

func runClass(ctx context.Context, e *env, opts runOptions) error {
	a, err := buildApp(ctx, e.cfg, e.logger, appOptions{sensors: true, metrics: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coach.Load(ctx); err != nil {
		return err
	}
	if err := a.coach.StartClass(ctx, opts.label); err != nil {
		return fmt.Errorf("start class: %w", err)
	}

	view := trainer.NewView(e.out)
	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	refresh := time.NewTicker(opts.refresh)
	defer refresh.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-refresh.C:
			view.Live(a.coach.Live())
		case <-hup:
			view.Reconnect(a.coach.ReconnectAll(ctx))
		}
	}

	// the class is finalized even when ctx was cancelled by the interrupt
	f := &finalizer{
		ender:    a.coach,
		view:     view,
		answers:  bufio.NewReader(e.in),
		out:      e.out,
		logger:   e.logger,
		attempts: finalizeAttempts,
		backoff:  finalizeBackoff,
		dumpDir:  dumpDir(e.cfg.Log.File),
	}
	return f.finish(context.WithoutCancel(ctx))
}

// Verify trainer.Coach implements classEnder
var _ classEnder = (*trainer.Coach)(nil)

type classEnder interface {
	EndClass(ctx context.Context) (session.SessionRecord, ranking.Summary, error)
}

// finalizer ends the class, retrying the save. When the operator gives up
// the pending record is written to dumpDir so the class is not lost.
type finalizer struct {
	ender    classEnder
	view     *trainer.View
	answers  *bufio.Reader
	out      io.Writer
	logger   *log.Logger
	attempts int
	backoff  time.Duration
	dumpDir  string
}

func (f *finalizer) finish(ctx context.Context) error {
	for {
		rec, sum, err := f.end(ctx)
		if err == nil {
			f.view.Summary(rec, sum)
			return nil
		}
		fmt.Fprintf(f.out, "Saving class %s failed: %v\nRetry? [Y/n] ", rec.ID, err)
		if readAnswer(f.answers, true) {
			continue
		}
		path, dumpErr := dumpRecord(f.dumpDir, rec)
		if dumpErr != nil {
			return fmt.Errorf("finalize class %s: %w (writing record: %v)", rec.ID, err, dumpErr)
		}
		fmt.Fprintf(f.out, "Class record written to %s\n", path)
		return fmt.Errorf("finalize class %s: %w", rec.ID, err)
	}
}

func (f *finalizer) end(ctx context.Context) (session.SessionRecord, ranking.Summary, error) {
	for attempt := 1; ; attempt++ {
		rec, sum, err := f.ender.EndClass(ctx)
		if err == nil || attempt >= f.attempts {
			return rec, sum, err
		}
		f.logger.Printf("Run: finalize attempt %d failed: %v", attempt, err)
		time.Sleep(f.backoff)
	}
}

func dumpDir(logFile string) string {
	if logFile == "" {
		return "."
	}
	return filepath.Dir(logFile)
}

func dumpRecord(dir string, rec session.SessionRecord) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("wodpulse-session-%s.json", rec.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var errNoParticipant = errors.New("participant id required")
