package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-bulk/internal/batch"
	"github.com/rescale/rescale-bulk/internal/config"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/diskspace"
	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/localfs"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/progress"
	"github.com/rescale/rescale-bulk/internal/remote"
	azureremote "github.com/rescale/rescale-bulk/internal/remote/azure"
	"github.com/rescale/rescale-bulk/internal/remote/memory"
	s3remote "github.com/rescale/rescale-bulk/internal/remote/s3"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

var (
	// ErrCancelled is returned when an operation ends cancelled.
	ErrCancelled = errors.New("operation cancelled")
	// ErrIncomplete is returned when an operation finished with skipped items.
	ErrIncomplete = errors.New("operation finished with skipped items")
)

// Choices offered for a blocked item, in display order.
const (
	choiceRetry = iota
	choiceSkip
	choiceSkipAll
	choiceCancel
)

var blockedChoices = []string{
	"Retry - Try this item again",
	"Skip (once) - Give up on this item only",
	"Skip (do for all) - Give up on every blocked item",
	"Cancel - Stop the operation",
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if maxConnections != 0 {
		cfg.MaxConnections = maxConnections
		if cfg.InitialConnections > cfg.MaxConnections {
			cfg.InitialConnections = cfg.MaxConnections
		}
	}
	if skipBlocked {
		cfg.SkipBlocked = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newFactory returns the connection factory for the configured backend.
func newFactory(ctx context.Context, cfg *config.Config, logger *logging.Logger) (remote.Factory, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		if cfg.Endpoint == "" {
			return memory.NewServer().Factory(), nil
		}
		if err := os.MkdirAll(cfg.Endpoint, 0755); err != nil {
			return nil, fmt.Errorf("failed to create server directory: %w", err)
		}
		return memory.NewServerFS(osfs.New(cfg.Endpoint)).Factory(), nil
	case config.BackendS3:
		return s3remote.NewFactory(ctx, cfg, logger.Component("s3"))
	case config.BackendAzure:
		return azureremote.NewFactory(ctx, cfg, logger.Component("azure"))
	default:
		return nil, config.ErrUnknownBackend
	}
}

// newUI draws bars on a real stderr and plain text on anything else.
func newUI(cmd *cobra.Command, bus *events.EventBus) *progress.UI {
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && f == os.Stderr {
		return progress.NewUI(bus)
	}
	return progress.NewUIWithOutput(bus, cmd.ErrOrStderr(), false)
}

// runner holds everything one command needs to talk to the server.
type runner struct {
	cmd      *cobra.Command
	cfg      *config.Config
	logger   *logging.Logger
	bus      *events.EventBus
	ui       *progress.UI
	session  *transfer.Session
	prompter Prompter
	logFile  *os.File

	uiOnce  sync.Once
	skipAll bool
	skipped int
}

// newRunner loads the configuration and connects. Tree operations want the
// progress UI; single calls pass withUI false.
func newRunner(cmd *cobra.Command, withUI bool) (*runner, error) {
	ctx := commandContext(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	r := &runner{cmd: cmd, cfg: cfg}
	out := cmd.ErrOrStderr()
	if withUI {
		r.bus = events.NewEventBus(constants.EventBusDefaultBuffer)
		r.ui = newUI(cmd, r.bus)
		out = r.ui.Writer()
	}
	r.prompter = NewTerminalPrompter(cmd.InOrStdin(), out)

	// Logs stay off stdout so listings can be piped.
	logOut := out
	if p := cfg.LogFilePath(); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		r.logFile = f
		logOut = io.MultiWriter(logOut, f)
	}
	r.logger = logging.NewLogger(logOut, nil)
	if !verbose && !debug {
		if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
			logging.SetGlobalLevel(level)
		}
	}

	factory, err := newFactory(ctx, cfg, r.logger)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.session = transfer.NewSession(ctx, transfer.SessionOptions{
		Factory:            factory,
		InitialConnections: cfg.InitialConnections,
		MaxConnections:     cfg.MaxConnections,
		Logger:             r.logger,
		Bus:                r.bus,
	})
	if err := r.session.Connect(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to connect to %s backend: %w", cfg.Backend, err)
	}
	r.logger.Debug().Str("backend", cfg.Backend).Int("max_connections", cfg.MaxConnections).Msg("Connected")
	return r, nil
}

// Close releases the session, the UI and the log file.
func (r *runner) Close() {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close connections")
		}
	}
	r.closeUI()
	if r.bus != nil {
		r.bus.Close()
	}
	if r.logFile != nil {
		r.logFile.Close()
	}
}

func (r *runner) closeUI() {
	r.uiOnce.Do(func() {
		if r.ui != nil {
			r.ui.Close()
		}
	})
}

// options returns the batch options shared by every tree operation.
func (r *runner) options(f *filterFlags) batch.Options {
	return batch.Options{
		Priority:    priority,
		MaxAttempts: r.cfg.MaxAttempts,
		Filter:      f.filter(),
		Logger:      r.logger.Component("batch"),
	}
}

// call runs job on one connection ahead of any running batch.
func (r *runner) call(job func(ctx context.Context, conn remote.Connection) error) error {
	return r.session.Call(commandContext(r.cmd), job)
}

// run starts op, answers blocked items until it finishes and prints a summary.
func (r *runner) run(op *transfer.Operation) error {
	ctx := commandContext(r.cmd)

	stalled := make(chan []tree.Entry, 1)
	unsubscribe := op.OnStalled(func(blocked []tree.Entry) {
		select {
		case stalled <- blocked:
		default:
		}
	})
	defer unsubscribe()

	r.session.Start(op)
	for {
		select {
		case <-op.Done():
			r.closeUI()
			r.summarize(op)
			c := op.Counters()
			switch {
			case op.State() == transfer.StateCancelled:
				return ErrCancelled
			case c.SkippedFiles > 0 || r.skipped > 0:
				return ErrIncomplete
			}
			return nil

		case <-ctx.Done():
			op.Cancel()
			select {
			case <-op.Done():
			case <-time.After(constants.CancelGracePeriod):
				r.logger.Warn().Str("operation", op.Name()).Msg("Gave up waiting for in-flight items")
			}
			r.closeUI()
			r.summarize(op)
			return ctx.Err()

		case blocked := <-stalled:
			r.resolveBlocked(op, blocked)
		}
	}
}

// resolveBlocked asks what to do with each blocked item, or skips them all
// when the configuration says so or no answer can be read.
func (r *runner) resolveBlocked(op *transfer.Operation, blocked []tree.Entry) {
	for _, e := range blocked {
		if op.Cancelled() {
			return
		}
		if r.cfg.SkipBlocked || r.skipAll {
			r.logger.Warn().Str("path", e.Path()).AnErr("error", e.Err()).Msg("Skipping blocked item")
			r.skip(op, e)
			continue
		}

		question := fmt.Sprintf("'%s' failed after %d attempts: %v", e.Path(), e.Attempt()-1, e.Err())
		choice, err := r.prompter.Choose(question, blockedChoices)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Cannot prompt, skipping blocked items")
			r.skipAll = true
			r.skip(op, e)
			continue
		}
		switch choice {
		case choiceRetry:
			op.Retry(e)
		case choiceSkip:
			r.skip(op, e)
		case choiceSkipAll:
			r.skipAll = true
			r.skip(op, e)
		case choiceCancel:
			op.Cancel()
			return
		}
	}
}

func (r *runner) skip(op *transfer.Operation, e tree.Entry) {
	r.skipped++
	op.Skip(e)
}

// summarize prints the totals of a finished operation.
func (r *runner) summarize(op *transfer.Operation) {
	c := op.Counters()
	elapsed := op.Elapsed()
	out := r.cmd.OutOrStdout()

	status := "Completed"
	if op.State() == transfer.StateCancelled {
		status = "Cancelled"
	}
	fmt.Fprintf(out, "%s: %s\n", status, op.Name())
	fmt.Fprintf(out, "  Files:        %d of %d", c.CompletedFiles, c.TotalFiles)
	if c.SkippedFiles > 0 {
		fmt.Fprintf(out, " (%d skipped)", c.SkippedFiles)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Directories:  %d of %d\n", c.CompletedDirectories, c.TotalDirectories)
	fmt.Fprintf(out, "  Data:         %s in %s", humanize.IBytes(uint64(c.CompletedBytes)), elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 && c.CompletedBytes > 0 {
		fmt.Fprintf(out, " (%s/s)", humanize.IBytes(uint64(float64(c.CompletedBytes)/secs)))
	}
	fmt.Fprintln(out)
	if c.Blocked > 0 {
		fmt.Fprintf(out, "  Blocked:      %d\n", c.Blocked)
		for _, e := range op.Blocked() {
			fmt.Fprintf(out, "    %s: %v\n", e.Path(), e.Err())
		}
	}
}

// checkSpace is the disk-space check downloads run before writing.
func checkSpace(p string, n int64) error {
	return diskspace.CheckAvailableSpace(p, n, constants.DiskSpaceSafetyMargin)
}

// filterFlags are the --include, --exclude and --hidden flags of the tree commands.
type filterFlags struct {
	include []string
	exclude []string
	hidden  bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "Only process files matching these glob patterns (e.g. '**/*.dat')")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Skip files and directories matching these glob patterns")
	cmd.Flags().BoolVar(&f.hidden, "hidden", false, "Include hidden files and directories")
}

func (f *filterFlags) filter() localfs.Filter {
	return localfs.Filter{IncludeHidden: f.hidden, Include: f.include, Exclude: f.exclude}
}
