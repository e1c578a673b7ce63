// Package progress renders batch progress on the terminal. UI draws one
// pair of bars per running operation from the session's event bus; Counter
// is a lightweight spinner for passes with no known total, such as a local
// scan.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/rescale-bulk/internal/constants"
)

// Reporter is the interface for reporting progress of a single pass.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// CLIProgress implements Reporter with a progressbar. A total of -1 renders a spinner.
type CLIProgress struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a reporter writing to w, or stderr when w is nil.
func NewCLIProgress(w io.Writer) *CLIProgress {
	if w == nil {
		w = os.Stderr
	}
	return &CLIProgress{out: w}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetWidth(constants.ProgressBarWidth),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	}
	if total < 0 {
		opts = append(opts, progressbar.OptionShowCount())
	} else {
		opts = append(opts, progressbar.OptionShowBytes(true))
	}
	p.bar = progressbar.NewOptions64(total, opts...)
}

// Update moves the bar to current.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// NoOpProgress is a progress reporter that does nothing (for quiet runs and tests).
type NoOpProgress struct{}

func (NoOpProgress) Start(int64, string)   {}
func (NoOpProgress) Update(int64)          {}
func (NoOpProgress) Finish()               {}
func (NoOpProgress) Error(error)           {}
func (NoOpProgress) SetDescription(string) {}

// Counter counts events from any goroutine and forwards the running total to a Reporter.
type Counter struct {
	r Reporter
	n atomic.Int64
}

// NewCounter starts r as a spinner labelled description.
func NewCounter(r Reporter, description string) *Counter {
	r.Start(-1, description)
	return &Counter{r: r}
}

// Add records one event.
func (c *Counter) Add() {
	c.r.Update(c.n.Add(1))
}

// Count returns the events recorded so far.
func (c *Counter) Count() int64 {
	return c.n.Load()
}

// Done finishes the reporter.
func (c *Counter) Done() {
	c.r.Finish()
}
