package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-extract/stats"
)

// Bar manages a progress bar for tracking message processing. The bar is
// drawn once the total is known, either up front or from a listed event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	w       io.Writer
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar drawing to w. total may be zero when the source
// reports it later.
func New(total int, enabled bool, w io.Writer) *Bar {
	return &Bar{total: total, enabled: enabled, w: w}
}

// Enabled reports whether the bar is rendered.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Progress returns the finished and total message counts.
func (b *Bar) Progress() (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.total
}

func (b *Bar) start() {
	if !b.enabled || b.pb != nil || b.total <= 0 {
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(b.total).
		WithTitle("Extracting messages").
		WithWriter(b.w).
		Start()
	if err != nil {
		b.enabled = false
		return
	}
	pb.Current = b.done
	b.pb = pb
}

// Update advances the bar for events that finish a message.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		b.total += evt.Count
		if b.pb != nil {
			b.pb.Total = b.total
		}
		b.start()
	case stats.EventTypeWritten, stats.EventTypeDryRunWritten,
		stats.EventTypeDuplicate, stats.EventTypeFiltered:
		b.advance(evt.Key)
	case stats.EventTypeError:
		if evt.Stage == stats.StageIMAP || evt.Stage == stats.StageMbox {
			if evt.Key != "" {
				b.advance(evt.Key)
			}
		}
		if b.pb != nil && evt.Err != nil {
			pterm.Error.WithWriter(b.w).Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) advance(key string) {
	b.done++
	if b.pb == nil {
		return
	}
	b.pb.Increment()
	if key != "" {
		if len(key) > 40 {
			key = "..." + key[len(key)-37:]
		}
		b.pb.UpdateTitle("Extracting " + key)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	b.mu.Lock()
	b.start()
	b.mu.Unlock()
	defer b.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter drives the bar and prints a summary table when the run ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	w         io.Writer
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the bar and the summary collector to stream. Nothing
// is subscribed when bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	if bar != nil {
		reporter.w = bar.w
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	pr.PrintSummary(pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

// PrintSummary writes the end-of-run counters.
func (pr *Reporter) PrintSummary(summary stats.Summary, duration time.Duration) {
	if pr.w == nil {
		return
	}
	info := pterm.Info.WithWriter(pr.w)

	pterm.Fprintln(pr.w)
	pterm.DefaultSection.WithWriter(pr.w).Println("Summary Statistics")
	info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	info.Printf("Listed: %d\n", summary.Listed)
	info.Printf("Fetched: %d\n", summary.Fetched)
	info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	info.Printf("Decoded: %d\n", summary.Decoded)
	info.Printf("Malformed (skipped): %d\n", summary.Malformed)
	info.Printf("Filtered: %d\n", summary.Filtered)
	info.Printf("Written: %d\n", summary.Written)
	info.Printf("Dry-run written: %d\n", summary.DryRunWritten)
	info.Printf("Links: %d\n", summary.Links)
	info.Printf("Part defects: %d\n", summary.Defects)
	info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.WithWriter(pr.w).Printf("Last error: %v\n", summary.LastError)
	}
}
