package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP   Stage = "imap"
	StageMbox   Stage = "mbox"
	StageDecode Stage = "decode"
	StageOutput Stage = "output"
)

type EventType string

const (
	// EventTypeListed carries the number of messages a source is about to
	// deliver in Count.
	EventTypeListed        EventType = "listed"
	EventTypeFetched       EventType = "fetched"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeDecoded       EventType = "decoded"
	EventTypeMalformed     EventType = "malformed"
	EventTypeFiltered      EventType = "filtered"
	EventTypeWritten       EventType = "written"
	EventTypeDryRunWritten EventType = "dry_run_written"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage Stage
	Type  EventType
	Key   string
	// Count is the listed total for listed events, the defect count for
	// decoded events and the link count for written events.
	Count  int
	Err    error
	Detail string
}

type Summary struct {
	Listed        int
	Fetched       int
	Duplicates    int
	Decoded       int
	Malformed     int
	Filtered      int
	Written       int
	DryRunWritten int
	Links         int
	Defects       int
	Errors        int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"decoded", s.Decoded,
		"malformed", s.Malformed,
		"filtered", s.Filtered,
		"written", s.Written,
		"dryRunWritten", s.DryRunWritten,
		"links", s.Links,
		"defects", s.Defects,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Count
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeDecoded:
		c.summary.Decoded++
		c.summary.Defects += evt.Count
	case EventTypeMalformed:
		c.summary.Malformed++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeWritten:
		c.summary.Written++
		c.summary.Links += evt.Count
	case EventTypeDryRunWritten:
		c.summary.DryRunWritten++
		c.summary.Links += evt.Count
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("extraction summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
