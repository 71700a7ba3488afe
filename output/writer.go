package output

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/runner"
	"github.com/dhcgn/imap-extract/state"
	"github.com/dhcgn/imap-extract/stats"
)

// Writer is the single pipeline stage that drains results into a sink.
type Writer struct {
	sink    Sink
	runner  *runner.Runner
	tracker state.Tracker
	results <-chan model.Result
	dryRun  bool
	logger  *slog.Logger
	written int
}

// NewWriter registers the output stage. In dry-run mode results are counted
// but neither written nor recorded in the state tracker. The sink is closed
// when the stage ends.
func NewWriter(sink Sink, r *runner.Runner, logger *slog.Logger) (*Writer, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	w := &Writer{
		sink:    sink,
		runner:  r,
		tracker: tracker,
		results: r.Results(),
		dryRun:  r.Config().DryRun,
		logger:  logger,
	}
	r.AddStage("output", w.run)
	return w, nil
}

func (w *Writer) run(ctx context.Context) (err error) {
	defer func() {
		if cerr := w.sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
	}()

	recorder, _ := w.sink.(RunRecorder)
	if recorder != nil && !w.dryRun {
		if err := recorder.BeginRun(ctx, w.runner.RunID(), time.Now()); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-w.results:
			if !ok {
				if recorder != nil && !w.dryRun {
					return recorder.FinishRun(ctx, w.runner.RunID(), time.Now(), w.written)
				}
				return nil
			}
			if err := w.handle(ctx, result); err != nil {
				w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeError, Key: result.Key, Err: err})
				return err
			}
		}
	}
}

func (w *Writer) handle(ctx context.Context, result model.Result) error {
	if w.dryRun {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeDryRunWritten, Key: result.Key, Count: len(result.Links)})
		if w.logger != nil {
			w.logger.Debug("dry-run result", "key", result.Key, "subject", result.Subject, "links", len(result.Links), "skipped", result.Skipped)
		}
		return nil
	}

	if err := w.sink.Write(ctx, result); err != nil {
		return fmt.Errorf("write result %s: %w", result.Key, err)
	}
	if err := w.tracker.MarkProcessed(result.Key, result.MessageID); err != nil {
		return fmt.Errorf("record state for %s: %w", result.Key, err)
	}
	w.written++

	w.runner.EmitEvent(stats.Event{Stage: stats.StageOutput, Type: stats.EventTypeWritten, Key: result.Key, Count: len(result.Links)})
	if w.logger != nil {
		w.logger.Debug("result written", "key", result.Key, "links", len(result.Links))
	}
	return nil
}
