// Package output writes extraction results to JSON Lines files and SQLite.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/dhcgn/imap-extract/model"
)

// Sink receives extraction results. Implementations need not be safe for
// concurrent use; the writer stage calls them from a single goroutine.
type Sink interface {
	Write(ctx context.Context, result model.Result) error
	Close() error
}

// RunRecorder is implemented by sinks that keep per-run bookkeeping.
type RunRecorder interface {
	BeginRun(ctx context.Context, runID string, started time.Time) error
	FinishRun(ctx context.Context, runID string, finished time.Time, messages int) error
}

// Multi fans every result out to all sinks in order.
type Multi []Sink

func (m Multi) Write(ctx context.Context, result model.Result) error {
	for _, s := range m {
		if err := s.Write(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the joined errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) BeginRun(ctx context.Context, runID string, started time.Time) error {
	for _, s := range m {
		if rec, ok := s.(RunRecorder); ok {
			if err := rec.BeginRun(ctx, runID, started); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m Multi) FinishRun(ctx context.Context, runID string, finished time.Time, messages int) error {
	for _, s := range m {
		if rec, ok := s.(RunRecorder); ok {
			if err := rec.FinishRun(ctx, runID, finished, messages); err != nil {
				return err
			}
		}
	}
	return nil
}
