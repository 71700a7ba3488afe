package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/imap-extract/config"
	"github.com/dhcgn/imap-extract/extract"
	"github.com/dhcgn/imap-extract/filter"
	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/state"
	"github.com/dhcgn/imap-extract/stats"
)

var ErrKeyMissing = errors.New("source message missing key")

type StageFunc func(context.Context) error

// Runner wires sources, decode workers and the output stage together.
// Stages and stats subscribers must be registered before Start.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	runID  string

	ctx    context.Context
	cancel context.CancelFunc

	source  chan model.Envelope
	decode  chan model.Message
	results chan model.Result
	events  chan stats.Event

	tracker   state.Tracker
	extractor *extract.Extractor
	filter    *filter.Filter
	now       func() time.Time

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG   sync.WaitGroup
	decodeWG sync.WaitGroup
	statsWG  sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSourceOnce sync.Once
	closeDecodeOnce sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

// New builds a runner with a file tracker in cfg.StateDir.
func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	return NewWithTracker(cfg, tracker, logger)
}

// NewWithTracker builds a runner around an existing tracker. If the tracker
// implements io.Closer it is closed when Start returns.
func NewWithTracker(cfg config.Config, tracker state.Tracker, logger *slog.Logger) (*Runner, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	f, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		runID:     uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		source:    make(chan model.Envelope, 32),
		decode:    make(chan model.Message, workers*2),
		results:   make(chan model.Result, workers*2),
		events:    make(chan stats.Event, 128),
		tracker:   tracker,
		extractor: extract.New(cfg.ExtractOptions()),
		filter:    f,
		now:       time.Now,
	}

	r.AddStage("bridge", r.bridge)
	for i := 0; i < workers; i++ {
		r.decodeWG.Add(1)
		r.AddStage(fmt.Sprintf("decode-%d", i), r.decodeWorker)
	}
	r.AddStage("decode-fanin", func(context.Context) error {
		r.decodeWG.Wait()
		close(r.results)
		return nil
	})
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// RunID identifies this run in the output.
func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Filter returns the message filter, e.g. for hit statistics.
func (r *Runner) Filter() *filter.Filter {
	return r.filter
}

// SourceWriter is where source stages deliver envelopes.
func (r *Runner) SourceWriter() chan<- model.Envelope {
	return r.source
}

// CloseSource signals that no more envelopes will be sent.
func (r *Runner) CloseSource() {
	r.closeSourceOnce.Do(func() {
		close(r.source)
	})
}

// Results yields one result per decoded message. It is closed once every
// decode worker has finished.
func (r *Runner) Results() <-chan model.Result {
	return r.results
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive every event emitted during the run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has finished and returns the first stage
// error.
func (r *Runner) Start() error {
	r.since = time.Now()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		r.dispatch()
	}()

	r.workWG.Wait()
	r.closeEvents()
	<-dispatched
	r.statsWG.Wait()

	r.cancel()

	if closer, ok := r.tracker.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.fail(fmt.Errorf("close state: %w", err))
		}
	}

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.log().Error("pipeline failed", "runID", r.runID, "duration", duration, "err", err)
		return err
	}

	r.log().Info("pipeline completed", "runID", r.runID, "duration", duration)
	return nil
}

// Err returns the first error recorded by a stage.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) dispatch() {
	r.subMu.Lock()
	subs := append([]chan stats.Event(nil), r.subscribers...)
	r.subMu.Unlock()

	defer func() {
		for _, ch := range subs {
			close(ch)
		}
	}()

	for evt := range r.events {
		for _, ch := range subs {
			select {
			case ch <- evt:
			case <-r.ctx.Done():
			}
		}
	}
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeDecode()
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.source:
			if !ok {
				return nil
			}

			msg := envelope.Message
			stage := sourceStage(msg.Source)

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeError, Key: msg.Key, Err: envelope.Err})
				if r.cfg.StopOnError {
					return fmt.Errorf("%s source: %w", stage, envelope.Err)
				}
				r.log().Warn("skipping message", "stage", stage, "key", msg.Key, "err", envelope.Err)
				continue
			}

			r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeFetched, Key: msg.Key})

			if msg.Key == "" {
				r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeError, Err: ErrKeyMissing})
				return ErrKeyMissing
			}

			if _, dup := seen[msg.Key]; dup || r.tracker.AlreadyProcessed(msg.Key) {
				r.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeDuplicate, Key: msg.Key})
				continue
			}
			seen[msg.Key] = struct{}{}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.decode <- msg:
			}
		}
	}
}

func (r *Runner) decodeWorker(ctx context.Context) error {
	defer r.decodeWG.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.decode:
			if !ok {
				return nil
			}

			result, keep := r.process(msg)
			if !keep {
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.results <- result:
			}
		}
	}
}

func (r *Runner) closeDecode() {
	r.closeDecodeOnce.Do(func() {
		close(r.decode)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func (r *Runner) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.logger
}

func sourceStage(source model.Source) stats.Stage {
	if source == model.SourceIMAP {
		return stats.StageIMAP
	}
	return stats.StageMbox
}
