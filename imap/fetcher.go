package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/runner"
	"github.com/dhcgn/imap-extract/state"
	"github.com/dhcgn/imap-extract/stats"
)

type FetcherOptions struct {
	Session Options
	Folder  string
	Query   Query
}

// mailboxReader is the part of *Session the fetch stage uses.
type mailboxReader interface {
	Select(folder string) (Mailbox, error)
	List(q Query) ([]uint32, error)
	FetchRaw(uid uint32) ([]byte, error)
	Close() error
}

func openSession(ctx context.Context, opts Options, logger *slog.Logger) (mailboxReader, error) {
	s, err := Open(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Fetcher is the pipeline stage that reads a mailbox into the runner.
type Fetcher struct {
	opts    FetcherOptions
	open    func(context.Context, Options, *slog.Logger) (mailboxReader, error)
	runner  *runner.Runner
	tracker state.Tracker
	out     chan<- model.Envelope
	logger  *slog.Logger
}

// Key identifies a message across runs. A new UIDVALIDITY yields new keys.
func Key(user, host, folder string, uidValidity, uid uint32) string {
	return state.IMAPKey{User: user, Host: host, Folder: folder, UIDValidity: uidValidity, UID: uid}.String()
}

func NewFetcher(opts FetcherOptions, r *runner.Runner, logger *slog.Logger) (*Fetcher, error) {
	if opts.Session.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Session.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}

	fetcher := &Fetcher{
		opts:    opts,
		open:    openSession,
		runner:  r,
		tracker: tracker,
		out:     r.SourceWriter(),
		logger:  logger,
	}
	r.AddStage("imap", fetcher.run)
	return fetcher, nil
}

func (f *Fetcher) run(ctx context.Context) error {
	defer f.runner.CloseSource()

	session, err := f.open(ctx, f.opts.Session, f.logger)
	if err != nil {
		f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}
	defer session.Close()

	mailbox, err := session.Select(f.opts.Folder)
	if err != nil {
		f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}

	uids, err := session.List(f.opts.Query)
	if err != nil {
		f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}

	current := state.IMAPKey{User: f.opts.Session.Username, Host: f.opts.Session.Host, Folder: mailbox.Name, UIDValidity: mailbox.UIDValidity}
	stale, err := f.tracker.Forget(state.StaleGeneration(current))
	if err != nil {
		f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("forget stale keys: %w", err)
	}
	if stale > 0 && f.logger != nil {
		f.logger.Warn("uidvalidity changed, forgetting old keys", "mailbox", mailbox.Name, "uidValidity", mailbox.UIDValidity, "forgotten", stale)
	}

	f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeListed, Count: len(uids)})
	if f.logger != nil {
		f.logger.Info("imap mailbox listed", "mailbox", mailbox.Name, "messages", mailbox.Messages, "matched", len(uids))
	}

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := Key(f.opts.Session.Username, f.opts.Session.Host, mailbox.Name, mailbox.UIDValidity, uid)
		if f.tracker.AlreadyProcessed(key) {
			f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDuplicate, Key: key})
			continue
		}

		env := model.Envelope{Message: model.Message{Key: key, Source: model.SourceIMAP, Mailbox: mailbox.Name, UID: uid}}

		raw, err := session.FetchRaw(uid)
		if err != nil {
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				return err
			}
			env.Err = err
		} else {
			env.Message = model.NewMessage(model.SourceIMAP, key, mailbox.Name, uid, raw)
			if f.logger != nil {
				f.logger.Debug("fetched message", "uid", uid, "size", len(raw))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f.out <- env:
		}
	}

	return nil
}
