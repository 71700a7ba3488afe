// Package mbox streams raw messages out of an mbox archive.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/runner"
	"github.com/dhcgn/imap-extract/state"
	"github.com/dhcgn/imap-extract/stats"
)

// KeyPrefix starts every mbox message key; the rest is the content hash.
const KeyPrefix = state.ContentPrefix

type Options struct {
	Path string
	// Source replaces the file at Path when set.
	Source io.Reader
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && opts.Source == nil {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, source: opts.Source, logger: logger}, nil
}

type fileReader struct {
	path   string
	source io.Reader
	logger *slog.Logger
}

func (f *fileReader) open() (*mboxlib.Reader, func(), error) {
	if f.source != nil {
		return mboxlib.NewReader(f.source), func() {}, nil
	}
	return openFile(f.path)
}

func openFile(path string) (*mboxlib.Reader, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mbox: %w", err)
	}
	return mboxlib.NewReader(file), func() { _ = file.Close() }, nil
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	reader, closeFn, err := f.open()
	if err != nil {
		return err
	}
	defer closeFn()

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		msg := newMessage(f.path, raw)
		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	env := model.Envelope{Message: model.Message{Source: model.SourceMbox, Mailbox: f.path}, Err: err}
	return emitEnvelope(ctx, out, env)
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// newMessage keys raw by content. Message-Id and Date are read best effort;
// the decode stage reports messages whose headers are unusable.
func newMessage(path string, raw []byte) model.Message {
	hash := model.Hash(raw)
	msg := model.NewMessage(model.SourceMbox, state.ContentKey(hash), path, 0, raw)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return msg
	}

	id := strings.TrimSpace(parsed.Header.Get("Message-Id"))
	msg.MessageID = strings.Trim(id, " <>")

	if date := parsed.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.ReceivedAt = t
		}
	}
	return msg
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseSource()
	err := p.reader.Stream(ctx, p.runner.SourceWriter())
	if err != nil && !errors.Is(err, context.Canceled) {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: err})
	}
	return err
}

// Read opens an mbox file and calls fn with the raw bytes of every message
// in order. Iteration stops at the first error returned by fn.
func Read(path string, fn func(raw []byte) error) error {
	reader, closeFn, err := openFile(path)
	if err != nil {
		return err
	}
	defer closeFn()

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		if err := fn(raw); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	reader, closeFn, err := openFile(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}

		// A message we cannot drain is still a message.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

