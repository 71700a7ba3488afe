package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/dhcgn/imap-extract/config"
	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/state"
	"github.com/dhcgn/imap-extract/stats"
)

func raw(key, body string) model.Message {
	return model.NewMessage(model.SourceIMAP, key, "INBOX", 1, []byte(body))
}

type harness struct {
	r       *Runner
	mu      sync.Mutex
	results []model.Result
	events  [2][]stats.Event
}

func newHarness(t *testing.T, cfg config.Config, tracker state.Tracker, envs []model.Envelope) *harness {
	t.Helper()
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	r, err := NewWithTracker(cfg, tracker, nil)
	if err != nil {
		t.Fatalf("NewWithTracker() error = %v", err)
	}
	h := &harness{r: r}

	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseSource()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.SourceWriter() <- env:
			}
		}
		return nil
	})
	r.AddStage("sink", func(ctx context.Context) error {
		for res := range r.Results() {
			h.mu.Lock()
			h.results = append(h.results, res)
			h.mu.Unlock()
		}
		return nil
	})
	for i := range h.events {
		i := i
		r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
			for evt := range events {
				h.events[i] = append(h.events[i], evt)
			}
			return nil
		})
	}
	return h
}

func count(events []stats.Event, typ stats.EventType) int {
	n := 0
	for _, evt := range events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func TestRunner_DecodesAndBroadcasts(t *testing.T) {
	envs := []model.Envelope{
		{Message: raw("k1", "Subject: one\r\nMessage-Id: <1@x>\r\nDate: Tue, 02 Jan 2024 03:04:05 +0000\r\n\r\nhttps://a.example/1")},
		{Message: raw("k2", "Subject: two\r\n\r\nno links")},
		{Message: raw("k1", "Subject: one again\r\n\r\nsame key")},
		{Message: raw("k3", "no separator at all")},
		{Message: model.Message{Key: "k4", Source: model.SourceIMAP}, Err: errors.New("fetch failed")},
	}

	h := newHarness(t, config.Config{Workers: 3}, nil, envs)
	if err := h.r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sort.Slice(h.results, func(i, j int) bool { return h.results[i].Key < h.results[j].Key })
	if len(h.results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(h.results), h.results)
	}

	one := h.results[0]
	if one.Subject != "one" || one.MessageID != "1@x" || one.Date.Year() != 2024 || len(one.Links) != 1 {
		t.Errorf("k1 result = %+v", one)
	}
	if one.RunID != h.r.RunID() || one.RunID == "" {
		t.Errorf("RunID = %q, want %q", one.RunID, h.r.RunID())
	}

	malformed := h.results[2]
	if malformed.Key != "k3" || malformed.Skipped == "" || malformed.Body != "" {
		t.Errorf("k3 result = %+v, want skipped", malformed)
	}

	for i, events := range h.events {
		if got := count(events, stats.EventTypeFetched); got != 4 {
			t.Errorf("subscriber %d fetched events = %d, want 4", i, got)
		}
		if got := count(events, stats.EventTypeDuplicate); got != 1 {
			t.Errorf("subscriber %d duplicate events = %d, want 1", i, got)
		}
		if got := count(events, stats.EventTypeMalformed); got != 1 {
			t.Errorf("subscriber %d malformed events = %d, want 1", i, got)
		}
		if got := count(events, stats.EventTypeError); got != 1 {
			t.Errorf("subscriber %d error events = %d, want 1", i, got)
		}
	}
}

func TestRunner_StopOnError(t *testing.T) {
	boom := errors.New("fetch failed")
	envs := []model.Envelope{
		{Message: model.Message{Key: "k1", Source: model.SourceIMAP}, Err: boom},
		{Message: raw("k2", "Subject: two\r\n\r\nbody")},
	}

	h := newHarness(t, config.Config{Workers: 1, StopOnError: true}, nil, envs)
	err := h.r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
}

func TestRunner_SkipsTrackedKeys(t *testing.T) {
	tracker := state.NewMemoryTracker()
	if err := tracker.MarkProcessed("done", ""); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, config.Config{Workers: 2}, tracker, []model.Envelope{
		{Message: raw("done", "Subject: old\r\n\r\nx")},
		{Message: raw("new", "Subject: new\r\n\r\ny")},
	})
	if err := h.r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(h.results) != 1 || h.results[0].Key != "new" {
		t.Errorf("results = %+v, want only the new key", h.results)
	}
}

func TestRunner_MissingKeyFails(t *testing.T) {
	h := newHarness(t, config.Config{Workers: 1}, nil, []model.Envelope{
		{Message: model.Message{Source: model.SourceMbox, Raw: []byte("Subject: x\n\ny")}},
	})
	if err := h.r.Start(); !errors.Is(err, ErrKeyMissing) {
		t.Errorf("Start() error = %v, want ErrKeyMissing", err)
	}
}

func TestNewWithTracker_InvalidFilter(t *testing.T) {
	_, err := NewWithTracker(config.Config{IncludeBody: []string{"("}}, state.NewMemoryTracker(), nil)
	if err == nil {
		t.Error("expected filter compile error")
	}
}

func TestRunner_CountsDefects(t *testing.T) {
	body := "Content-Type: multipart/mixed; boundary=B\r\n\r\n" +
		"--B\r\nbroken part without separator\r\n" +
		"--B\r\n\r\nkept\r\n" +
		"--B--\r\n"

	h := newHarness(t, config.Config{Workers: 1}, nil, []model.Envelope{{Message: raw("k", body)}})
	if err := h.r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(h.results) != 1 {
		t.Fatalf("got %d results, want 1", len(h.results))
	}
	if got := h.results[0]; got.Defects != 1 || got.Body != "kept" {
		t.Errorf("result = %+v", got)
	}
	for _, evt := range h.events[0] {
		if evt.Type == stats.EventTypeDecoded && evt.Count != 1 {
			t.Errorf("decoded event Count = %d, want 1", evt.Count)
		}
	}
}
