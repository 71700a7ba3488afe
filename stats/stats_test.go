package stats

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestCollector_Apply(t *testing.T) {
	boom := errors.New("boom")
	events := []Event{
		{Stage: StageIMAP, Type: EventTypeListed, Count: 5},
		{Stage: StageIMAP, Type: EventTypeFetched},
		{Stage: StageIMAP, Type: EventTypeFetched},
		{Stage: StageIMAP, Type: EventTypeDuplicate},
		{Stage: StageDecode, Type: EventTypeDecoded, Count: 2},
		{Stage: StageDecode, Type: EventTypeMalformed},
		{Stage: StageDecode, Type: EventTypeFiltered},
		{Stage: StageOutput, Type: EventTypeWritten, Count: 3},
		{Stage: StageOutput, Type: EventTypeDryRunWritten, Count: 1},
		{Stage: StageIMAP, Type: EventTypeError, Err: boom},
	}

	ch := make(chan Event, len(events))
	for _, evt := range events {
		ch <- evt
	}
	close(ch)

	c := NewCollector()
	c.Run(context.Background(), ch)

	got := c.Snapshot()
	want := Summary{
		Listed: 5, Fetched: 2, Duplicates: 1, Decoded: 1, Malformed: 1, Filtered: 1,
		Written: 1, DryRunWritten: 1, Links: 4, Defects: 2, Errors: 1, LastError: boom,
	}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewCollector().Run(ctx, make(chan Event))
		close(done)
	}()
	<-done
}

func TestPrettyPrintTop(t *testing.T) {
	m := map[string]int{"b.example": 2, "a.example": 2, "c.example": 5, "d.example": 1}

	var buf bytes.Buffer
	PrettyPrintTop(&buf, m, 3)

	want := "1. c.example (5)\n2. a.example (2)\n3. b.example (2)\n"
	if buf.String() != want {
		t.Errorf("PrettyPrintTop() = %q, want %q", buf.String(), want)
	}
	if got := len(Top(m, 10)); got != 4 {
		t.Errorf("Top() with large limit returned %d entries", got)
	}
}
