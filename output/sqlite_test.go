package output

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	want := sampleResult("imap:a@h/INBOX;uidvalidity=1;uid=42")
	if err := store.BeginRun(ctx, want.RunID, time.Now()); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if err := store.Write(ctx, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := store.FinishRun(ctx, want.RunID, time.Now(), 1); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := store.Result(ctx, want.Key)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if !got.Date.Equal(want.Date) || !got.ExtractedAt.Equal(want.ExtractedAt) {
		t.Errorf("times = %v / %v, want %v / %v", got.Date, got.ExtractedAt, want.Date, want.ExtractedAt)
	}
	got.Date, got.ExtractedAt = want.Date, want.ExtractedAt
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Result() = %+v, want %+v", got, want)
	}
}

func TestSQLiteStore_ReplaceAndHosts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := sampleResult("k")
	if err := store.Write(ctx, first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	second := first
	second.RunID = "run-2"
	second.Links = []string{"https://c.example/"}
	second.Date = time.Time{}
	if err := store.Write(ctx, second); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	got, err := store.Result(ctx, "k")
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if got.RunID != "run-2" || !reflect.DeepEqual(got.Links, second.Links) {
		t.Errorf("re-extraction not replaced: %+v", got)
	}
	if !got.Date.IsZero() {
		t.Errorf("Date = %v, want zero", got.Date)
	}

	hosts, err := store.HostCounts(ctx)
	if err != nil {
		t.Fatalf("HostCounts() error = %v", err)
	}
	if want := map[string]int{"c.example": 1}; !reflect.DeepEqual(hosts, want) {
		t.Errorf("HostCounts() = %v, want %v", hosts, want)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	_, err := newTestStore(t).Result(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Result() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, sampleResult("k")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	if _, err := store.Result(ctx, "k"); err != nil {
		t.Errorf("Result() after reopen error = %v", err)
	}
}

func TestSQLiteStore_ForeignKeysOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		conn, err := store.db.Connx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		var enabled int
		if err := conn.GetContext(ctx, &enabled, "PRAGMA foreign_keys"); err != nil {
			t.Fatal(err)
		}
		if enabled != 1 {
			t.Errorf("connection %d: foreign_keys = %d, want 1", i, enabled)
		}
	}
}

func TestSQLiteStore_DeleteCascadesToLinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	result := sampleResult("sha256:cascade")
	if err := store.Write(ctx, result); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM messages WHERE key = ?", result.Key); err != nil {
		t.Fatalf("delete message: %v", err)
	}

	var n int
	if err := store.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM links WHERE message_key = ?", result.Key); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("links left after delete = %d, want 0", n)
	}
}
