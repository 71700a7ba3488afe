package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	keyOne   = "imap:alice@mail.example.com/INBOX;uidvalidity=7;uid=1"
	keyTwo   = "imap:alice@mail.example.com/INBOX;uidvalidity=7;uid=2"
	keyThree = "imap:alice@mail.example.com/INBOX;uidvalidity=7;uid=3"
	// base64 of 32 zero bytes
	keyContent = "sha256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
)

func TestMemoryTracker(t *testing.T) {
	tracker := NewMemoryTracker()

	if tracker.AlreadyProcessed("a") {
		t.Fatal("empty tracker reports key as processed")
	}
	if err := tracker.MarkProcessed("a", "<a@example>"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := tracker.MarkProcessed("", "<ignored>"); err != nil {
		t.Fatalf("MarkProcessed(\"\") error = %v", err)
	}
	if !tracker.AlreadyProcessed("a") {
		t.Error("key a not reported as processed")
	}
	if tracker.AlreadyProcessed("") {
		t.Error("empty key must never be processed")
	}
	if got := tracker.Snapshot().Processed; got != 1 {
		t.Errorf("Snapshot().Processed = %d, want 1", got)
	}

	n, err := tracker.Forget(func(key string) bool { return key == "a" })
	if err != nil || n != 1 || tracker.AlreadyProcessed("a") {
		t.Errorf("Forget() = %d, %v; key still processed: %v", n, err, tracker.AlreadyProcessed("a"))
	}
}

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	for _, key := range []string{keyOne, keyContent, keyOne} {
		if err := first.MarkProcessed(key, "<id>"); err != nil {
			t.Fatalf("MarkProcessed(%q) error = %v", key, err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("state file has %d lines, want 2 (duplicates written once)", lines)
	}

	second, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if !second.AlreadyProcessed(keyOne) || !second.AlreadyProcessed(keyContent) {
		t.Error("reloaded tracker lost keys")
	}
	if second.AlreadyProcessed(keyTwo) {
		t.Error("reloaded tracker invented a key")
	}
}

func TestFileTracker_RejectsMalformedKeys(t *testing.T) {
	tracker, err := NewFileTracker(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"k1", "sha256:short", "imap:INBOX;uid=1"} {
		if err := tracker.MarkProcessed(key, ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("MarkProcessed(%q) error = %v, want ErrInvalidKey", key, err)
		}
		if tracker.AlreadyProcessed(key) {
			t.Errorf("rejected key %q recorded", key)
		}
	}
}

func TestFileTracker_DryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkProcessed(keyOne, ""); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if _, err := tracker.Forget(func(string) bool { return true }); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("state file exists after dry run: %v", err)
	}
}

func TestFileTracker_CorruptLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{\"key\":\"" + keyOne + "\"}\nnot json\n"},
		{"bad key", "{\"key\":\"" + keyOne + "\"}\n{\"key\":\"uid-7\"}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := NewFileTracker(dir, false)
			if err == nil || !strings.Contains(err.Error(), "line 2") {
				t.Errorf("NewFileTracker() error = %v, want parse error on line 2", err)
			}
		})
	}
}

func TestFileTracker_ForgetStaleGeneration(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatal(err)
	}

	otherFolder := "imap:alice@mail.example.com/Archive;uidvalidity=7;uid=1"
	for _, key := range []string{keyOne, keyTwo, otherFolder, keyContent} {
		if err := tracker.MarkProcessed(key, ""); err != nil {
			t.Fatal(err)
		}
	}

	current := IMAPKey{User: "Alice", Host: "mail.example.com", Folder: "INBOX", UIDValidity: 8}
	n, err := tracker.Forget(StaleGeneration(current))
	if err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Forget() = %d, want 2", n)
	}

	// Appending still works after the file was rewritten.
	if err := tracker.MarkProcessed(keyThree, ""); err != nil {
		t.Fatalf("MarkProcessed() after Forget error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{keyOne: false, keyTwo: false, otherFolder: true, keyContent: true, keyThree: true}
	for key, processed := range want {
		if got := reloaded.AlreadyProcessed(key); got != processed {
			t.Errorf("AlreadyProcessed(%q) = %v, want %v", key, got, processed)
		}
	}
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	if _, err := NewFileTracker("  ", true); err == nil {
		t.Error("expected error for blank state directory")
	}
}
