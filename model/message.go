package model

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Source names where a raw message came from.
type Source string

const (
	SourceIMAP Source = "imap"
	SourceMbox Source = "mbox"
	SourceFile Source = "file"
)

// Message is one raw message as retrieved from a mailbox or archive.
type Message struct {
	// Key identifies the message across runs; see state.Tracker.
	Key        string
	Source     Source
	Mailbox    string
	UID        uint32
	MessageID  string
	ReceivedAt time.Time
	Hash       string
	Size       int64
	Raw        []byte
}

// NewMessage fills in size and content hash for raw.
func NewMessage(source Source, key, mailbox string, uid uint32, raw []byte) Message {
	return Message{
		Key:     key,
		Source:  source,
		Mailbox: mailbox,
		UID:     uid,
		Hash:    Hash(raw),
		Size:    int64(len(raw)),
		Raw:     raw,
	}
}

// Hash returns the base64 encoded SHA-256 of raw.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Envelope wraps a message alongside an optional error encountered while retrieving it.
type Envelope struct {
	Message Message
	Err     error
}

// Result is the extraction output for one message. Skipped is set, and the
// extracted fields are empty, when the message could not be decoded.
type Result struct {
	RunID       string    `json:"run_id"`
	Key         string    `json:"key"`
	Source      Source    `json:"source"`
	Mailbox     string    `json:"mailbox,omitempty"`
	UID         uint32    `json:"uid,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Date        time.Time `json:"date,omitzero"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Links       []string  `json:"links"`
	Defects     int       `json:"defects,omitempty"`
	Skipped     string    `json:"skipped,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}
