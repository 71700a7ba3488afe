package imap

import (
	"errors"
	"fmt"
)

var (
	// ErrMessageNotFound is wrapped in a FetchError when the server returns no
	// data for a UID.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNoMailbox is returned when a session is used before Select.
	ErrNoMailbox = errors.New("no mailbox selected")
	// ErrClosed is returned when a session is used after Close.
	ErrClosed = errors.New("session closed")
)

// AuthenticationError reports that the server rejected the credentials.
type AuthenticationError struct {
	Host string
	User string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("imap login %s@%s rejected: %v", e.User, e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// MailboxNotFoundError reports that a folder does not exist or cannot be
// opened.
type MailboxNotFoundError struct {
	Mailbox string
	Err     error
}

func (e *MailboxNotFoundError) Error() string {
	return fmt.Sprintf("imap mailbox %q not found: %v", e.Mailbox, e.Err)
}

func (e *MailboxNotFoundError) Unwrap() error { return e.Err }

// FetchError reports that a single message could not be retrieved.
type FetchError struct {
	Mailbox string
	UID     uint32
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("imap fetch %s uid %d: %v", e.Mailbox, e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
