package state

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes. IMAP keys name a message by account, folder, UIDVALIDITY and
// UID; content keys name a message by the SHA-256 of its raw bytes.
const (
	IMAPPrefix    = "imap:"
	ContentPrefix = "sha256:"
)

var ErrInvalidKey = errors.New("invalid message key")

// IMAPKey identifies one message of one mailbox generation. A server that
// resets UIDVALIDITY starts a new generation, and keys of the old one become
// stale.
type IMAPKey struct {
	User        string
	Host        string
	Folder      string
	UIDValidity uint32
	UID         uint32
}

// String renders the key as imap:user@host/folder;uidvalidity=N;uid=M with
// user and host lower-cased.
func (k IMAPKey) String() string {
	return k.generation() + ";uid=" + strconv.FormatUint(uint64(k.UID), 10)
}

func (k IMAPKey) mailbox() string {
	return IMAPPrefix + strings.ToLower(k.User) + "@" + strings.ToLower(k.Host) + "/" + k.Folder
}

func (k IMAPKey) generation() string {
	return k.mailbox() + ";uidvalidity=" + strconv.FormatUint(uint64(k.UIDValidity), 10)
}

// ParseIMAPKey is the inverse of IMAPKey.String.
func ParseIMAPKey(key string) (IMAPKey, error) {
	rest, ok := strings.CutPrefix(key, IMAPPrefix)
	if !ok {
		return IMAPKey{}, fmt.Errorf("%w: %q lacks %s prefix", ErrInvalidKey, key, IMAPPrefix)
	}

	i := strings.LastIndex(rest, ";uidvalidity=")
	if i < 0 {
		return IMAPKey{}, fmt.Errorf("%w: %q has no uidvalidity", ErrInvalidKey, key)
	}
	mailbox, ids := rest[:i], rest[i+len(";uidvalidity="):]

	validity, uid, ok := strings.Cut(ids, ";uid=")
	if !ok {
		return IMAPKey{}, fmt.Errorf("%w: %q has no uid", ErrInvalidKey, key)
	}
	uidValidity, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return IMAPKey{}, fmt.Errorf("%w: %q: uidvalidity: %v", ErrInvalidKey, key, err)
	}
	uidNum, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || uidNum == 0 {
		return IMAPKey{}, fmt.Errorf("%w: %q: uid must be a positive number", ErrInvalidKey, key)
	}

	account, folder, ok := strings.Cut(mailbox, "/")
	if !ok || folder == "" {
		return IMAPKey{}, fmt.Errorf("%w: %q has no folder", ErrInvalidKey, key)
	}
	at := strings.LastIndex(account, "@")
	if at <= 0 || at == len(account)-1 {
		return IMAPKey{}, fmt.Errorf("%w: %q has no user@host", ErrInvalidKey, key)
	}

	return IMAPKey{
		User:        account[:at],
		Host:        account[at+1:],
		Folder:      folder,
		UIDValidity: uint32(uidValidity),
		UID:         uint32(uidNum),
	}, nil
}

// ContentKey returns the key of a message identified by its base64 encoded
// SHA-256.
func ContentKey(hash string) string {
	return ContentPrefix + hash
}

// ValidateKey accepts well-formed IMAP and content keys.
func ValidateKey(key string) error {
	switch {
	case strings.HasPrefix(key, IMAPPrefix):
		_, err := ParseIMAPKey(key)
		return err
	case strings.HasPrefix(key, ContentPrefix):
		sum, err := base64.StdEncoding.DecodeString(key[len(ContentPrefix):])
		if err != nil || len(sum) != 32 {
			return fmt.Errorf("%w: %q is not a sha256 digest", ErrInvalidKey, key)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
}

// StaleGeneration matches keys of current's mailbox that belong to a different
// UIDVALIDITY.
func StaleGeneration(current IMAPKey) func(key string) bool {
	mailbox := current.mailbox() + ";uidvalidity="
	generation := current.generation() + ";uid="
	return func(key string) bool {
		return strings.HasPrefix(key, mailbox) && !strings.HasPrefix(key, generation)
	}
}
