package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "imap-extract"

// ErrNotFound is returned by Get when no password is stored for the account.
var ErrNotFound = errors.New("credential not found")

// Open is replaced in tests.
var Open = openKeyring

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/imap-extract/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("imap-extract-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Key returns the keyring item key for an IMAP account.
func Key(host, user string) string {
	return strings.ToLower(user) + "@" + strings.ToLower(host)
}

// Get retrieves the stored IMAP password for user on host.
func Get(host, user string) (string, error) {
	ring, err := Open()
	if err != nil {
		return "", err
	}

	key := Key(host, user)
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores the IMAP password for user on host.
func Set(host, user, password string) error {
	ring, err := Open()
	if err != nil {
		return err
	}

	key := Key(host, user)
	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(password),
		Label:       "imap-extract " + key,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes the stored password for user on host.
func Delete(host, user string) error {
	ring, err := Open()
	if err != nil {
		return err
	}

	key := Key(host, user)
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
