// Package imap reads messages from an IMAP mailbox without changing its state.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Mailbox describes the selected folder.
type Mailbox struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
}

// Query selects messages in the current mailbox. The zero value selects all
// of them.
type Query struct {
	UIDs []uint32
}

// Session is an authenticated connection with at most one selected mailbox.
// It is not safe for concurrent use.
type Session struct {
	opts      Options
	client    *imapclient.Client
	logger    *slog.Logger
	stopClose func() bool
	ctx       context.Context

	mailbox *Mailbox
	closeMu sync.Mutex
	closed  bool
}

// Open dials the server and logs in. The connection is torn down when ctx is
// cancelled; callers must still call Close.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	address := opts.address()
	options := &imapclient.Options{}
	if opts.UseTLS || opts.StartTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case opts.UseTLS:
		client, err = imapclient.DialTLS(address, options)
	case opts.StartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	default:
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo {
			return nil, &AuthenticationError{Host: opts.Host, User: opts.Username, Err: err}
		}
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS, "starttls", opts.StartTLS)
	}

	return &Session{
		opts:      opts,
		client:    client,
		logger:    logger,
		stopClose: stopClose,
		ctx:       ctx,
	}, nil
}

// Select opens folder read-only.
func (s *Session) Select(folder string) (Mailbox, error) {
	if s.isClosed() {
		return Mailbox{}, ErrClosed
	}
	if folder == "" {
		folder = "INBOX"
	}

	data, err := s.client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo {
			return Mailbox{}, &MailboxNotFoundError{Mailbox: folder, Err: err}
		}
		return Mailbox{}, fmt.Errorf("select %s: %w", folder, err)
	}

	mailbox := Mailbox{
		Name:        folder,
		Messages:    data.NumMessages,
		UIDValidity: data.UIDValidity,
	}
	s.mailbox = &mailbox

	if s.logger != nil {
		s.logger.Debug("imap mailbox selected", "mailbox", folder, "messages", mailbox.Messages, "uidValidity", mailbox.UIDValidity)
	}
	return mailbox, nil
}

// List returns the UIDs matching q in ascending order.
func (s *Session) List(q Query) ([]uint32, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.mailbox == nil {
		return nil, ErrNoMailbox
	}

	criteria := &imapv2.SearchCriteria{}
	if len(q.UIDs) > 0 {
		var set imapv2.UIDSet
		for _, uid := range q.UIDs {
			set.AddNum(imapv2.UID(uid))
		}
		criteria.UID = []imapv2.UIDSet{set}
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search %s: %w", s.mailbox.Name, err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchRaw returns the complete RFC 5322 bytes of the message with uid. The
// \Seen flag is left untouched. Every failure is a *FetchError.
func (s *Session) FetchRaw(uid uint32) ([]byte, error) {
	if s.mailbox == nil {
		return nil, &FetchError{UID: uid, Err: ErrNoMailbox}
	}
	folder := s.mailbox.Name
	if s.isClosed() {
		return nil, &FetchError{Mailbox: folder, UID: uid, Err: ErrClosed}
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), options).Collect()
	if err != nil {
		return nil, &FetchError{Mailbox: folder, UID: uid, Err: err}
	}
	if len(msgs) == 0 {
		return nil, &FetchError{Mailbox: folder, UID: uid, Err: ErrMessageNotFound}
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, &FetchError{Mailbox: folder, UID: uid, Err: fmt.Errorf("no body section returned")}
	}
	return raw, nil
}

// Close logs out and closes the connection. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.stopClose()
	if s.ctx.Err() == nil {
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil {
		if s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
