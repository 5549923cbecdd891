package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail2mail/model"
)

const (
	DefaultDialTimeout = 30 * time.Second
	// DefaultTimeout bounds a whole fetch, from dial to logout.
	DefaultTimeout = 2 * time.Minute
)

var (
	ErrNoMessages      = errors.New("mailbox has no messages")
	ErrMessageNotFound = errors.New("message not found")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	// MarkSeen fetches with BODY[] instead of BODY.PEEK[].
	MarkSeen    bool
	DialTimeout time.Duration
	// Timeout bounds a whole session. The connection is closed when it
	// expires.
	Timeout time.Duration
}

// Fetcher retrieves single messages from one IMAP account. Every call opens
// its own connection and closes it before returning.
type Fetcher struct {
	opts   Options
	logger *slog.Logger
}

func NewFetcher(opts Options, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Fetcher{opts: opts, logger: logger}, nil
}

// FetchLatestUnseen returns the unread message with the highest UID. When
// nothing is unread, the newest message of the mailbox is returned instead.
func (f *Fetcher) FetchLatestUnseen(ctx context.Context) (model.RawMessage, error) {
	var msg model.RawMessage
	err := f.session(ctx, func(client *imapclient.Client) error {
		uid, err := f.latestUID(client)
		if err != nil {
			return err
		}
		msg, err = f.fetch(client, uid)
		return err
	})
	return msg, err
}

// FetchUID returns the message with the given UID.
func (f *Fetcher) FetchUID(ctx context.Context, uid uint32) (model.RawMessage, error) {
	if uid == 0 {
		return model.RawMessage{}, fmt.Errorf("%w: uid must be positive", ErrMessageNotFound)
	}
	var msg model.RawMessage
	err := f.session(ctx, func(client *imapclient.Client) error {
		var err error
		msg, err = f.fetch(client, imapv2.UID(uid))
		return err
	})
	return msg, err
}

func (f *Fetcher) session(ctx context.Context, fn func(*imapclient.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return sessionError(ctx, err)
	}
	defer cleanup()

	if _, err := client.Select(f.mailbox(), &imapv2.SelectOptions{ReadOnly: !f.opts.MarkSeen}).Wait(); err != nil {
		return sessionError(ctx, fmt.Errorf("select mailbox %s: %w", f.mailbox(), err))
	}

	if err := fn(client); err != nil {
		return sessionError(ctx, err)
	}
	return nil
}

// sessionError reports the context error when the connection was closed
// because ctx ended.
func sessionError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("imap session: %w", ctxErr)
	}
	return err
}

func (f *Fetcher) latestUID(client *imapclient.Client) (imapv2.UID, error) {
	unseen := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	data, err := client.UIDSearch(unseen, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("search unseen: %w", err)
	}
	uids := data.AllUIDs()

	if len(uids) == 0 {
		if f.logger != nil {
			f.logger.Debug("no unseen messages, falling back to all", "mailbox", f.mailbox())
		}
		data, err = client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
		if err != nil {
			return 0, fmt.Errorf("search all: %w", err)
		}
		uids = data.AllUIDs()
	}

	if len(uids) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoMessages, f.mailbox())
	}
	return slices.Max(uids), nil
}

func (f *Fetcher) fetch(client *imapclient.Client, uid imapv2.UID) (model.RawMessage, error) {
	section := &imapv2.FetchItemBodySection{Peek: !f.opts.MarkSeen}
	options := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := client.Fetch(imapv2.UIDSetNum(uid), options).Collect()
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return model.RawMessage{}, fmt.Errorf("%w: uid %d in %s", ErrMessageNotFound, uid, f.mailbox())
	}

	buf := msgs[0]
	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: server returned no body", uid)
	}

	if f.logger != nil {
		f.logger.Debug("fetched message", "uid", uint32(buf.UID), "mailbox", f.mailbox(), "size", len(raw))
	}
	return model.NewRawMessage(f.source(buf.UID), raw, buf.InternalDate), nil
}

func (f *Fetcher) source(uid imapv2.UID) string {
	return fmt.Sprintf("imap://%s@%s/%s;UID=%d", f.opts.Username, f.opts.Host, f.mailbox(), uint32(uid))
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	dialCtx, cancel := context.WithTimeout(ctx, f.opts.DialTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if f.opts.UseTLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}}
		conn, err = dialer.DialContext(dialCtx, "tcp", address)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(dialCtx, "tcp", address)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, options)
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "mailbox", f.mailbox(), "tls", f.opts.UseTLS)
	}

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if f.logger != nil {
					f.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (f *Fetcher) mailbox() string {
	if f.opts.Mailbox == "" {
		return "INBOX"
	}
	return f.opts.Mailbox
}
