// Package source resolves message references to raw message bytes.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/mail2mail/mbox"
	"github.com/dhcgn/mail2mail/model"
)

// MaxFileBytes bounds how much of a local .eml file is read.
const MaxFileBytes = 64 << 20

var (
	ErrUnsupportedRef = errors.New("unsupported message reference")
	ErrUnknownAccount = errors.New("unknown mailbox account")
	ErrFetch          = errors.New("fetch failed")
)

type Kind string

const (
	KindIMAPLatestUnseen Kind = "imap_latest_unseen"
	KindIMAPUID          Kind = "imap_uid"
	KindFile             Kind = "eml"
	KindMbox             Kind = "mbox"
)

// Ref is a parsed message reference.
type Ref struct {
	Kind Kind
	UID  uint32
	Path string
	// Index is the 1-based position inside an mbox archive, 0 for the last message.
	Index int
}

func (r Ref) String() string {
	switch r.Kind {
	case KindIMAPLatestUnseen:
		return "imap:latest_unseen"
	case KindIMAPUID:
		return "imap:" + strconv.FormatUint(uint64(r.UID), 10)
	case KindFile:
		return "eml:" + r.Path
	case KindMbox:
		if r.Index > 0 {
			return mbox.Source(r.Path, r.Index)
		}
		return "mbox:" + r.Path
	}
	return string(r.Kind)
}

// ParseRef parses the textual reference forms:
//
//	imap:latest_unseen
//	imap:<uid>
//	<path>.eml, eml:<path>
//	mbox:<path>, mbox:<path>#<n>
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "imap:latest_unseen":
		return Ref{Kind: KindIMAPLatestUnseen}, nil
	case strings.HasPrefix(ref, "imap:"):
		uid, err := strconv.ParseUint(strings.TrimPrefix(ref, "imap:"), 10, 32)
		if err != nil || uid == 0 {
			return Ref{}, fmt.Errorf("%w: %q: uid must be a positive integer", ErrUnsupportedRef, ref)
		}
		return Ref{Kind: KindIMAPUID, UID: uint32(uid)}, nil
	case strings.HasPrefix(ref, "eml:"):
		path := strings.TrimPrefix(ref, "eml:")
		if path == "" {
			return Ref{}, fmt.Errorf("%w: %q: empty path", ErrUnsupportedRef, ref)
		}
		return Ref{Kind: KindFile, Path: path}, nil
	case strings.HasPrefix(ref, "mbox:"):
		return parseMboxRef(ref)
	case strings.HasSuffix(strings.ToLower(ref), ".eml"):
		return Ref{Kind: KindFile, Path: ref}, nil
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
}

func parseMboxRef(ref string) (Ref, error) {
	path := strings.TrimPrefix(ref, "mbox:")
	index := 0
	if i := strings.LastIndex(path, "#"); i >= 0 {
		n, err := strconv.Atoi(path[i+1:])
		if err != nil || n <= 0 {
			return Ref{}, fmt.Errorf("%w: %q: message index must be a positive integer", ErrUnsupportedRef, ref)
		}
		path, index = path[:i], n
	}
	if path == "" {
		return Ref{}, fmt.Errorf("%w: %q: empty path", ErrUnsupportedRef, ref)
	}
	return Ref{Kind: KindMbox, Path: path, Index: index}, nil
}

// Source fetches the raw bytes a reference points to.
type Source interface {
	Fetch(ctx context.Context, account string, ref Ref) (model.RawMessage, error)
}

// MailboxFetcher is one remote mailbox account.
type MailboxFetcher interface {
	FetchLatestUnseen(ctx context.Context) (model.RawMessage, error)
	FetchUID(ctx context.Context, uid uint32) (model.RawMessage, error)
}

// Mux serves local references itself and forwards mailbox references to
// the fetcher registered for the account.
type Mux struct {
	accounts map[string]MailboxFetcher
	logger   *slog.Logger
}

func NewMux(accounts map[string]MailboxFetcher, logger *slog.Logger) *Mux {
	copied := make(map[string]MailboxFetcher, len(accounts))
	for name, f := range accounts {
		copied[name] = f
	}
	return &Mux{accounts: copied, logger: logger}
}

func (m *Mux) Fetch(ctx context.Context, account string, ref Ref) (model.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.RawMessage{}, err
	}

	switch ref.Kind {
	case KindFile:
		return readFile(ref.Path)
	case KindMbox:
		msg, err := mbox.ReadMessage(ref.Path, ref.Index)
		if err != nil {
			return model.RawMessage{}, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
		}
		return msg, nil
	case KindIMAPLatestUnseen, KindIMAPUID:
	default:
		return model.RawMessage{}, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}

	fetcher, err := m.account(account)
	if err != nil {
		return model.RawMessage{}, err
	}
	if m.logger != nil {
		m.logger.Debug("fetching message", "account", account, "ref", ref.String())
	}

	var msg model.RawMessage
	if ref.Kind == KindIMAPUID {
		msg, err = fetcher.FetchUID(ctx, ref.UID)
	} else {
		msg, err = fetcher.FetchLatestUnseen(ctx)
	}
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("%w: %s %s: %w", ErrFetch, account, ref, err)
	}
	return msg, nil
}

// account resolves name; an empty name selects the only configured account.
func (m *Mux) account(name string) (MailboxFetcher, error) {
	if name == "" && len(m.accounts) == 1 {
		for _, f := range m.accounts {
			return f, nil
		}
	}
	f, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, name)
	}
	return f, nil
}

func readFile(path string) (model.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileBytes+1))
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("%w: read %s: %w", ErrFetch, path, err)
	}
	if len(data) > MaxFileBytes {
		return model.RawMessage{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrFetch, path, MaxFileBytes)
	}

	var modTime time.Time
	if info, err := file.Stat(); err == nil {
		modTime = info.ModTime()
	}
	return model.NewRawMessage("eml:"+path, data, modTime), nil
}
