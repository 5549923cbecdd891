package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/model"
)

// ErrMessageNotFound is returned when an archive holds fewer messages than requested.
var ErrMessageNotFound = errors.New("mbox message not found")

type Options struct {
	Path   string
	Filter filter.Options
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}

	return &fileReader{
		path:   path,
		open:   func() (io.ReadCloser, error) { return os.Open(path) },
		filter: f,
		logger: logger,
	}, nil
}

type fileReader struct {
	path   string
	open   func() (io.ReadCloser, error)
	filter *filter.Filter
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := f.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		source := Source(f.path, idx)
		if !f.filter.AllowsRaw(raw) {
			if err := emitEnvelope(ctx, out, model.Envelope{Message: model.RawMessage{Source: source}, Filtered: true}); err != nil {
				return err
			}
			continue
		}

		msg := model.NewRawMessage(source, raw, receivedAt(raw))
		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Source names the n-th message (1-based) of the archive at path.
func Source(path string, n int) string {
	return fmt.Sprintf("mbox:%s#%d", path, n)
}

// ReadMessage returns the n-th message (1-based) of the archive at path.
// A non-positive n selects the last message.
func ReadMessage(path string, n int) (model.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	raw, idx, err := nthMessage(file, n)
	if err != nil {
		return model.RawMessage{}, err
	}
	return model.NewRawMessage(Source(path, idx), raw, receivedAt(raw)), nil
}

func nthMessage(r io.Reader, n int) ([]byte, int, error) {
	reader := mboxlib.NewReader(r)
	var last []byte
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("message %d: %w", count+1, err)
		}
		count++
		if n > 0 && count != n {
			if _, err := io.Copy(io.Discard, msgReader); err != nil {
				return nil, 0, fmt.Errorf("message %d read: %w", count, err)
			}
			continue
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, 0, fmt.Errorf("message %d read: %w", count, err)
		}
		if n > 0 {
			return raw, count, nil
		}
		last = raw
	}

	if n > 0 || count == 0 {
		return nil, 0, fmt.Errorf("%w: want %d, archive has %d", ErrMessageNotFound, n, count)
	}
	return last, count, nil
}

func receivedAt(raw []byte) time.Time {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	if date := msg.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// MboxMessage represents a single archive message for inspection.
type MboxMessage struct {
	Index int
	Raw   []byte
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return read(file, callback)
}

func read(r io.Reader, callback func(m *MboxMessage) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 1; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		if err := callback(&MboxMessage{Index: idx, Raw: raw}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return count(file)
}

func count(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)
	n := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			n++
			continue
		}
		n++
	}
}
