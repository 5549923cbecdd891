package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
)

// MaxSubjectBytes is the longest subject Compose emits.
const MaxSubjectBytes = 998

// SanitizeSubject replaces CR and LF with spaces, invalid UTF-8 with U+FFFD,
// and truncates the result on a rune boundary.
func SanitizeSubject(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= MaxSubjectBytes {
		return s
	}
	s = s[:MaxSubjectBytes]
	for len(s) > 0 {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// MediaType guesses the media type of path from its extension.
func MediaType(path string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// Compose renders a multipart/mixed message. Attachments that cannot be read
// are left out and logged.
func Compose(from string, to []string, subject, body string, attachPaths []string, now time.Time, logger *slog.Logger) (Outgoing, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return Outgoing{}, fmt.Errorf("sender %q: %w", from, err)
	}
	toAddrs := make([]*mail.Address, 0, len(to))
	envelopeTo := make([]string, 0, len(to))
	for _, addr := range to {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return Outgoing{}, fmt.Errorf("recipient %q: %w", addr, err)
		}
		toAddrs = append(toAddrs, parsed)
		envelopeTo = append(envelopeTo, parsed.Address)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", toAddrs)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return Outgoing{}, fmt.Errorf("generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return Outgoing{}, fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return Outgoing{}, fmt.Errorf("create writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return Outgoing{}, fmt.Errorf("create inline: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(th)
	if err != nil {
		return Outgoing{}, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return Outgoing{}, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Outgoing{}, fmt.Errorf("close body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return Outgoing{}, fmt.Errorf("close inline: %w", err)
	}

	var attached []string
	for _, path := range attachPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if logger != nil {
				logger.Warn("attachment skipped", "path", path, "error", err)
			}
			continue
		}
		name := filepath.Base(path)
		var ah mail.AttachmentHeader
		ah.SetContentType(MediaType(path), nil)
		ah.SetFilename(name)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return Outgoing{}, fmt.Errorf("create attachment %s: %w", name, err)
		}
		if _, err := aw.Write(data); err != nil {
			return Outgoing{}, fmt.Errorf("write attachment %s: %w", name, err)
		}
		if err := aw.Close(); err != nil {
			return Outgoing{}, fmt.Errorf("close attachment %s: %w", name, err)
		}
		attached = append(attached, path)
	}

	if err := mw.Close(); err != nil {
		return Outgoing{}, fmt.Errorf("close message: %w", err)
	}

	return Outgoing{
		From:      fromAddr.Address,
		To:        envelopeTo,
		MessageID: messageID,
		Raw:       buf.Bytes(),
		Subject:   subject,
		Body:      body,
		Attached:  attached,
	}, nil
}
