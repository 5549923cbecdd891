// Package parser normalizes raw RFC 5322 messages into headers, bodies,
// literal links and attachment parts.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/model"
)

// ErrMalformedMessage is returned when the input cannot be read as a
// structured message at all.
var ErrMalformedMessage = errors.New("malformed message")

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Part is a decoded attachment part. Err is set when the payload could not
// be decoded; such parts keep their metadata but carry no content.
type Part struct {
	Meta    model.AttachmentMeta
	Content []byte
	Err     error
}

// Message is the result of Parse.
type Message struct {
	Normalized  model.NormalizedMessage
	Attachments []Part
	// Warnings lists recoverable problems such as unknown charsets or a
	// truncated multipart body.
	Warnings []string
}

// Parse walks every part of raw depth-first. The first text/plain and the
// first text/html part win; later ones are ignored. Every part with an
// attachment disposition is recorded, whatever its media type.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedMessage)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	result := &Message{}
	if err != nil {
		result.warn("message: %v", err)
	}
	result.Normalized.Headers = collectHeaders(entity.Header)

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			result.warn("part %s: %v", formatPath(path), err)
		}
		result.visit(path, part)
		return nil
	})
	if walkErr != nil {
		result.warn("multipart structure truncated: %v", walkErr)
	}

	var texts []string
	if result.Normalized.TextPlain != nil {
		texts = append(texts, *result.Normalized.TextPlain)
	}
	if result.Normalized.TextHTML != nil {
		texts = append(texts, *result.Normalized.TextHTML)
	}
	result.Normalized.Links = ExtractLinks(texts...)
	if result.Normalized.AttachmentsMeta == nil {
		result.Normalized.AttachmentsMeta = []model.AttachmentMeta{}
	}

	return result, nil
}

func (m *Message) visit(path []int, part *message.Entity) {
	mediaType := mediaTypeOf(part.Header)
	if strings.HasPrefix(mediaType, "multipart/") {
		return
	}

	if isAttachment(part.Header) {
		m.addAttachment(path, part, mediaType)
		return
	}

	var target **string
	switch mediaType {
	case "text/plain":
		target = &m.Normalized.TextPlain
	case "text/html":
		target = &m.Normalized.TextHTML
	default:
		return
	}
	if *target != nil {
		return
	}

	body, err := io.ReadAll(part.Body)
	if err != nil {
		m.warn("part %s: read %s body: %v", formatPath(path), mediaType, err)
		return
	}
	text := string(body)
	*target = &text
}

func (m *Message) addAttachment(path []int, part *message.Entity, mediaType string) {
	p := Part{Meta: model.AttachmentMeta{
		Filename:  attachmentFilename(part.Header),
		MediaType: mediaType,
	}}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		p.Err = fmt.Errorf("decode part %s: %w", formatPath(path), err)
		m.warn("attachment %q: %v", p.Meta.Filename, err)
	} else {
		p.Content = content
		p.Meta.SizeBytes = int64(len(content))
	}

	m.Attachments = append(m.Attachments, p)
	m.Normalized.AttachmentsMeta = append(m.Normalized.AttachmentsMeta, p.Meta)
}

func (m *Message) warn(format string, args ...any) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func collectHeaders(h message.Header) model.Headers {
	headers := model.Headers{}
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		headers = append(headers, model.HeaderField{Name: fields.Key(), Value: value})
	}
	return headers
}

func mediaTypeOf(h message.Header) string {
	if !h.Has("Content-Type") {
		return "text/plain"
	}
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		return "application/octet-stream"
	}
	return strings.ToLower(mediaType)
}

func isAttachment(h message.Header) bool {
	disposition, _, err := h.ContentDisposition()
	if err != nil {
		raw := strings.ToLower(strings.TrimSpace(h.Get("Content-Disposition")))
		return strings.HasPrefix(raw, "attachment")
	}
	return strings.EqualFold(disposition, "attachment")
}

func attachmentFilename(h message.Header) string {
	ah := mail.AttachmentHeader{Header: h}
	name, err := ah.Filename()
	if err != nil || strings.TrimSpace(name) == "" {
		_, params, _ := h.ContentType()
		name = params["name"]
	}
	if strings.Contains(name, "=?") {
		if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
			name = decoded
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return filter.DefaultFilename
	}
	return name
}

func formatPath(path []int) string {
	if len(path) == 0 {
		return "root"
	}
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
