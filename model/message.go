package model

import (
	"encoding/base64"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// RawMessage is a single message as fetched from a mailbox or archive.
type RawMessage struct {
	// Source identifies where the bytes came from, e.g. "imap:work/UID 42"
	// or a local file path.
	Source     string
	Hash       string
	ReceivedAt time.Time
	Bytes      []byte
}

// Size returns the length of the raw message in bytes.
func (m RawMessage) Size() int64 {
	return int64(len(m.Bytes))
}

// NewRawMessage builds a RawMessage and computes its content hash.
func NewRawMessage(source string, data []byte, receivedAt time.Time) RawMessage {
	return RawMessage{
		Source:     source,
		Hash:       HashBytes(data),
		ReceivedAt: receivedAt,
		Bytes:      data,
	}
}

// HashBytes returns the base64 encoded blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Envelope wraps a message alongside an optional error encountered while reading it.
// A producer that has not fetched the bytes yet sets Ref instead of Message.
type Envelope struct {
	Message RawMessage
	Account string
	Ref     string
	// Filtered marks archive messages rejected by the selection filter.
	Filtered bool
	Err      error
}

// HeaderField is one header line. Duplicate names are kept as separate fields.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers keeps header fields in the order they appeared in the message.
type Headers []HeaderField

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in message order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// AttachmentMeta describes an attachment part, including parts that are
// later refused by the extractor.
type AttachmentMeta struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
}

// NormalizedMessage is the flat record produced from raw message bytes.
// A nil body pointer means the message had no such part.
type NormalizedMessage struct {
	Headers         Headers          `json:"headers"`
	TextPlain       *string          `json:"text_plain"`
	TextHTML        *string          `json:"text_html"`
	Links           []string         `json:"links"`
	AttachmentsMeta []AttachmentMeta `json:"attachments_meta"`
}

// SavedAttachment is an attachment written to a run's working directory.
type SavedAttachment struct {
	SourceFilename string `json:"source_filename"`
	StoredPath     string `json:"stored_path"`
}

// EnrichedContent aggregates what the document processor extracted from
// every saved attachment of one message.
type EnrichedContent struct {
	ExtractedText string           `json:"extracted_text"`
	Tables        []map[string]any `json:"tables"`
	Images        []map[string]any `json:"images"`
	Notes         []string         `json:"notes"`
}
