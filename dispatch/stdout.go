package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StdoutTransport prints messages instead of sending them. It is meant for
// local runs.
type StdoutTransport struct {
	writer io.Writer
	// Raw prints the full MIME message instead of a summary.
	Raw bool
}

func NewStdoutTransport() *StdoutTransport {
	return &StdoutTransport{writer: os.Stdout}
}

func NewStdoutTransportWithWriter(w io.Writer) *StdoutTransport {
	return &StdoutTransport{writer: w}
}

func (t *StdoutTransport) Name() string {
	return "stdout"
}

func (t *StdoutTransport) Submit(_ context.Context, msg Outgoing) (string, error) {
	var b strings.Builder
	if t.Raw {
		b.Write(msg.Raw)
		b.WriteString("\n")
	} else {
		b.WriteString("========================================\n")
		fmt.Fprintf(&b, "Message-ID: <%s>\n", msg.MessageID)
		fmt.Fprintf(&b, "From: %s\n", msg.From)
		fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		b.WriteString("Body:\n")
		b.WriteString(msg.Body + "\n")
		if len(msg.Attached) > 0 {
			names := make([]string, len(msg.Attached))
			for i, p := range msg.Attached {
				names[i] = filepath.Base(p)
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
		}
		b.WriteString("========================================\n")
	}

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return "", fmt.Errorf("stdout write: %w", err)
	}
	return "stdout://" + msg.MessageID, nil
}
