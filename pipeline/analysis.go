package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/k3a/html2text"

	"github.com/dhcgn/mail2mail/classify"
	"github.com/dhcgn/mail2mail/extract"
	"github.com/dhcgn/mail2mail/model"
)

// BodyText returns the plain body, or the HTML body reduced to text when the
// message has no plain part.
func BodyText(n model.NormalizedMessage) string {
	if n.TextPlain != nil {
		return strings.TrimSpace(*n.TextPlain)
	}
	if n.TextHTML != nil {
		return strings.TrimSpace(html2text.HTML2Text(*n.TextHTML))
	}
	return ""
}

// BuildAnalysis assembles the text handed to the decider: a header summary,
// the body, text extracted from attachments, the literal links, the
// attachment list and processing notes. Empty sections are left out.
func BuildAnalysis(n model.NormalizedMessage, enriched model.EnrichedContent, extracted extract.Result) string {
	var sb strings.Builder

	for _, name := range []string{"From", "To", "Subject", "Date"} {
		if v := n.Headers.Get(name); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", name, v)
		}
	}

	section(&sb, "Body", BodyText(n))
	section(&sb, "Attachment text", strings.TrimSpace(enriched.ExtractedText))

	if len(n.Links) > 0 {
		lines := make([]string, len(n.Links))
		for i, link := range n.Links {
			lines[i] = "- " + link
		}
		section(&sb, "Links", strings.Join(lines, "\n"))
	}

	if len(n.AttachmentsMeta) > 0 {
		section(&sb, "Attachments", attachmentSummary(n.AttachmentsMeta, extracted))
	}

	if len(enriched.Notes) > 0 {
		lines := make([]string, len(enriched.Notes))
		for i, note := range enriched.Notes {
			lines[i] = "- " + note
		}
		section(&sb, "Processing notes", strings.Join(lines, "\n"))
	}

	return strings.TrimSpace(sb.String())
}

func section(sb *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(sb, "\n--- %s ---\n%s\n", title, body)
}

func attachmentSummary(meta []model.AttachmentMeta, extracted extract.Result) string {
	denied := counts(extracted.Denied)
	undecodable := counts(extracted.Undecodable)
	unwritable := counts(extracted.Unwritable)

	lines := make([]string, 0, len(meta))
	for _, m := range meta {
		line := fmt.Sprintf("- %s (%s, %d bytes)", m.Filename, m.MediaType, m.SizeBytes)
		switch {
		case take(denied, m.Filename):
			line += " [blocked: file type not allowed]"
		case take(undecodable, m.Filename):
			line += " [not decodable]"
		case take(unwritable, m.Filename):
			line += " [not stored]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func counts(names []string) map[string]int {
	out := make(map[string]int, len(names))
	for _, n := range names {
		out[n]++
	}
	return out
}

func take(m map[string]int, name string) bool {
	if m[name] == 0 {
		return false
	}
	m[name]--
	return true
}

func metadataFor(n model.NormalizedMessage, saved []model.SavedAttachment) classify.Metadata {
	files := make([]string, 0, len(saved))
	for _, s := range saved {
		files = append(files, filepath.Base(s.StoredPath))
	}
	return classify.Metadata{
		From:        n.Headers.Get("From"),
		To:          n.Headers.Get("To"),
		Subject:     n.Headers.Get("Subject"),
		Date:        n.Headers.Get("Date"),
		Headers:     n.Headers,
		Links:       n.Links,
		Attachments: n.AttachmentsMeta,
		SavedFiles:  files,
	}
}
