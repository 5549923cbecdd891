package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/mail2mail/extract"
	"github.com/dhcgn/mail2mail/model"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		name     string
		proposed string
		original string
		prefix   *string
		want     string
	}{
		{"proposal wins", "Broken printer", "Printer on floor 3", nil, "Broken printer"},
		{"original fallback", "  ", "Printer on floor 3", nil, "Printer on floor 3"},
		{"no subject", "", "", nil, NoSubject},
		{"prefix applied", "", "Invoice", prefix("[Billing]"), "[Billing] Invoice"},
		{"prefix applied once", "", "[Billing] Invoice", prefix("[Billing]"), "[Billing] Invoice"},
		{"blank prefix ignored", "", "Invoice", prefix("  "), "Invoice"},
		{"prefix trimmed", "", "Invoice", prefix("[HR] "), "[HR] Invoice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.proposed, tt.original, tt.prefix))
		})
	}
}

func TestSelectAttachments(t *testing.T) {
	saved := []model.SavedAttachment{
		{SourceFilename: "../report.pdf", StoredPath: "/work/attachments/report.pdf"},
		{SourceFilename: "photo.jpg", StoredPath: "/work/attachments/photo.jpg"},
	}

	paths, unknown := SelectAttachments(nil, saved)
	assert.Equal(t, []string{"/work/attachments/report.pdf", "/work/attachments/photo.jpg"}, paths)
	assert.Empty(t, unknown)

	paths, unknown = SelectAttachments([]string{"report.pdf", "../report.pdf", "/work/attachments/photo.jpg", "evil.exe", " "}, saved)
	assert.Equal(t, []string{"/work/attachments/report.pdf", "/work/attachments/photo.jpg"}, paths)
	assert.Equal(t, []string{"evil.exe"}, unknown)

	paths, _ = SelectAttachments(nil, nil)
	assert.NotNil(t, paths)
	assert.Empty(t, paths)
}

func TestBuildAnalysis(t *testing.T) {
	html := "<p>Hello <b>team</b></p>"
	n := model.NormalizedMessage{
		Headers: model.Headers{
			{Name: "From", Value: "alice@example.com"},
			{Name: "Subject", Value: "Quarterly numbers"},
		},
		TextHTML: &html,
		Links:    []string{"https://example.com/q3"},
		AttachmentsMeta: []model.AttachmentMeta{
			{Filename: "q3.csv", MediaType: "text/csv", SizeBytes: 10},
			{Filename: "run.sh", MediaType: "text/plain", SizeBytes: 4},
		},
	}
	enriched := model.EnrichedContent{ExtractedText: "a,b,c", Notes: []string{"missing: /tmp/x"}}
	extracted := extract.Result{Denied: []string{"run.sh"}}

	text := BuildAnalysis(n, enriched, extracted)

	assert.Contains(t, text, "From: alice@example.com\nSubject: Quarterly numbers\n")
	assert.Contains(t, text, "--- Body ---\nHello team")
	assert.Contains(t, text, "--- Attachment text ---\na,b,c")
	assert.Contains(t, text, "--- Links ---\n- https://example.com/q3")
	assert.Contains(t, text, "- q3.csv (text/csv, 10 bytes)\n")
	assert.Contains(t, text, "- run.sh (text/plain, 4 bytes) [blocked: file type not allowed]")
	assert.Contains(t, text, "--- Processing notes ---\n- missing: /tmp/x")
	assert.NotContains(t, text, "To:")
}

func TestBodyTextPrefersPlain(t *testing.T) {
	plain, html := " plain ", "<p>html</p>"
	assert.Equal(t, "plain", BodyText(model.NormalizedMessage{TextPlain: &plain, TextHTML: &html}))
	assert.Equal(t, "html", BodyText(model.NormalizedMessage{TextHTML: &html}))
	assert.Equal(t, "", BodyText(model.NormalizedMessage{}))
}
