package filter

import (
	"testing"
)

func TestFilterAllows(t *testing.T) {
	invoice := []byte("From: billing@vendor.example\nSubject: Invoice 2026-0042\n")
	newsletter := []byte("From: news@promo.example\nSubject: Weekly digest\nList-Unsubscribe: <https://promo.example/u>\n")
	invoiceBody := []byte("Please find the invoice for March attached.")
	promoBody := []byte("Claim your prize today.")

	tests := []struct {
		name   string
		opts   Options
		header []byte
		body   []byte
		want   bool
	}{
		{"no filters", Options{}, newsletter, promoBody, true},
		{"include header match", Options{IncludeHeader: []string{"Subject: Invoice"}}, invoice, invoiceBody, true},
		{"include header miss", Options{IncludeHeader: []string{"Subject: Invoice"}}, newsletter, promoBody, false},
		{"include body match", Options{IncludeBody: []string{"(?i)invoice"}}, newsletter, invoiceBody, true},
		{"include body miss", Options{IncludeBody: []string{"(?i)invoice"}}, invoice, promoBody, false},
		{"include header or body", Options{IncludeHeader: []string{"Subject: Invoice"}, IncludeBody: []string{"prize"}}, newsletter, promoBody, true},
		{"exclude header match", Options{ExcludeHeader: []string{"List-Unsubscribe:"}}, newsletter, invoiceBody, false},
		{"exclude header miss", Options{ExcludeHeader: []string{"List-Unsubscribe:"}}, invoice, invoiceBody, true},
		{"exclude body match", Options{ExcludeBody: []string{"prize"}}, invoice, promoBody, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.Allows(tt.header, tt.body); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterRejectsMixedModes(t *testing.T) {
	_, err := New(Options{IncludeBody: []string{"invoice"}, ExcludeHeader: []string{"List-Unsubscribe:"}})
	if err == nil {
		t.Error("expected error when include and exclude patterns are combined")
	}
	if _, err := New(Options{ExcludeBody: []string{"("}}); err == nil {
		t.Error("expected error for an invalid pattern")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}

func TestFilter_AllowsRaw(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"(?i)^subject: .*newsletter"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// (?m) is not set, so ^ anchors at the start of the header block only.
	if !f.AllowsRaw([]byte("From: a@example.com\r\nSubject: Weekly newsletter\r\n\r\nbody")) {
		t.Error("expected message to be allowed, pattern is anchored to the first header line")
	}
	if f.AllowsRaw([]byte("Subject: Weekly Newsletter\r\n\r\nbody")) {
		t.Error("expected message to be filtered out")
	}
}

func TestFilter_GetStats(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"invoice", "receipt"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows(nil, []byte("your invoice is attached"))
	f.Allows(nil, []byte("another invoice"))
	f.Allows(nil, []byte("a receipt"))
	f.Allows(nil, []byte("nothing here"))

	stats := f.GetStats()
	if len(stats.Patterns) != 2 {
		t.Fatalf("Patterns = %v, want 2 entries", stats.Patterns)
	}
	if stats.Hits["invoice"] != 2 {
		t.Errorf("invoice hits = %d, want 2", stats.Hits["invoice"])
	}
	if stats.Hits["receipt"] != 1 {
		t.Errorf("receipt hits = %d, want 1", stats.Hits["receipt"])
	}
}

func TestCompilePatterns_SkipsBlankAndRejectsInvalid(t *testing.T) {
	compiled, err := CompilePatterns([]string{"  ", "a+", ""})
	if err != nil {
		t.Fatalf("CompilePatterns() error = %v", err)
	}
	if len(compiled) != 1 {
		t.Fatalf("compiled %d patterns, want 1", len(compiled))
	}

	if _, err := CompilePatterns([]string{"("}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
