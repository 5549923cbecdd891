package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/model"
	"github.com/dhcgn/mail2mail/parser"
)

func part(name, mediaType, content string) parser.Part {
	return parser.Part{
		Meta:    model.AttachmentMeta{Filename: name, MediaType: mediaType, SizeBytes: int64(len(content))},
		Content: []byte(content),
	}
}

func TestSaveNeverWritesDenylistedExtensions(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, nil)

	for _, ext := range filter.DeniedExtensions() {
		names := []string{
			"payload" + ext,
			"PAYLOAD" + ext,
			"payload" + ext + "/",
			"payload" + ext + `\`,
			`dir\evil` + ext + `\`,
			"payload" + ext + ".",
			"payload" + ext + " ",
		}
		for _, name := range names {
			res, err := e.Save([]parser.Part{part(name, "application/pdf", "MZ")}, dir)
			if err != nil {
				t.Fatalf("Save(%s): %v", name, err)
			}
			if len(res.Saved) != 0 {
				t.Errorf("Save(%s): saved %v", name, res.Saved)
			}
			if len(res.Denied) != 1 || res.Denied[0] != name {
				t.Errorf("Save(%s): denied %v", name, res.Denied)
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, found %d entries", len(entries))
	}
}

func TestSaveExeAndPDF(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "work")
	e := New(nil, nil)

	res, err := e.Save([]parser.Part{
		part("setup.exe", "application/octet-stream", "MZ"),
		part("invoice.pdf", "application/pdf", "%PDF-1.4"),
	}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Saved) != 1 {
		t.Fatalf("Saved: got %d, want 1", len(res.Saved))
	}
	saved := res.Saved[0]
	if saved.SourceFilename != "invoice.pdf" || saved.StoredPath != filepath.Join(dir, "invoice.pdf") {
		t.Errorf("Saved[0]: got %+v", saved)
	}
	data, err := os.ReadFile(saved.StoredPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Errorf("content: got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "setup.exe")); !os.IsNotExist(err) {
		t.Errorf("setup.exe must not exist, stat err = %v", err)
	}
}

func TestSaveCollisionLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, nil)

	res, err := e.Save([]parser.Part{
		part("report.txt", "text/plain", "first"),
		part("a/report.txt", "text/plain", "middle"),
		part("b/report.txt", "text/plain", "second"),
	}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Saved) != 1 {
		t.Fatalf("Saved: got %d, want 1", len(res.Saved))
	}
	if res.Saved[0].SourceFilename != "b/report.txt" {
		t.Errorf("Saved[0]: got %+v", res.Saved[0])
	}
	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content: got %q, want %q", data, "second")
	}
}

func TestSaveSkipsUndecodableParts(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, nil)

	broken := part("broken.pdf", "application/pdf", "")
	broken.Content = nil
	broken.Err = errors.New("illegal base64 data")

	res, err := e.Save([]parser.Part{broken, part("ok.csv", "text/csv", "a,b")}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Saved) != 1 || res.Saved[0].SourceFilename != "ok.csv" {
		t.Errorf("Saved: got %+v", res.Saved)
	}
	if len(res.Undecodable) != 1 || res.Undecodable[0] != "broken.pdf" {
		t.Errorf("Undecodable: got %v", res.Undecodable)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.pdf")); !os.IsNotExist(err) {
		t.Errorf("broken.pdf must not exist, stat err = %v", err)
	}
}

func TestSaveSkipsUnwritableParts(t *testing.T) {
	dir := t.TempDir()
	e := New(nil, nil)

	long := strings.Repeat("a", 300) + ".pdf"
	res, err := e.Save([]parser.Part{
		part("good.pdf", "application/pdf", "1"),
		part(long, "application/pdf", "2"),
		part("a\x00b.pdf", "application/pdf", "3"),
		part("later.pdf", "application/pdf", "4"),
	}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Saved) != 2 || res.Saved[0].SourceFilename != "good.pdf" || res.Saved[1].SourceFilename != "later.pdf" {
		t.Errorf("Saved: got %+v", res.Saved)
	}
	if len(res.Unwritable) != 2 || res.Unwritable[0] != long || res.Unwritable[1] != "a\x00b.pdf" {
		t.Errorf("Unwritable: got %q", res.Unwritable)
	}
	if _, err := os.Stat(filepath.Join(dir, "later.pdf")); err != nil {
		t.Errorf("later.pdf: %v", err)
	}
}

func TestSaveExtraDenyPatterns(t *testing.T) {
	dir := t.TempDir()
	deny, err := filter.NewDenylist([]string{`\.docm$`})
	if err != nil {
		t.Fatalf("NewDenylist: %v", err)
	}
	e := New(deny, nil)

	res, err := e.Save([]parser.Part{
		part("Macro.DOCM", "application/vnd.ms-word", "x"),
		part("plain.docx", "application/vnd.ms-word", "y"),
	}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Saved) != 1 || res.Saved[0].SourceFilename != "plain.docx" {
		t.Errorf("Saved: got %+v", res.Saved)
	}
}

func TestSaveStorageError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := New(nil, nil).Save([]parser.Part{part("a.pdf", "application/pdf", "x")}, file)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
}

func TestStoredName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"../../etc/passwd.txt", "passwd.txt"},
		{`C:\Users\bob\report.pdf`, "report.pdf"},
		{"dir/", "dir"},
		{"invoice.exe/", "invoice.exe"},
		{"x.exe. ", "x.exe"},
		{"..", "attachment"},
		{"", "attachment"},
		{"/", "attachment"},
	}
	for _, tt := range tests {
		if got := StoredName(tt.in); got != tt.want {
			t.Errorf("StoredName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
