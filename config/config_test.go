package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "mail2mail"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags: %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return cmd
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const yamlSettings = `
default_sender: triage
accounts:
  work:
    host: imap.example.com
    username: robot@example.com
    timeout_seconds: 45
identities:
  triage:
    address: triage@example.com
    transport: smtp
    smtp:
      host: smtp.example.com
      username: triage@example.com
routing_rules:
  - category: invoices
    to: [billing@example.com]
    subject_prefix: "[Billing]"
  - category: support
    to: [helpdesk@example.com]
classifier:
  kind: rules
  rules:
    spam_patterns: ["(?i)you won"]
    categories:
      - name: invoices
        patterns: ["(?i)invoice"]
docproc:
  command: [docproc, --json]
  page_limit: 5
dispatch:
  rate_per_second: 2
`

const tomlSettings = `
default_sender = "triage"

[accounts.work]
host = "imap.example.com"
port = 1993
use_tls = false
mailbox = "Support"

[identities.triage]
transport = "ses"
[identities.triage.ses]
region = "eu-central-1"

[[routing_rules]]
category = "support"
to = ["helpdesk@example.com"]

[classifier]
kind = "http"
endpoint = "http://localhost:8080/decide"
`

func TestLoadConfigWithYAMLSettings(t *testing.T) {
	t.Setenv("IMAP_PASS", "imap-secret")
	t.Setenv("SMTP_PASS", "smtp-secret")

	path := writeFile(t, "settings.yaml", yamlSettings)
	cmd := newCommand(t, "--ref", "imap:latest_unseen", "--config", path, "--env-file", "", "--log-level", "WARNING")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Sender != "triage" {
		t.Errorf("Sender = %q, want default sender triage", cfg.Sender)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}

	acc := cfg.Settings.Accounts["work"]
	if acc.Port != 993 || acc.Mailbox != "INBOX" || !acc.TLS() {
		t.Errorf("account defaults not applied: %+v", acc)
	}
	if acc.Timeout() != 45*time.Second {
		t.Errorf("account timeout = %v, want 45s", acc.Timeout())
	}
	if acc.Password != "imap-secret" {
		t.Errorf("account password = %q, want value from IMAP_PASS", acc.Password)
	}

	id := cfg.Settings.Identities["triage"]
	if id.SMTP.Port != 587 || id.SMTP.Password != "smtp-secret" {
		t.Errorf("identity not completed: %+v", id.SMTP)
	}

	if len(cfg.Settings.RoutingRules) != 2 || *cfg.Settings.RoutingRules[0].SubjectPrefix != "[Billing]" {
		t.Errorf("routing rules = %+v", cfg.Settings.RoutingRules)
	}
	if cfg.Settings.RoutingRules[1].SubjectPrefix != nil {
		t.Errorf("missing subject_prefix should stay nil")
	}
	if got := cfg.Settings.Classifier.Rules.Categories; len(got) != 1 || got[0].Name != "invoices" {
		t.Errorf("classifier rules = %+v", got)
	}
	if cfg.Settings.DocProc.PageLimit != 5 || len(cfg.Settings.DocProc.Command) != 2 {
		t.Errorf("docproc = %+v", cfg.Settings.DocProc)
	}
	if cfg.Settings.Dispatch.RatePerSecond != 2 {
		t.Errorf("dispatch rate = %v", cfg.Settings.Dispatch.RatePerSecond)
	}
}

func TestLoadSettingsTOML(t *testing.T) {
	t.Setenv("CLASSIFIER_API_KEY", "key-from-env")

	s, err := LoadSettings(writeFile(t, "settings.toml", tomlSettings))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	acc := s.Accounts["work"]
	if acc.Port != 1993 || acc.TLS() || acc.Mailbox != "Support" {
		t.Errorf("account = %+v", acc)
	}
	if id := s.Identities["triage"]; id.Transport != TransportSES || id.SES.Region != "eu-central-1" || id.Address != "triage" {
		t.Errorf("identity = %+v", id)
	}
	if s.Classifier.Kind != ClassifierHTTP || s.Classifier.APIKey != "key-from-env" {
		t.Errorf("classifier = %+v", s.Classifier)
	}
}

func TestPerNamePasswordWins(t *testing.T) {
	t.Setenv("IMAP_PASS", "generic")
	t.Setenv("IMAP_PASS_WORK_BOX", "specific")

	s, err := LoadSettings(writeFile(t, "s.yml", `
accounts:
  work-box:
    host: imap.example.com
    password: from-file
  other:
    host: imap.example.com
    password: from-file
`))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got := s.Accounts["work-box"].Password; got != "specific" {
		t.Errorf("work-box password = %q, want specific", got)
	}
	if got := s.Accounts["other"].Password; got != "from-file" {
		t.Errorf("other password = %q, generic variable must not replace a file value", got)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    error
	}{
		{"unknown format", "s.json", `{}`, ErrSettingsFormat},
		{"account without host", "s.yaml", "accounts:\n  a:\n    port: 143\n", ErrInvalid},
		{"negative account timeout", "s.yaml", "accounts:\n  a:\n    host: h\n    timeout_seconds: -1\n", ErrInvalid},
		{"bad transport", "s.yaml", "identities:\n  a:\n    transport: pigeon\n", ErrInvalid},
		{"smtp without host", "s.yaml", "identities:\n  a:\n    transport: smtp\n", ErrInvalid},
		{"ses without region", "s.yaml", "identities:\n  a:\n    transport: ses\n", ErrInvalid},
		{"rule without category", "s.yaml", "routing_rules:\n  - to: [a@example.com]\n", ErrInvalid},
		{"http classifier without endpoint", "s.yaml", "classifier:\n  kind: http\n", ErrInvalid},
		{"unknown classifier", "s.yaml", "classifier:\n  kind: oracle\n", ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(writeFile(t, tt.file, tt.content))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing settings file")
	}
}

func TestLoadSettingsWithoutFile(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Classifier.Kind != ClassifierRules {
		t.Errorf("classifier kind = %q, want rules", s.Classifier.Kind)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"nothing to do", nil, "one of --ref or --mbox"},
		{"zero workers", []string{"--ref", "a.eml", "--workers", "0"}, "--workers"},
		{"mixed filters", []string{"--mbox", "a.mbox", "--include-header", "a", "--exclude-body", "b"}, "mutually exclusive"},
		{"filters without archive", []string{"--ref", "a.eml", "--include-header", "a"}, "only apply to --mbox"},
		{"bad level", []string{"--ref", "a.eml", "--log-level", "loud"}, "invalid --log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--env-file", ""}, tt.args...)
			_, err := LoadConfig(newCommand(t, args...))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestUnknownAccount(t *testing.T) {
	cmd := newCommand(t, "--ref", "imap:7", "--account", "nope", "--env-file", "")
	if _, err := LoadConfig(cmd); err == nil {
		t.Fatal("expected error for undefined account")
	}
}

func TestEnvFile(t *testing.T) {
	env := writeFile(t, "secrets.env", "CLASSIFIER_API_KEY=from-dotenv\n")
	t.Setenv("CLASSIFIER_API_KEY", "")
	os.Unsetenv("CLASSIFIER_API_KEY")

	cmd := newCommand(t, "--ref", "a.eml", "--env-file", env)
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Settings.Classifier.APIKey != "from-dotenv" {
		t.Errorf("APIKey = %q, want value from env file", cfg.Settings.Classifier.APIKey)
	}

	missing := newCommand(t, "--ref", "a.eml", "--env-file", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := LoadConfig(missing); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestFilterOptions(t *testing.T) {
	cfg := Config{IncludeHeader: []string{"Subject:.*x"}}
	if !cfg.FilterOptions().Active() {
		t.Error("filter options should be active")
	}
}
