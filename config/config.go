package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail2mail/filter"
)

// Config captures the command-line options and the loaded settings file.
type Config struct {
	Ref           string
	Account       string
	MboxPath      string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	Sender       string
	Workers      int
	DryRun       bool
	AllowRawEML  bool
	DenyPatterns []string
	WorkRoot     string

	MetricsAddr  string
	LogLevel     string
	LogDir       string
	SettingsPath string
	EnvFile      string

	Settings Settings
}

// FilterOptions returns the archive selection filters.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("ref", "", "Message reference: imap:latest_unseen, imap:<uid>, eml:<path>, mbox:<path>[#n] or a path to a .eml file")
	flags.String("account", "", "Mailbox account from the settings file used for imap references")
	flags.String("mbox", "", "Process every message of this .mbox archive")
	flags.StringArray("include-header", nil, "Regex allow-list applied to archive message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to archive message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to archive message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to archive message bodies (mutually exclusive with include flags)")
	flags.String("sender", "", "Sender identity used for dispatch (defaults to default_sender from the settings file)")
	flags.Int("workers", 1, "Number of messages processed concurrently")
	flags.Bool("dry-run", false, "Run the whole pipeline but never submit mail")
	flags.Bool("allow-raw-eml", false, "Allow the original message to be attached when the classifier asks for it")
	flags.StringArray("deny-pattern", nil, "Additional attachment filename regex to refuse, e.g. \\.iso$")
	flags.String("work-root", "", "Directory for per-message working directories (defaults to the system temp directory)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("config", "", "Settings file (.yaml, .yml or .toml)")
	flags.String("env-file", ".env", "Dotenv file with secrets; a missing file is ignored")

	cmd.MarkFlagsMutuallyExclusive("ref", "mbox")
	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	var err error
	str := func(name string, dst *string) {
		if err == nil {
			*dst, err = flags.GetString(name)
		}
	}
	arr := func(name string, dst *[]string) {
		if err == nil {
			*dst, err = flags.GetStringArray(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil {
			*dst, err = flags.GetBool(name)
		}
	}

	str("ref", &cfg.Ref)
	str("account", &cfg.Account)
	str("mbox", &cfg.MboxPath)
	arr("include-header", &cfg.IncludeHeader)
	arr("include-body", &cfg.IncludeBody)
	arr("exclude-header", &cfg.ExcludeHeader)
	arr("exclude-body", &cfg.ExcludeBody)
	str("sender", &cfg.Sender)
	boolean("dry-run", &cfg.DryRun)
	boolean("allow-raw-eml", &cfg.AllowRawEML)
	arr("deny-pattern", &cfg.DenyPatterns)
	str("work-root", &cfg.WorkRoot)
	str("metrics-addr", &cfg.MetricsAddr)
	str("log-level", &cfg.LogLevel)
	str("log-dir", &cfg.LogDir)
	str("config", &cfg.SettingsPath)
	str("env-file", &cfg.EnvFile)
	if err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = flags.GetInt("workers"); err != nil {
		return Config{}, err
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.WorkRoot != "" {
		cfg.WorkRoot = filepath.Clean(cfg.WorkRoot)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	cfg.Settings, err = LoadSettings(cfg.SettingsPath)
	if err != nil {
		return Config{}, err
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.Settings.DefaultSender
	}
	if cfg.Account != "" {
		if _, ok := cfg.Settings.Accounts[cfg.Account]; !ok {
			return Config{}, fmt.Errorf("--account %q is not defined in the settings file", cfg.Account)
		}
	}

	return cfg, nil
}

// loadEnvFile reads secrets into the process environment. Variables that are
// already set keep their value.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.Ref == "" && cfg.MboxPath == "" {
		return fmt.Errorf("one of --ref or --mbox is required")
	}
	if cfg.Ref != "" && cfg.MboxPath != "" {
		return fmt.Errorf("--ref and --mbox are mutually exclusive")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if (includeActive || excludeActive) && cfg.MboxPath == "" {
		return fmt.Errorf("include and exclude flags only apply to --mbox")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
