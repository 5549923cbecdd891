package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mail2mail/classify"
	"github.com/dhcgn/mail2mail/model"
)

var (
	ErrSettingsFormat = errors.New("unsupported settings file format")
	ErrInvalid        = errors.New("invalid settings")
)

const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportStdout = "stdout"

	ClassifierRules = "rules"
	ClassifierHTTP  = "http"

	defaultIMAPPort = 993
	defaultSMTPPort = 587
	defaultMailbox  = "INBOX"
)

// Settings is the content of the settings file after environment overrides.
type Settings struct {
	Accounts      map[string]Account  `yaml:"accounts" toml:"accounts"`
	Identities    map[string]Identity `yaml:"identities" toml:"identities"`
	DefaultSender string              `yaml:"default_sender" toml:"default_sender"`
	RoutingRules  []model.RoutingRule `yaml:"routing_rules" toml:"routing_rules"`
	Classifier    Classifier          `yaml:"classifier" toml:"classifier"`
	DocProc       DocProc             `yaml:"docproc" toml:"docproc"`
	Dispatch      Dispatch            `yaml:"dispatch" toml:"dispatch"`
}

// Account is an IMAP mailbox messages can be fetched from.
type Account struct {
	Host               string `yaml:"host" toml:"host"`
	Port               int    `yaml:"port" toml:"port"`
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	UseTLS             *bool  `yaml:"use_tls" toml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Mailbox            string `yaml:"mailbox" toml:"mailbox"`
	MarkSeen           bool   `yaml:"mark_seen" toml:"mark_seen"`
	TimeoutSeconds     int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// TLS reports whether the connection uses implicit TLS. It defaults to true.
func (a Account) TLS() bool {
	return a.UseTLS == nil || *a.UseTLS
}

// Identity is a sender: its From address and the transport that submits for
// it. An identity without a transport only produces synthetic deliveries.
type Identity struct {
	Address   string `yaml:"address" toml:"address"`
	Transport string `yaml:"transport" toml:"transport"`
	SMTP      SMTP   `yaml:"smtp" toml:"smtp"`
	SES       SES    `yaml:"ses" toml:"ses"`
}

type SMTP struct {
	Host               string `yaml:"host" toml:"host"`
	Port               int    `yaml:"port" toml:"port"`
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	Security           string `yaml:"security" toml:"security"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	TimeoutSeconds     int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// SES credentials may be left empty to use the AWS default chain.
type SES struct {
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

type Classifier struct {
	Kind           string               `yaml:"kind" toml:"kind"`
	Endpoint       string               `yaml:"endpoint" toml:"endpoint"`
	APIKey         string               `yaml:"api_key" toml:"api_key"`
	Model          string               `yaml:"model" toml:"model"`
	TimeoutSeconds int                  `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Rules          classify.RulesConfig `yaml:"rules" toml:"rules"`
}

// DocProc configures the external document processor. Without a command only
// the built-in text and image handling is used.
type DocProc struct {
	Command            []string `yaml:"command" toml:"command"`
	Extensions         []string `yaml:"extensions" toml:"extensions"`
	TimeoutSeconds     int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
	PageLimit          int      `yaml:"page_limit" toml:"page_limit"`
	VisionDescriptions bool     `yaml:"vision_descriptions" toml:"vision_descriptions"`
	MaxTextBytes       int64    `yaml:"max_text_bytes" toml:"max_text_bytes"`
}

type Dispatch struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// LoadSettings reads path, applies environment overrides and validates the
// result. An empty path yields settings built from the environment alone.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
		if err := decodeSettings(path, data, &s); err != nil {
			return Settings{}, err
		}
	}

	s.applyDefaults()
	s.applyEnvVars()

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func decodeSettings(path string, data []byte, s *Settings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrSettingsFormat, path)
	}
	return nil
}

func (s *Settings) applyDefaults() {
	for name, acc := range s.Accounts {
		if acc.Port == 0 {
			acc.Port = defaultIMAPPort
		}
		if acc.Mailbox == "" {
			acc.Mailbox = defaultMailbox
		}
		s.Accounts[name] = acc
	}
	for name, id := range s.Identities {
		id.Transport = strings.ToLower(strings.TrimSpace(id.Transport))
		if id.Transport == TransportSMTP && id.SMTP.Port == 0 {
			id.SMTP.Port = defaultSMTPPort
		}
		if id.Address == "" {
			id.Address = name
		}
		s.Identities[name] = id
	}
	s.Classifier.Kind = strings.ToLower(strings.TrimSpace(s.Classifier.Kind))
	if s.Classifier.Kind == "" {
		s.Classifier.Kind = ClassifierRules
	}
}

// applyEnvVars overrides secrets from the environment. A per-name variable
// such as IMAP_PASS_WORK always wins; the generic IMAP_PASS and SMTP_PASS
// only fill passwords the file left empty.
func (s *Settings) applyEnvVars() {
	for name, acc := range s.Accounts {
		if v := os.Getenv("IMAP_PASS_" + envSuffix(name)); v != "" {
			acc.Password = v
		} else if v := os.Getenv("IMAP_PASS"); v != "" && acc.Password == "" {
			acc.Password = v
		}
		s.Accounts[name] = acc
	}
	for name, id := range s.Identities {
		if id.Transport != TransportSMTP {
			continue
		}
		if v := os.Getenv("SMTP_PASS_" + envSuffix(name)); v != "" {
			id.SMTP.Password = v
		} else if v := os.Getenv("SMTP_PASS"); v != "" && id.SMTP.Password == "" {
			id.SMTP.Password = v
		}
		s.Identities[name] = id
	}
	if v := os.Getenv("CLASSIFIER_API_KEY"); v != "" {
		s.Classifier.APIKey = v
	}
}

func envSuffix(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func (s Settings) validate() error {
	for name, acc := range s.Accounts {
		if acc.Host == "" {
			return fmt.Errorf("%w: account %q: host is required", ErrInvalid, name)
		}
		if acc.Port <= 0 || acc.Port > 65535 {
			return fmt.Errorf("%w: account %q: port must be between 1 and 65535", ErrInvalid, name)
		}
		if acc.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: account %q: timeout must not be negative", ErrInvalid, name)
		}
	}

	for name, id := range s.Identities {
		switch id.Transport {
		case "", TransportStdout:
		case TransportSMTP:
			if id.SMTP.Host == "" {
				return fmt.Errorf("%w: identity %q: smtp host is required", ErrInvalid, name)
			}
		case TransportSES:
			if id.SES.Region == "" {
				return fmt.Errorf("%w: identity %q: ses region is required", ErrInvalid, name)
			}
		default:
			return fmt.Errorf("%w: identity %q: unknown transport %q", ErrInvalid, name, id.Transport)
		}
	}

	for i, rule := range s.RoutingRules {
		if strings.TrimSpace(rule.Category) == "" {
			return fmt.Errorf("%w: routing rule %d: category is required", ErrInvalid, i+1)
		}
	}

	switch s.Classifier.Kind {
	case ClassifierRules:
	case ClassifierHTTP:
		if s.Classifier.Endpoint == "" {
			return fmt.Errorf("%w: classifier endpoint is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown classifier kind %q", ErrInvalid, s.Classifier.Kind)
	}

	if s.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("%w: dispatch rate must not be negative", ErrInvalid)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Timeout bounds one IMAP session; zero leaves the default.
func (a Account) Timeout() time.Duration {
	return seconds(a.TimeoutSeconds)
}

// Timeout is the classifier request timeout; zero leaves the default.
func (c Classifier) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

func (d DocProc) Timeout() time.Duration {
	return seconds(d.TimeoutSeconds)
}

func (s SMTP) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds)
}
