package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// DefaultSMTPTimeout bounds dialing and every SMTP command.
const DefaultSMTPTimeout = 30 * time.Second

// SMTP connection security modes.
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

type SMTPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPTransport submits messages to a mail submission server.
type SMTPTransport struct {
	opts   SMTPOptions
	logger *slog.Logger
}

func NewSMTPTransport(opts SMTPOptions, logger *slog.Logger) (*SMTPTransport, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	switch opts.Security {
	case "":
		opts.Security = SecurityStartTLS
	case SecurityStartTLS, SecurityTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("unknown smtp security %q", opts.Security)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSMTPTimeout
	}
	return &SMTPTransport{opts: opts, logger: logger}, nil
}

func (t *SMTPTransport) Name() string {
	return "smtp"
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
}

func (t *SMTPTransport) Submit(ctx context.Context, msg Outgoing) (string, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	if t.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.opts.Username, t.opts.Password)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(msg.From, msg.To, bytes.NewReader(msg.Raw)); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	if err := c.Quit(); err != nil && t.logger != nil {
		t.logger.Warn("smtp quit failed", "host", t.opts.Host, "error", err)
	}

	return fmt.Sprintf("smtp://%s/%s", t.addr(), msg.MessageID), nil
}

func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         t.opts.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
	}
	dialer := &net.Dialer{Timeout: t.opts.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if t.opts.Security == SecurityTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", t.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", t.addr(), err)
	}

	var c *smtp.Client
	if t.opts.Security == SecurityStartTLS {
		c, err = t.startTLS(ctx, conn, tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = t.opts.Timeout
	c.SubmissionTimeout = t.opts.Timeout
	return c, nil
}

// startTLS reads the greeting and upgrades conn. The connection is closed when
// the handshake outlives the transport timeout.
func (t *SMTPTransport) startTLS(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (*smtp.Client, error) {
	handshake, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(handshake, func() {
		_ = conn.Close()
	})

	c, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if !stop() {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("smtp starttls: %w", handshake.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp starttls: %w", err)
	}
	return c, nil
}
