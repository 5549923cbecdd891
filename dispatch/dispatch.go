// Package dispatch composes outgoing messages and hands them to the
// transport configured for a sender identity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dhcgn/mail2mail/metrics"
)

// ErrDispatch wraps every submission failure.
var ErrDispatch = errors.New("dispatch failed")

// SyntheticScheme prefixes identifiers of messages that were not delivered
// because no transport is configured.
const SyntheticScheme = "synthetic://"

// Request is one outgoing message. AttachPaths must be local files.
type Request struct {
	Sender      string
	From        string
	To          []string
	Subject     string
	Body        string
	AttachPaths []string
}

// Transport submits a fully composed RFC 5322 message and returns a delivery
// identifier.
type Transport interface {
	Submit(ctx context.Context, msg Outgoing) (string, error)
	Name() string
}

// Outgoing is a composed message ready for submission.
type Outgoing struct {
	From      string
	To        []string
	MessageID string
	Raw       []byte
	// Subject and Body are kept for transports that display the message.
	Subject  string
	Body     string
	Attached []string
}

type Options struct {
	// Transports maps a sender identity to its transport.
	Transports map[string]Transport
	// Addresses maps a sender identity to its From address. The identity
	// itself is used when it is missing.
	Addresses map[string]string
	// RatePerSecond limits submissions across all callers; zero disables it.
	RatePerSecond float64
	Burst         int
	// DryRun never submits and always returns synthetic identifiers.
	DryRun bool
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{opts: opts, logger: logger, now: time.Now}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// Send composes req and submits it. Without a transport for req.Sender, or in
// dry-run mode, nothing is sent and a synthetic identifier is returned.
func (d *Dispatcher) Send(ctx context.Context, req Request) (string, error) {
	to := cleanRecipients(req.To)
	if len(to) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrDispatch)
	}

	transport, ok := d.opts.Transports[req.Sender]
	if !ok || transport == nil || d.opts.DryRun {
		id := Synthetic(req.Sender, len(to))
		metrics.DispatchTotal.WithLabelValues("synthetic", "success").Inc()
		if d.logger != nil {
			d.logger.Info("no transport, message not sent", "sender", req.Sender, "recipients", len(to), "id", id)
		}
		return id, nil
	}

	from := req.From
	if from == "" {
		from = d.opts.Addresses[req.Sender]
	}
	if from == "" {
		from = req.Sender
	}

	msg, err := Compose(from, to, SanitizeSubject(req.Subject), req.Body, req.AttachPaths, d.now(), d.logger)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(transport.Name(), "failure").Inc()
		return "", fmt.Errorf("%w: compose: %v", ErrDispatch, err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			metrics.DispatchTotal.WithLabelValues(transport.Name(), "failure").Inc()
			return "", fmt.Errorf("%w: rate limit: %v", ErrDispatch, err)
		}
	}

	id, err := transport.Submit(ctx, msg)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(transport.Name(), "failure").Inc()
		return "", fmt.Errorf("%w: %s: %w", ErrDispatch, transport.Name(), err)
	}
	metrics.DispatchTotal.WithLabelValues(transport.Name(), "success").Inc()
	if d.logger != nil {
		d.logger.Info("message dispatched", "transport", transport.Name(), "id", id, "recipients", len(to), "attachments", len(msg.Attached))
	}
	return id, nil
}

// Synthetic builds the identifier returned when nothing was delivered.
func Synthetic(identity string, recipients int) string {
	return fmt.Sprintf("%s%s/%s?to=%d", SyntheticScheme, url.PathEscape(identity), uuid.NewString(), recipients)
}

// IsSynthetic reports whether id came from Synthetic.
func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, SyntheticScheme)
}

func cleanRecipients(to []string) []string {
	out := make([]string, 0, len(to))
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
