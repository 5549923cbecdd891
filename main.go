package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail2mail/classify"
	"github.com/dhcgn/mail2mail/cmd"
	"github.com/dhcgn/mail2mail/config"
	"github.com/dhcgn/mail2mail/dispatch"
	"github.com/dhcgn/mail2mail/enrich"
	"github.com/dhcgn/mail2mail/extract"
	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/imap"
	"github.com/dhcgn/mail2mail/mbox"
	"github.com/dhcgn/mail2mail/metrics"
	"github.com/dhcgn/mail2mail/pipeline"
	"github.com/dhcgn/mail2mail/progress"
	"github.com/dhcgn/mail2mail/routing"
	"github.com/dhcgn/mail2mail/runner"
	"github.com/dhcgn/mail2mail/source"
	"github.com/dhcgn/mail2mail/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mail2mail",
		Short:        "Triage incoming mail and forward it to the right destination",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail2mail", "ref", cfg.Ref, "mbox", cfg.MboxPath, "sender", cfg.Sender, "workers", cfg.Workers, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics endpoint failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	proc, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	started := time.Now()
	r := runner.New(ctx, cfg, os.Stdout, logger)

	var bar *progress.Bar
	var hooks []func(stats.Event)
	if cfg.MboxPath != "" {
		total, err := mbox.CountMessages(cfg.MboxPath)
		if err != nil {
			return fmt.Errorf("mbox.CountMessages: %w", err)
		}
		bar = progress.New(total, cfg.LogLevel)
		hooks = append(hooks, bar.Update)
	}
	reporter := stats.NewReporter(r, logger, hooks...)

	if cfg.MboxPath != "" {
		reader, err := mbox.NewReader(mbox.Options{Path: cfg.MboxPath, Filter: cfg.FilterOptions()}, logger)
		if err != nil {
			return fmt.Errorf("mbox.NewReader: %w", err)
		}
		r.AddProducer("mbox", reader.Stream)
	} else {
		r.AddRef(cfg.Account, cfg.Ref)
	}
	r.AddWorkers(proc)

	err = r.Start()
	if bar != nil {
		bar.Stop()
		if cfg.LogLevel == "info" {
			progress.PrintSummary(reporter.Summary(), time.Since(started))
		}
	}
	return err
}

func buildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, error) {
	s := cfg.Settings

	fetchers := make(map[string]source.MailboxFetcher, len(s.Accounts))
	for name, acc := range s.Accounts {
		f, err := imap.NewFetcher(imap.Options{
			Host:               acc.Host,
			Port:               acc.Port,
			Username:           acc.Username,
			Password:           acc.Password,
			UseTLS:             acc.TLS(),
			InsecureSkipVerify: acc.InsecureSkipVerify,
			Mailbox:            acc.Mailbox,
			MarkSeen:           acc.MarkSeen,
			Timeout:            acc.Timeout(),
		}, logger.With("account", name))
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		fetchers[name] = f
	}

	denylist, err := filter.NewDenylist(cfg.DenyPatterns)
	if err != nil {
		return nil, fmt.Errorf("deny patterns: %w", err)
	}

	decider, err := buildDecider(s.Classifier, logger)
	if err != nil {
		return nil, err
	}

	transports, addresses, err := buildTransports(ctx, s.Identities, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dispatch.Options{
		Transports:    transports,
		Addresses:     addresses,
		RatePerSecond: s.Dispatch.RatePerSecond,
		Burst:         s.Dispatch.Burst,
		DryRun:        cfg.DryRun,
	}, logger)

	enricher := enrich.New(buildEngine(s.DocProc), enrich.Options{
		PageLimit:          s.DocProc.PageLimit,
		VisionDescriptions: s.DocProc.VisionDescriptions,
	}, logger)

	return pipeline.New(pipeline.Options{
		Source:      source.NewMux(fetchers, logger),
		Extractor:   extract.New(denylist, logger),
		Enricher:    enricher,
		Decider:     decider,
		Resolver:    routing.New(s.RoutingRules),
		Dispatcher:  dispatcher,
		WorkRoot:    cfg.WorkRoot,
		Sender:      cfg.Sender,
		AllowRawEML: cfg.AllowRawEML,
	}, logger)
}

func buildDecider(c config.Classifier, logger *slog.Logger) (classify.Decider, error) {
	switch c.Kind {
	case config.ClassifierHTTP:
		d, err := classify.NewHTTPDecider(classify.HTTPOptions{
			Endpoint: c.Endpoint,
			APIKey:   c.APIKey,
			Model:    c.Model,
			Timeout:  c.Timeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		return d, nil
	default:
		d, err := classify.NewRulesDecider(c.Rules)
		if err != nil {
			return nil, fmt.Errorf("classifier rules: %w", err)
		}
		return d, nil
	}
}

func buildTransports(ctx context.Context, identities map[string]config.Identity, logger *slog.Logger) (map[string]dispatch.Transport, map[string]string, error) {
	transports := make(map[string]dispatch.Transport, len(identities))
	addresses := make(map[string]string, len(identities))

	for name, id := range identities {
		addresses[name] = id.Address

		switch id.Transport {
		case config.TransportSMTP:
			t, err := dispatch.NewSMTPTransport(dispatch.SMTPOptions{
				Host:               id.SMTP.Host,
				Port:               id.SMTP.Port,
				Username:           id.SMTP.Username,
				Password:           id.SMTP.Password,
				Security:           id.SMTP.Security,
				InsecureSkipVerify: id.SMTP.InsecureSkipVerify,
				Timeout:            id.SMTP.Timeout(),
			}, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("identity %q: %w", name, err)
			}
			transports[name] = t
		case config.TransportSES:
			t, err := dispatch.NewSESTransport(ctx, dispatch.SESOptions{
				Region:          id.SES.Region,
				AccessKeyID:     id.SES.AccessKeyID,
				SecretAccessKey: id.SES.SecretAccessKey,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("identity %q: %w", name, err)
			}
			transports[name] = t
		case config.TransportStdout:
			transports[name] = dispatch.NewStdoutTransport()
		}
	}
	return transports, addresses, nil
}

// buildEngine puts the external processor, when configured, in front of the
// built-in text and image handling.
func buildEngine(d config.DocProc) enrich.Engine {
	builtin := enrich.Builtin{MaxBytes: d.MaxTextBytes}
	if len(d.Command) == 0 {
		return builtin
	}
	return enrich.Chain{
		enrich.Command{
			Path:       d.Command[0],
			Args:       d.Command[1:],
			Timeout:    d.Timeout(),
			Extensions: d.Extensions,
		},
		builtin,
	}
}

// setupLogger writes to stderr so that stdout carries only the JSON decision
// lines.
func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	pterm.SetDefaultOutput(os.Stderr)

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail2mail-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
