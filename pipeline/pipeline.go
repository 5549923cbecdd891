// Package pipeline runs one message through fetch, normalization, attachment
// extraction, enrichment, classification, routing, composition and dispatch.
// Every run owns a private working directory that is removed on every exit
// path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail2mail/classify"
	"github.com/dhcgn/mail2mail/dispatch"
	"github.com/dhcgn/mail2mail/extract"
	"github.com/dhcgn/mail2mail/metrics"
	"github.com/dhcgn/mail2mail/model"
	"github.com/dhcgn/mail2mail/parser"
	"github.com/dhcgn/mail2mail/routing"
	"github.com/dhcgn/mail2mail/source"
	"github.com/dhcgn/mail2mail/workdir"
)

const attachmentsDir = "attachments"

// Dispatcher submits a composed message.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (string, error)
}

// Extractor writes the allowed attachment parts into a directory.
type Extractor interface {
	Save(parts []parser.Part, dir string) (extract.Result, error)
}

// Enricher turns saved attachments into text.
type Enricher interface {
	Process(ctx context.Context, paths []string) (model.EnrichedContent, []error)
}

type Options struct {
	Source    source.Source
	Extractor Extractor
	// Enricher may be nil, in which case attachments contribute no text.
	Enricher Enricher
	Decider  classify.Decider
	// Resolver may be nil; every category then misses.
	Resolver   *routing.Resolver
	Dispatcher Dispatcher

	// WorkRoot is where run directories are created; empty means the
	// system temp directory.
	WorkRoot string
	// Sender is the identity used for dispatch unless the input names one.
	Sender      string
	AllowRawEML bool
}

// Input names the message to process. Raw, when set, is used as is and no
// fetch takes place.
type Input struct {
	Account string
	Ref     string
	Raw     *model.RawMessage
	Sender  string
}

type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Pipeline, error) {
	if opts.Decider == nil {
		return nil, fmt.Errorf("pipeline: decider is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("pipeline: dispatcher is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = extract.New(nil, logger)
	}
	return &Pipeline{opts: opts, logger: logger}, nil
}

// Run processes one message to completion. The returned Result is never nil;
// on failure it carries the notes gathered so far and err is an *Error.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	res := &Result{
		RunID: uuid.NewString(),
		Trace: []State{},
		Notes: []string{},
	}

	dir, err := workdir.Acquire(p.opts.WorkRoot, res.RunID)
	if err != nil {
		res.enter(StateFailed)
		res.Error = err.Error()
		metrics.MessagesTotal.WithLabelValues(res.Outcome()).Inc()
		return res, &Error{State: StateFetched, Err: err}
	}
	res.WorkDir = dir.Path()

	defer func() {
		p.cleanup(dir, res)
		if res.Decision != nil {
			res.Decision.Notes = append([]string{}, res.Notes...)
		}
		metrics.MessagesTotal.WithLabelValues(res.Outcome()).Inc()
	}()

	err = p.run(ctx, in, dir.Path(), res)
	if err != nil {
		res.enter(StateFailed)
		res.Error = err.Error()
		if p.logger != nil {
			p.logger.Warn("message failed", "runID", res.RunID, "source", res.Source, "err", err)
		}
	}
	return res, err
}

func (p *Pipeline) cleanup(dir *workdir.Dir, res *Result) {
	defer metrics.ObserveStage(string(StateCleanedUp), time.Now())

	res.Cleaned = dir.Release()
	if !res.Cleaned {
		metrics.CleanupFailuresTotal.Inc()
		res.note("cleanup: could not remove working directory: %v", dir.Err())
		if p.logger != nil {
			p.logger.Warn("cleanup failed", "workDir", dir.Path(), "err", dir.Err())
		}
	}
	res.enter(StateCleanedUp)
}

func (p *Pipeline) run(ctx context.Context, in Input, dir string, res *Result) error {
	// fetched
	start := time.Now()
	raw, err := p.fetch(ctx, in)
	if err != nil {
		return &Error{State: StateFetched, Err: err}
	}
	res.Source = raw.Source

	msg, err := parser.Parse(raw.Bytes)
	if err != nil {
		return &Error{State: StateFetched, Err: err}
	}
	for _, w := range msg.Warnings {
		res.note("normalize: %s", w)
	}
	metrics.ObserveStage(string(StateFetched), start)
	res.enter(StateFetched)

	// attachments_saved
	start = time.Now()
	extracted, err := p.opts.Extractor.Save(msg.Attachments, filepath.Join(dir, attachmentsDir))
	if err != nil {
		return &Error{State: StateAttachmentsSaved, Err: err}
	}
	metrics.AttachmentsTotal.WithLabelValues("saved").Add(float64(len(extracted.Saved)))
	metrics.AttachmentsTotal.WithLabelValues("denied").Add(float64(len(extracted.Denied)))
	metrics.AttachmentsTotal.WithLabelValues("undecodable").Add(float64(len(extracted.Undecodable)))
	metrics.AttachmentsTotal.WithLabelValues("unwritable").Add(float64(len(extracted.Unwritable)))
	for _, name := range extracted.Undecodable {
		res.note("attachment skipped: %s: could not be decoded", name)
	}
	for _, name := range extracted.Unwritable {
		res.note("attachment skipped: %s: could not be stored", name)
	}
	metrics.ObserveStage(string(StateAttachmentsSaved), start)
	res.enter(StateAttachmentsSaved)

	// enriched
	start = time.Now()
	enriched := p.enrich(ctx, extracted.Saved)
	if err := ctx.Err(); err != nil {
		return &Error{State: StateEnriched, Err: err}
	}
	res.Notes = append(res.Notes, enriched.Notes...)
	metrics.ObserveStage(string(StateEnriched), start)
	res.enter(StateEnriched)

	// classified
	start = time.Now()
	analysis := BuildAnalysis(msg.Normalized, enriched, extracted)
	cls, err := p.opts.Decider.Decide(ctx, analysis, metadataFor(msg.Normalized, extracted.Saved))
	if err == nil {
		err = classify.Validate(&cls)
	}
	if err != nil {
		return &Error{State: StateClassified, Err: err}
	}
	res.Notes = append(res.Notes, cls.Notes...)
	res.Decision = &model.EmailDecision{
		IsSpam:     cls.IsSpam,
		Importance: cls.Importance,
		Category:   cls.Category,
		Entities:   cls.Entities,
		Reason:     cls.Reason,
		Status:     cls.Status,
	}
	metrics.ObserveStage(string(StateClassified), start)
	res.enter(StateClassified)

	if cls.IsSpam {
		res.Decision.Status = model.StatusSpam
		res.enter(StateSpamTerminal)
		if p.logger != nil {
			p.logger.Info("message classified as spam", "runID", res.RunID, "source", res.Source, "reason", cls.Reason)
		}
		return nil
	}

	// routed
	route := p.opts.Resolver.Resolve(cls.Category)
	res.enter(StateRouted)

	// composed
	compose := p.compose(msg.Normalized, raw.Bytes, extracted.Saved, cls, route, dir, res)
	res.Decision.Status = model.StatusReadyToSend
	res.Decision.Compose = compose
	res.enter(StateComposed)

	if route.Empty() {
		res.routingMiss = true
		res.note("routing: %v", routing.Miss(cls.Category))
		if p.logger != nil {
			p.logger.Info("no destination for category", "runID", res.RunID, "category", cls.Category)
		}
		return nil
	}

	// dispatched
	start = time.Now()
	sender := in.Sender
	if sender == "" {
		sender = p.opts.Sender
	}
	id, err := p.opts.Dispatcher.Send(ctx, dispatch.Request{
		Sender:      sender,
		To:          compose.To,
		Subject:     compose.Subject,
		Body:        compose.BodyText,
		AttachPaths: compose.AttachPaths,
	})
	if err != nil {
		res.note("dispatch failure: %v", err)
		return &Error{State: StateDispatched, Err: err}
	}
	res.SentMessageID = id
	metrics.ObserveStage(string(StateDispatched), start)
	res.enter(StateDispatched)

	if p.logger != nil {
		p.logger.Info("message dispatched", "runID", res.RunID, "category", cls.Category, "to", compose.To, "sentMessageID", id)
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, in Input) (model.RawMessage, error) {
	if in.Raw != nil {
		return *in.Raw, nil
	}
	if p.opts.Source == nil {
		return model.RawMessage{}, errors.New("no message source configured")
	}
	ref, err := source.ParseRef(in.Ref)
	if err != nil {
		return model.RawMessage{}, err
	}
	return p.opts.Source.Fetch(ctx, in.Account, ref)
}

func (p *Pipeline) enrich(ctx context.Context, saved []model.SavedAttachment) model.EnrichedContent {
	if p.opts.Enricher == nil {
		return model.EnrichedContent{
			Tables: []map[string]any{},
			Images: []map[string]any{},
			Notes:  []string{},
		}
	}

	paths := make([]string, len(saved))
	for i, s := range saved {
		paths[i] = s.StoredPath
	}
	content, failures := p.opts.Enricher.Process(ctx, paths)
	metrics.EnrichmentFailuresTotal.Add(float64(len(failures)))
	return content
}
