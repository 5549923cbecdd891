package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mail2mail/config"
	"github.com/dhcgn/mail2mail/metrics"
	"github.com/dhcgn/mail2mail/model"
	"github.com/dhcgn/mail2mail/pipeline"
	"github.com/dhcgn/mail2mail/state"
	"github.com/dhcgn/mail2mail/stats"
)

// ErrMessagesFailed is returned by Start when at least one message did not
// complete.
var ErrMessagesFailed = errors.New("messages failed")

type StageFunc func(context.Context) error

// ProducerFunc writes envelopes to out and returns when it has no more.
type ProducerFunc func(ctx context.Context, out chan<- model.Envelope) error

// Processor runs one message through the pipeline.
type Processor interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	jobs     chan model.Envelope
	events   chan stats.Event

	tracker state.Tracker

	outMu sync.Mutex
	out   *json.Encoder

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	processed atomic.Int64
	failed    atomic.Int64

	closeMailboxOnce sync.Once
	closeJobsOnce    sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New creates a runner whose stages stop when parent is cancelled. One JSON
// line per processed message is written to out.
func New(parent context.Context, cfg config.Config, out io.Writer, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		jobs:     make(chan model.Envelope, 32),
		events:   make(chan stats.Event, 128),
		tracker:  state.NewMemoryTracker(),
		out:      json.NewEncoder(out),
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// AddProducer starts fn as the source stage. The mailbox is closed when fn
// returns, so a runner has exactly one producer.
func (r *Runner) AddProducer(name string, fn ProducerFunc) {
	r.AddStage(name, func(ctx context.Context) error {
		defer r.CloseMailbox()
		return fn(ctx, r.messages)
	})
}

// AddRef queues a single message reference.
func (r *Runner) AddRef(account, ref string) {
	r.AddProducer("ref", func(ctx context.Context, out chan<- model.Envelope) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Envelope{Account: account, Ref: ref}:
			return nil
		}
	})
}

// AddWorkers starts cfg.Workers workers that share proc.
func (r *Runner) AddWorkers(proc Processor) {
	n := r.cfg.Workers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		r.AddStage(fmt.Sprintf("worker-%d", i+1), r.worker(proc))
	}
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	interrupted := r.ctx.Err()
	r.cancel()

	err := r.err
	if err == nil && interrupted != nil {
		err = fmt.Errorf("run interrupted: %w", interrupted)
	}
	if err == nil && r.failed.Load() > 0 {
		err = fmt.Errorf("%w: %d of %d", ErrMessagesFailed, r.failed.Load(), r.processed.Load())
	}
	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("run failed", "duration", duration, "processed", r.processed.Load(), "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("run completed", "duration", duration, "processed", r.processed.Load())
	}
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeJobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Source: envelope.Message.Source, Err: envelope.Err})
				r.fail(fmt.Errorf("source: %w", envelope.Err))
				continue
			}

			msg := envelope.Message
			if envelope.Filtered {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, Source: msg.Source})
				continue
			}

			if envelope.Ref == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFetched, Source: msg.Source})
				if r.tracker.Seen(msg.Hash, msg.Source) {
					first := r.tracker.FirstSource(msg.Hash)
					r.EmitEvent(stats.Event{Stage: stats.StageBridge, Type: stats.EventTypeDuplicate, Source: msg.Source, Detail: first})
					continue
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- envelope:
			}
		}
	}
}

func (r *Runner) worker(proc Processor) StageFunc {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case envelope, ok := <-r.jobs:
				if !ok {
					return nil
				}
				r.process(ctx, proc, envelope)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, proc Processor, envelope model.Envelope) {
	in := pipeline.Input{Account: envelope.Account, Ref: envelope.Ref}
	name := envelope.Ref
	if envelope.Ref == "" {
		msg := envelope.Message
		in.Raw = &msg
		name = msg.Source
	}

	r.processed.Add(1)
	res, err := proc.Run(ctx, in)
	if res != nil && res.Source != "" {
		name = res.Source
	}

	if envelope.Ref != "" && res != nil && res.Reached(pipeline.StateFetched) {
		r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFetched, Source: name})
	}
	if res != nil && res.WorkDir != "" && !res.Cleaned {
		r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeCleanupFailed, Source: name})
	}

	if err != nil {
		r.failed.Add(1)
		r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeError, Source: name, Err: err})
	} else {
		r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: outcomeEvent(res.Outcome()), Source: name, Detail: res.SentMessageID})
	}

	if res != nil {
		r.writeResult(res)
	}
}

func outcomeEvent(outcome string) stats.EventType {
	switch outcome {
	case metrics.OutcomeSpam:
		return stats.EventTypeSpam
	case metrics.OutcomeDispatched:
		return stats.EventTypeDispatched
	case metrics.OutcomeSynthetic:
		return stats.EventTypeSynthetic
	case metrics.OutcomeRoutingMiss:
		return stats.EventTypeRoutingMiss
	default:
		return stats.EventTypeError
	}
}

func (r *Runner) writeResult(res *pipeline.Result) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.out.Encode(res); err != nil && r.logger != nil {
		r.logger.Warn("write result failed", "runID", res.RunID, "err", err)
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
