package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource   Stage = "source"
	StageBridge   Stage = "bridge"
	StagePipeline Stage = "pipeline"
)

type EventType string

const (
	EventTypeFetched       EventType = "fetched"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeFiltered      EventType = "filtered"
	EventTypeSpam          EventType = "spam"
	EventTypeDispatched    EventType = "dispatched"
	EventTypeSynthetic     EventType = "synthetic"
	EventTypeRoutingMiss   EventType = "routing_miss"
	EventTypeError         EventType = "error"
	EventTypeCleanupFailed EventType = "cleanup_failed"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Source string
	Err    error
	Detail string
}

type Summary struct {
	Fetched       int
	Duplicates    int
	Filtered      int
	Spam          int
	Dispatched    int
	Synthetic     int
	RoutingMisses int
	Errors        int
	CleanupFailed int
	LastError     error
}

// Completed counts messages that reached a terminal pipeline state.
func (s Summary) Completed() int {
	return s.Spam + s.Dispatched + s.Synthetic + s.RoutingMisses + s.Errors
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"spam", s.Spam,
		"dispatched", s.Dispatched,
		"synthetic", s.Synthetic,
		"routingMisses", s.RoutingMisses,
		"errors", s.Errors,
		"cleanupFailed", s.CleanupFailed,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Run applies events until the channel closes or ctx is done. Every event is
// passed to hooks after it has been counted.
func (c *Collector) Run(ctx context.Context, events <-chan Event, hooks ...func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
			for _, hook := range hooks {
				hook(evt)
			}
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeSpam:
		c.summary.Spam++
	case EventTypeDispatched:
		c.summary.Dispatched++
	case EventTypeSynthetic:
		c.summary.Synthetic++
	case EventTypeRoutingMiss:
		c.summary.RoutingMisses++
	case EventTypeCleanupFailed:
		c.summary.CleanupFailed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	hooks     []func(Event)
	started   time.Time
}

// NewReporter subscribes to stream. Hooks run on the reporter goroutine, one
// event at a time, so they need no locking of their own.
func NewReporter(stream EventStream, logger *slog.Logger, hooks ...func(Event)) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		hooks:     hooks,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events, r.hooks...)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrintTop writes the limit most frequent items of m to w. Ties are ordered
// by key.
func PrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
