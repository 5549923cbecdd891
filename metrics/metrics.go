// Package metrics holds the Prometheus collectors of a processing run.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes
const (
	OutcomeDispatched  = "dispatched"
	OutcomeSynthetic   = "synthetic"
	OutcomeSpam        = "spam"
	OutcomeRoutingMiss = "routing_miss"
	OutcomeFailed      = "failed"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail2mail_messages_total",
			Help: "Messages processed by outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail2mail_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	AttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail2mail_attachments_total",
			Help: "Attachment parts by extraction result",
		},
		[]string{"result"},
	)

	EnrichmentFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail2mail_enrichment_failures_total",
			Help: "Attachments the document engine could not process",
		},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail2mail_dispatch_total",
			Help: "Dispatch attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	CleanupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail2mail_cleanup_failures_total",
			Help: "Working directories that could not be removed",
		},
	)
)

// ObserveStage records how long stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("metrics endpoint listening", "addr", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
