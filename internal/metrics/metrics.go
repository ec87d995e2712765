// Package metrics provides Prometheus metrics for skyfeed.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skyfeed"

var (
	// FetchTotal counts feed fetches by outcome.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of feed fetches",
		},
		[]string{"feed", "status"},
	)

	// FetchDuration measures feed fetch duration.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of feed fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	// DecisionsTotal counts filter verdicts.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of filter decisions",
		},
		[]string{"feed", "action", "reason"},
	)

	// PostsTotal counts publish attempts by outcome.
	PostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_total",
			Help:      "Total number of post attempts",
		},
		[]string{"feed", "status"},
	)

	// PostDuration measures the posting service round trip.
	PostDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "post_duration_seconds",
			Help:      "Duration of post operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	// SkippedTicksTotal counts ticks dropped because the feed was still busy.
	SkippedTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Total number of poll ticks skipped because the previous cycle was still running",
		},
		[]string{"feed"},
	)

	// PendingRecords tracks posts whose record write is still outstanding.
	PendingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Number of posted entries not yet written to the store",
		},
	)
)

// RecordFetch records a feed fetch.
func RecordFetch(feed, status string, duration time.Duration) {
	FetchTotal.WithLabelValues(feed, status).Inc()
	FetchDuration.WithLabelValues(feed).Observe(duration.Seconds())
}

// RecordDecision records a filter verdict.
func RecordDecision(feed, action, reason string) {
	DecisionsTotal.WithLabelValues(feed, action, reason).Inc()
}

// RecordPost records a post attempt.
func RecordPost(feed, status string, duration time.Duration) {
	PostsTotal.WithLabelValues(feed, status).Inc()
	PostDuration.WithLabelValues(feed).Observe(duration.Seconds())
}

// RecordSkippedTick records a dropped tick.
func RecordSkippedTick(feed string) {
	SkippedTicksTotal.WithLabelValues(feed).Inc()
}

// SetPending sets the number of unrecorded posts.
func SetPending(n int) {
	PendingRecords.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics: %w", err)
		}
		return nil
	}
}
