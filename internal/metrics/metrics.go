// Package metrics provides Prometheus metrics for audiosync.
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

const (
	namespace = "audiosync"

	shutdownTimeout = 5 * time.Second
)

var (
	// Connected is 1 while a device session is live.
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether a device session is currently live",
		},
	)

	// SessionsTotal counts connection attempts by result.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of connection attempts",
		},
		[]string{"result"}, // result: connected/failed
	)

	// DisconnectsTotal counts session terminations by reason.
	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of session terminations",
		},
		[]string{"reason"},
	)

	// EndpointsFound counts endpoints yielded by discovery.
	EndpointsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_found_total",
			Help:      "Total number of device endpoints resolved",
		},
	)

	// BrowseRestarts counts mDNS browse sessions started.
	BrowseRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browse_starts_total",
			Help:      "Total number of mDNS browse sessions started",
		},
	)

	// RequestsTotal counts requests issued per method.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests issued",
		},
		[]string{"method"},
	)

	// RepliesTotal counts inbound messages by method and outcome.
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total number of inbound replies",
		},
		[]string{"method", "outcome"}, // outcome: result/error/dropped
	)

	// PendingRequests is the size of the pending request table.
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply",
		},
	)

	// CatalogTracks is the number of catalog entries.
	CatalogTracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_tracks",
			Help:      "Number of entries in the catalog",
		},
	)

	// SyncProgress reports the current sync walk position.
	SyncProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_progress",
			Help:      "Files synchronized and total files to synchronize",
		},
		[]string{"kind"}, // kind: synced/total
	)
)

// SetProgress records sync progress.
func SetProgress(synced, total int) {
	SyncProgress.WithLabelValues("synced").Set(float64(synced))
	SyncProgress.WithLabelValues("total").Set(float64(total))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", slog.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
