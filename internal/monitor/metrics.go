// Package monitor exposes pipeline metrics in Prometheus format.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every logbridge collector. It is separate from the
// Prometheus default registry so tests can construct handlers freely.
var Registry = prometheus.NewRegistry()

var (
	LinesTailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_lines_tailed_total",
		Help: "Lines read from live tail sources.",
	})

	WindowsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logbridge_windows_released_total",
		Help: "Line windows released, by trigger.",
	}, []string{"trigger"})

	RecordsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_records_read_total",
		Help: "Logical records read by pipeline runs.",
	})

	RecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_records_skipped_total",
		Help: "Records dropped after a processing failure.",
	})

	ExtractMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_extract_mismatches_total",
		Help: "Records that did not match the extraction pattern.",
	})

	EntriesExported = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_entries_exported_total",
		Help: "Entries acknowledged by the sink.",
	})

	EntriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logbridge_entries_failed_total",
		Help: "Entries in batches the sink rejected.",
	})

	ExportBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logbridge_export_batches_total",
		Help: "Export batches handed to the sink, by result.",
	}, []string{"result"})

	ExportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logbridge_export_duration_seconds",
		Help:    "Time spent in sink export calls.",
		Buckets: prometheus.DefBuckets,
	})

	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logbridge_runs_total",
		Help: "Finished pipeline runs, by status.",
	}, []string{"status"})

	RunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logbridge_runs_active",
		Help: "Pipeline runs currently executing.",
	})
)

func init() {
	Registry.MustRegister(
		LinesTailed,
		WindowsReleased,
		RecordsRead,
		RecordsSkipped,
		ExtractMismatches,
		EntriesExported,
		EntriesFailed,
		ExportBatches,
		ExportDuration,
		Runs,
		RunsActive,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
