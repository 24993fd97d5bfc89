// Package metrics exposes prometheus counters for the matching pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandidatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geomatch_candidates_total",
		Help: "Candidate pairs proposed, by origin",
	}, []string{"origin"})
	StarvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geomatch_starved_total",
		Help: "Boxes or fringes that produced no candidates",
	}, []string{"kind"})
	ExpansionRoundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geomatch_expansion_rounds_total",
		Help: "Query expansion rounds executed, by stop reason of the scope",
	}, []string{"stop"})
	VerifiedPairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geomatch_verified_pairs_total",
		Help: "Pairs reported back by the verifier, by resulting state",
	}, []string{"state"})
	IndexVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geomatch_index_version",
		Help: "Current match store index version",
	})
	SubsetDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geomatch_subset_duration_ms",
		Help:    "Subset extraction duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
	})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geomatch_cache_hits_total",
		Help: "Neighbor cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geomatch_cache_misses_total",
		Help: "Neighbor cache misses",
	})
	RegistrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geomatch_registrations_total",
		Help: "Images registered across all runs",
	})
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geomatch_runs_total",
		Help: "Reconstruction runs finished, by terminal state",
	}, []string{"state"})
	SnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geomatch_snapshots_total",
		Help: "Snapshots written",
	})
	SnapshotBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geomatch_snapshot_bytes_total",
		Help: "Compressed snapshot payload bytes written",
	})
)

func init() {
	prometheus.MustRegister(CandidatesTotal)
	prometheus.MustRegister(StarvedTotal)
	prometheus.MustRegister(ExpansionRoundsTotal)
	prometheus.MustRegister(VerifiedPairsTotal)
	prometheus.MustRegister(IndexVersion)
	prometheus.MustRegister(SubsetDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotBytesTotal)
}

// Handler returns the /metrics handler.
func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
