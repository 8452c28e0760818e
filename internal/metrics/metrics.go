// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts finished jobs by terminal result.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonmind_worker_jobs_total",
		Help: "Finished jobs by terminal result (completed, failed, cancelled).",
	}, []string{"result"})

	// JobDuration observes wall time from claim to terminal transition.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moonmind_worker_job_duration_seconds",
		Help:    "Wall time from claim to terminal transition.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	// StepAttemptsTotal counts step attempts by outcome.
	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonmind_worker_step_attempts_total",
		Help: "Step attempts by outcome (succeeded, failed).",
	}, []string{"outcome"})

	// SelfHealResetsTotal counts applied reset strategies.
	SelfHealResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonmind_worker_selfheal_resets_total",
		Help: "Applied self-heal resets by strategy.",
	}, []string{"strategy"})

	// AgentTokensTotal accumulates token usage reported by agent runtimes.
	AgentTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonmind_worker_agent_tokens_total",
		Help: "Agent token usage by direction (input, output).",
	}, []string{"direction"})

	// HeartbeatFailuresTotal counts failed lease renewals.
	HeartbeatFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonmind_worker_heartbeat_failures_total",
		Help: "Failed lease heartbeat calls.",
	})

	// ArtifactUploadsTotal counts artifact uploads by result.
	ArtifactUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonmind_worker_artifact_uploads_total",
		Help: "Artifact uploads by result (ok, error, skipped).",
	}, []string{"result"})

	// WorkspacesReaped counts workspaces removed by the janitor.
	WorkspacesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonmind_worker_workspaces_reaped_total",
		Help: "Expired job workspaces removed by the janitor.",
	})
)

// Serve runs the metrics endpoint until ctx is done. A listen failure is
// returned; a clean shutdown is not.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
