package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/metrics"
)

// leaseLostThreshold is how many consecutive heartbeat failures mark the
// lease as lost.
const leaseLostThreshold = 3

// heartbeat renews a job's lease at a third of its duration and turns the
// server's cancel request into the shared cancel signal.
type heartbeat struct {
	queue Queue
	cfg   *config.Config
	log   logr.Logger

	cancel     chan struct{}
	cancelOnce sync.Once

	mu        sync.Mutex
	requested bool
	lost      bool
}

func newHeartbeat(q Queue, cfg *config.Config, log logr.Logger) *heartbeat {
	return &heartbeat{
		queue:  q,
		cfg:    cfg,
		log:    log,
		cancel: make(chan struct{}),
	}
}

// cancelChan is the shared cooperative cancellation signal handed to every
// subprocess of the job.
func (h *heartbeat) cancelChan() <-chan struct{} { return h.cancel }

// cancelRequested reports whether the server asked for cancellation.
func (h *heartbeat) cancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requested
}

// leaseLost reports whether renewals failed often enough that the claim must
// be considered gone.
func (h *heartbeat) leaseLost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func (h *heartbeat) signalCancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// run renews the lease until ctx is done.
func (h *heartbeat) run(ctx context.Context, jobID string) {
	interval := time.Duration(h.cfg.LeaseSeconds) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := h.queue.Heartbeat(ctx, jobID, h.cfg.LeaseSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.HeartbeatFailuresTotal.Inc()
			h.log.Info("Heartbeat failed", "job", jobID, "consecutive", failures)
			if failures >= leaseLostThreshold {
				h.mu.Lock()
				h.lost = true
				h.mu.Unlock()
				h.signalCancel()
				return
			}
			continue
		}
		failures = 0

		if resp.CancelRequestedAt != "" {
			h.log.Info("Cancellation requested by server", "job", jobID, "at", resp.CancelRequestedAt)
			h.mu.Lock()
			h.requested = true
			h.mu.Unlock()
			h.signalCancel()
			return
		}
	}
}
