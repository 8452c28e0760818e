// Package worker runs the claim/execute/report loop against the queue.
package worker

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/metrics"
	"github.com/moonmind-dev/moonmind/internal/notify"
	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/redact"
	"github.com/moonmind-dev/moonmind/internal/selfheal"
	"github.com/moonmind-dev/moonmind/internal/skills"
	"github.com/moonmind-dev/moonmind/internal/stage"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
	"github.com/moonmind-dev/moonmind/internal/telemetry"
)

// Queue is the control-plane surface the worker needs. Satisfied by
// *queue.Client; faked in tests.
type Queue interface {
	Claim(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (*queue.HeartbeatResponse, error)
	AckCancel(ctx context.Context, jobID, message string) error
	Complete(ctx context.Context, jobID string, resultSummary map[string]any) error
	Fail(ctx context.Context, jobID, errorMessage string, retryable bool) error
	AppendEvent(ctx context.Context, jobID, level, message string, payload map[string]any) error
	UploadArtifact(ctx context.Context, jobID string, artifact queue.Artifact) error
}

// Executor runs the stage pipeline for one job. Satisfied by
// *stage.Executor.
type Executor interface {
	Run(ctx context.Context, req stage.Request) (*stage.Outcome, error)
}

// Worker claims and executes queue jobs one at a time.
type Worker struct {
	Cfg       *config.Config
	Log       logr.Logger
	Queue     Queue
	Executor  Executor
	Telemetry *telemetry.Client
	Notify    *notify.Notifier
	Redactor  *redact.Redactor

	mu        sync.Mutex
	activeJob string
}

// ActiveJobID reports the currently claimed job, or "". Used by the janitor
// to spare the live workspace.
func (w *Worker) ActiveJobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJob
}

func (w *Worker) setActiveJob(id string) {
	w.mu.Lock()
	w.activeJob = id
	w.mu.Unlock()
}

// allowedTypes lists the job types this worker claims.
func (w *Worker) allowedTypes() []string {
	types := []string{task.TypeTask}
	if w.Cfg.EnableLegacyJobs {
		types = append(types, task.TypeCodexExec, task.TypeCodexSkill)
	}
	return types
}

// RunForever polls until ctx is done.
func (w *Worker) RunForever(ctx context.Context) error {
	interval := time.Duration(w.Cfg.PollIntervalMS) * time.Millisecond
	w.Log.Info("Worker started", "worker", w.Cfg.WorkerID, "runtime", w.Cfg.Runtime, "capabilities", w.Cfg.Capabilities)
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.Log.Error(err, "Claim cycle failed")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce claims at most one job and executes it to its terminal transition.
// It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Queue.Claim(ctx, queue.ClaimRequest{
		WorkerID:           w.Cfg.WorkerID,
		LeaseSeconds:       w.Cfg.LeaseSeconds,
		AllowedTypes:       w.allowedTypes(),
		WorkerCapabilities: w.Cfg.Capabilities,
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.setActiveJob(job.ID)
	defer w.setActiveJob("")
	w.handle(ctx, job)
	return true, nil
}

// handle drives one claimed job through normalization, policy gates, the
// stage pipeline, artifact upload, and exactly one terminal transition.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log := w.Log.WithValues("job", job.ID, "type", job.Type)
	log.Info("Claimed job")

	terminal := &terminalGuard{}

	view, err := task.Normalize(job.Type, job.Payload)
	if err != nil {
		log.Info("Rejecting job with invalid contract", "error", w.scrub(err.Error()))
		w.failJob(ctx, terminal, job.ID, w.scrub(err.Error()), false)
		w.finishMetrics(start, "failed")
		return
	}

	if msg, ok := w.policyGate(view); !ok {
		log.Info("Rejecting job by policy", "reason", msg)
		w.event(ctx, job.ID, queue.LevelWarn, "task.policy.rejected", map[string]any{"reason": msg})
		w.failJob(ctx, terminal, job.ID, msg, false)
		w.finishMetrics(start, "failed")
		return
	}

	// cancel is the shared cooperative cancellation signal: closed once by
	// the heartbeat loop on a server cancel request or a lost lease.
	hb := newHeartbeat(w.Queue, w.Cfg, log)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go hb.run(hbCtx, job.ID)

	outcome, runErr := w.Executor.Run(ctx, stage.Request{
		JobID:   job.ID,
		RawType: job.Type,
		View:    view,
		Cancel:  hb.cancelChan(),
		Emit: func(level, message string, payload map[string]any) {
			w.event(ctx, job.ID, level, message, payload)
		},
	})
	stopHeartbeat()

	if hb.leaseLost() {
		// The claim is gone; any terminal call would race the next worker.
		log.Info("Lease lost, abandoning job without terminal transition")
		w.finishMetrics(start, "lease_lost")
		return
	}

	switch {
	case runErr == nil:
		w.uploadArtifacts(ctx, job.ID, outcome.Artifacts)
		if terminal.fire() {
			if err := w.Queue.Complete(ctx, job.ID, outcome.Summary); err != nil {
				log.Error(err, "Complete transition failed")
			}
		}
		recordTokenUsage(outcome.Summary)
		log.Info("Job completed", "durationSeconds", int(time.Since(start).Seconds()))
		w.capture("worker_job_completed", job, view, start)
		w.finishMetrics(start, "completed")

	case w.wasCancelled(runErr, hb):
		if outcome != nil {
			w.uploadArtifacts(ctx, job.ID, outcome.Artifacts)
		}
		if terminal.fire() {
			if err := w.Queue.AckCancel(ctx, job.ID, "cancelled by request"); err != nil {
				log.Error(err, "Ack-cancel transition failed")
			}
		}
		log.Info("Job cancelled")
		w.capture("worker_job_cancelled", job, view, start)
		w.finishMetrics(start, "cancelled")

	default:
		retryable := retryableError(runErr)
		msg := w.scrub(runErr.Error())
		log.Info("Job failed", "retryable", retryable, "error", msg)
		w.failJob(ctx, terminal, job.ID, msg, retryable)
		if outcome != nil {
			w.uploadArtifacts(ctx, job.ID, outcome.Artifacts)
		}
		w.Notify.JobFailed(ctx, job.ID, msg, retryable)
		w.capture("worker_job_failed", job, view, start)
		w.finishMetrics(start, "failed")
	}
}

// policyGate enforces the runtime mode, the capability subset, and the skill
// allowlist. The queue already matches capabilities on claim; this re-check
// guards against a stale or permissive server.
func (w *Worker) policyGate(view *task.View) (string, bool) {
	have := make(map[string]bool, len(w.Cfg.Capabilities))
	for _, c := range w.Cfg.Capabilities {
		have[c] = true
	}
	var missing []string
	for _, c := range view.RequiredCapabilities {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return "missing required capabilities: " + strings.Join(missing, ", "), false
	}
	if !have[view.TargetRuntime] {
		return "runtime " + view.TargetRuntime + " not offered by this worker", false
	}
	if w.Cfg.Runtime != config.RuntimeUniversal && w.Cfg.Runtime != view.TargetRuntime {
		return "runtime " + view.TargetRuntime + " not accepted in " + w.Cfg.Runtime + " mode", false
	}

	permissive := w.Cfg.SkillPolicyMode == config.SkillPolicyPermissive
	for _, id := range view.ConcreteSkills() {
		if !skills.Allowed(id, w.Cfg.AllowedSkills, permissive) {
			return "skill " + id + " not in worker allowlist", false
		}
	}
	return "", true
}

func (w *Worker) wasCancelled(err error, hb *heartbeat) bool {
	if errors.Is(err, subproc.ErrCancelled) {
		return hb.cancelRequested()
	}
	return false
}

// retryableError maps stage and budget errors onto the queue retry flag.
// Unknown errors default to retryable: the workspace is disposable.
func retryableError(err error) bool {
	var stageErr *stage.Error
	if errors.As(err, &stageErr) {
		return stageErr.Retryable
	}
	var budgetErr *selfheal.BudgetError
	if errors.As(err, &budgetErr) {
		return true
	}
	var contractErr *task.ContractError
	return !errors.As(err, &contractErr)
}

// failJob performs the fail transition at most once.
func (w *Worker) failJob(ctx context.Context, terminal *terminalGuard, jobID, message string, retryable bool) {
	if !terminal.fire() {
		return
	}
	if err := w.Queue.Fail(ctx, jobID, message, retryable); err != nil {
		w.Log.Error(err, "Fail transition failed", "job", jobID)
	}
}

// uploadArtifacts pushes each produced artifact, skipping absent or empty
// files. Upload failures never block the terminal transition.
func (w *Worker) uploadArtifacts(ctx context.Context, jobID string, artifacts []queue.Artifact) {
	for _, artifact := range artifacts {
		info, err := os.Stat(artifact.LocalPath)
		if err != nil || info.Size() == 0 {
			metrics.ArtifactUploadsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if err := w.Queue.UploadArtifact(ctx, jobID, artifact); err != nil {
			metrics.ArtifactUploadsTotal.WithLabelValues("error").Inc()
			w.Log.Info("Artifact upload failed", "job", jobID, "artifact", artifact.UploadName, "error", err.Error())
			continue
		}
		metrics.ArtifactUploadsTotal.WithLabelValues("ok").Inc()
	}
}

// event appends a job event best-effort.
func (w *Worker) event(ctx context.Context, jobID, level, message string, payload map[string]any) {
	if err := w.Queue.AppendEvent(ctx, jobID, level, message, payload); err != nil {
		w.Log.V(1).Info("Event append failed", "job", jobID, "event", message)
	}
}

func (w *Worker) capture(event string, job *queue.Job, view *task.View, start time.Time) {
	w.Telemetry.Capture(event, map[string]any{
		"jobType":         job.Type,
		"runtime":         view.TargetRuntime,
		"publishMode":     view.Publish.Mode,
		"steps":           len(view.Steps),
		"durationSeconds": int(time.Since(start).Seconds()),
	})
}

// recordTokenUsage folds the usage fields of the result summary into the
// token counters.
func recordTokenUsage(summary map[string]any) {
	for key, direction := range map[string]string{
		"input-tokens":  "input",
		"output-tokens": "output",
	} {
		raw, ok := summary[key].(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil && n > 0 {
			metrics.AgentTokensTotal.WithLabelValues(direction).Add(n)
		}
	}
}

func (w *Worker) finishMetrics(start time.Time, result string) {
	metrics.JobsTotal.WithLabelValues(result).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) scrub(s string) string {
	if w.Redactor == nil {
		return s
	}
	return w.Redactor.Scrub(s)
}

// terminalGuard enforces at most one terminal transition per claim.
type terminalGuard struct {
	mu    sync.Mutex
	fired bool
}

func (g *terminalGuard) fire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired {
		return false
	}
	g.fired = true
	return true
}
