package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/notify"
	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/redact"
	"github.com/moonmind-dev/moonmind/internal/selfheal"
	"github.com/moonmind-dev/moonmind/internal/stage"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
	"github.com/moonmind-dev/moonmind/internal/telemetry"
)

// fakeQueue records every call and serves one canned job.
type fakeQueue struct {
	mu  sync.Mutex
	job *queue.Job

	completes []map[string]any
	fails     []failCall
	ackCancel int
	uploads   []string
	events    []string

	cancelAt string
}

type failCall struct {
	message   string
	retryable bool
}

func (f *fakeQueue) Claim(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.job
	f.job = nil
	return job, nil
}

func (f *fakeQueue) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (*queue.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &queue.HeartbeatResponse{CancelRequestedAt: f.cancelAt}, nil
}

func (f *fakeQueue) AckCancel(ctx context.Context, jobID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCancel++
	return nil
}

func (f *fakeQueue) Complete(ctx context.Context, jobID string, resultSummary map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, resultSummary)
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, jobID, errorMessage string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, failCall{message: errorMessage, retryable: retryable})
	return nil
}

func (f *fakeQueue) AppendEvent(ctx context.Context, jobID, level, message string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, message)
	return nil
}

func (f *fakeQueue) UploadArtifact(ctx context.Context, jobID string, artifact queue.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, artifact.UploadName)
	return nil
}

func (f *fakeQueue) terminalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completes) + len(f.fails) + f.ackCancel
}

// fakeExecutor returns a canned outcome or error.
type fakeExecutor struct {
	outcome *stage.Outcome
	err     error

	gotReq stage.Request
}

func (f *fakeExecutor) Run(ctx context.Context, req stage.Request) (*stage.Outcome, error) {
	f.gotReq = req
	return f.outcome, f.err
}

// cancelWaitingExecutor blocks until the cooperative cancel signal fires.
type cancelWaitingExecutor struct {
	outcome *stage.Outcome
}

func (c *cancelWaitingExecutor) Run(ctx context.Context, req stage.Request) (*stage.Outcome, error) {
	select {
	case <-req.Cancel:
		return c.outcome, subproc.ErrCancelled
	case <-time.After(5 * time.Second):
		return nil, errors.New("cancel signal never arrived")
	}
}

func validJob() *queue.Job {
	return &queue.Job{
		ID:   "j1",
		Type: "task",
		Payload: map[string]any{
			"repository":           "acme/widgets",
			"targetRuntime":        "codex",
			"requiredCapabilities": []any{"codex", "git"},
			"task":                 map[string]any{"instructions": "do it"},
		},
	}
}

func newTestWorker(t *testing.T, q *fakeQueue, exec Executor) *Worker {
	t.Helper()
	cfg := &config.Config{
		WorkerID:         "w1",
		LeaseSeconds:     120,
		PollIntervalMS:   10,
		Runtime:          config.RuntimeCodex,
		Capabilities:     []string{"codex", "git"},
		SkillPolicyMode:  config.SkillPolicyAllowlist,
		AllowedSkills:    []string{"speckit"},
		EnableLegacyJobs: true,
	}
	return &Worker{
		Cfg:       cfg,
		Log:       logr.Discard(),
		Queue:     q,
		Executor:  exec,
		Telemetry: telemetry.New("", "", t.TempDir(), logr.Discard()),
		Notify:    notify.New("", "w1", logr.Discard()),
		Redactor:  redact.New(""),
	}
}

func TestRunOnceSuccess(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "execute.log")
	if err := os.WriteFile(full, []byte("output\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.log")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{job: validJob()}
	exec := &fakeExecutor{outcome: &stage.Outcome{
		Summary: map[string]any{"workingBranch": "task/x"},
		Artifacts: []queue.Artifact{
			{LocalPath: full, UploadName: "logs/execute.log"},
			{LocalPath: empty, UploadName: "logs/empty.log"},
			{LocalPath: filepath.Join(dir, "missing.log"), UploadName: "logs/missing.log"},
		},
	}}
	w := newTestWorker(t, q, exec)

	ran, err := w.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	if len(q.completes) != 1 {
		t.Fatalf("completes = %d", len(q.completes))
	}
	if q.completes[0]["workingBranch"] != "task/x" {
		t.Errorf("summary = %v", q.completes[0])
	}
	if q.terminalCount() != 1 {
		t.Errorf("terminal transitions = %d, want exactly 1", q.terminalCount())
	}
	if len(q.uploads) != 1 || q.uploads[0] != "logs/execute.log" {
		t.Errorf("uploads = %v, want only the non-empty file", q.uploads)
	}
	if exec.gotReq.JobID != "j1" || exec.gotReq.View == nil {
		t.Errorf("executor request = %+v", exec.gotReq)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	w := newTestWorker(t, &fakeQueue{}, &fakeExecutor{})
	ran, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("reported a run with an empty queue")
	}
}

func TestRunOnceContractRejection(t *testing.T) {
	job := validJob()
	job.Payload["targetRuntime"] = "cursor"
	q := &fakeQueue{job: job}
	w := newTestWorker(t, q, &fakeExecutor{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 {
		t.Fatalf("fails = %d", len(q.fails))
	}
	if q.fails[0].retryable {
		t.Errorf("contract failure marked retryable")
	}
	if q.terminalCount() != 1 {
		t.Errorf("terminal transitions = %d", q.terminalCount())
	}
}

func TestRunOncePolicyRejection(t *testing.T) {
	job := validJob()
	job.Payload["task"].(map[string]any)["skill"] = map[string]any{"id": "rogue"}
	q := &fakeQueue{job: job}
	w := newTestWorker(t, q, &fakeExecutor{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 || q.fails[0].retryable {
		t.Fatalf("fails = %+v", q.fails)
	}
	found := false
	for _, event := range q.events {
		if event == "task.policy.rejected" {
			found = true
		}
	}
	if !found {
		t.Errorf("policy rejection event missing: %v", q.events)
	}
}

func TestRunOnceCapabilityRejection(t *testing.T) {
	job := validJob()
	job.Payload["requiredCapabilities"] = []any{"codex", "git", "docker"}
	q := &fakeQueue{job: job}
	w := newTestWorker(t, q, &fakeExecutor{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 || q.fails[0].retryable {
		t.Fatalf("fails = %+v", q.fails)
	}
	if !strings.Contains(q.fails[0].message, "docker") {
		t.Errorf("message = %q", q.fails[0].message)
	}
}

func TestRunOnceRuntimeNotOffered(t *testing.T) {
	job := validJob()
	job.Payload["targetRuntime"] = "gemini"
	job.Payload["requiredCapabilities"] = []any{"git"}
	q := &fakeQueue{job: job}
	w := newTestWorker(t, q, &fakeExecutor{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 || q.fails[0].retryable {
		t.Fatalf("fails = %+v", q.fails)
	}
}

func TestRunOnceRuntimeModeMismatch(t *testing.T) {
	job := validJob()
	job.Payload["targetRuntime"] = "gemini"
	job.Payload["requiredCapabilities"] = []any{"gemini", "git"}
	q := &fakeQueue{job: job}
	w := newTestWorker(t, q, &fakeExecutor{})
	w.Cfg.Capabilities = []string{"codex", "gemini", "git"}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 || q.fails[0].retryable {
		t.Fatalf("fails = %+v", q.fails)
	}
	if !strings.Contains(q.fails[0].message, "codex mode") {
		t.Errorf("message = %q", q.fails[0].message)
	}
}

func TestRunOnceUniversalModeAcceptsAnyRuntime(t *testing.T) {
	job := validJob()
	job.Payload["targetRuntime"] = "gemini"
	job.Payload["requiredCapabilities"] = []any{"gemini", "git"}
	q := &fakeQueue{job: job}
	exec := &fakeExecutor{outcome: &stage.Outcome{Summary: map[string]any{}}}
	w := newTestWorker(t, q, exec)
	w.Cfg.Runtime = config.RuntimeUniversal
	w.Cfg.Capabilities = []string{"codex", "gemini", "claude", "git"}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.completes) != 1 {
		t.Errorf("universal mode rejected the job: fails=%v", q.fails)
	}
}

func TestRunOnceAllowedSkillPasses(t *testing.T) {
	job := validJob()
	job.Payload["task"].(map[string]any)["skill"] = map[string]any{"id": "speckit"}
	q := &fakeQueue{job: job}
	exec := &fakeExecutor{outcome: &stage.Outcome{Summary: map[string]any{}}}
	w := newTestWorker(t, q, exec)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.completes) != 1 {
		t.Errorf("allowed skill did not complete: fails=%v", q.fails)
	}
}

func TestRunOnceStageFailure(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
	}{
		{
			name:          "retryable stage error",
			err:           &stage.Error{Stage: "execute", Retryable: true, Err: errors.New("transient tooling")},
			wantRetryable: true,
		},
		{
			name:          "terminal stage error",
			err:           &stage.Error{Stage: "prepare", Retryable: false, Err: errors.New("bad reference")},
			wantRetryable: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{job: validJob()}
			w := newTestWorker(t, q, &fakeExecutor{err: tt.err})

			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(q.fails) != 1 {
				t.Fatalf("fails = %+v", q.fails)
			}
			if q.fails[0].retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", q.fails[0].retryable, tt.wantRetryable)
			}
			if q.terminalCount() != 1 {
				t.Errorf("terminal transitions = %d", q.terminalCount())
			}
		})
	}
}

func TestRunOnceCancellation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execute.log")
	if err := os.WriteFile(logPath, []byte("partial output\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{job: validJob(), cancelAt: "2026-08-24T12:00:00Z"}
	exec := &cancelWaitingExecutor{outcome: &stage.Outcome{
		Artifacts: []queue.Artifact{{LocalPath: logPath, UploadName: "logs/execute.log"}},
	}}
	w := newTestWorker(t, q, exec)
	w.Cfg.LeaseSeconds = 1

	ran, err := w.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	if q.ackCancel != 1 {
		t.Fatalf("ackCancel = %d", q.ackCancel)
	}
	if len(q.completes) != 0 || len(q.fails) != 0 {
		t.Errorf("extra terminal calls: completes=%d fails=%+v", len(q.completes), q.fails)
	}
	if q.terminalCount() != 1 {
		t.Errorf("terminal transitions = %d, want exactly 1", q.terminalCount())
	}
	if len(q.uploads) != 1 || q.uploads[0] != "logs/execute.log" {
		t.Errorf("uploads = %v, want the execute log", q.uploads)
	}
}

func TestRunOnceStageFailureUploadsArtifacts(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "prepare.log")
	if err := os.WriteFile(logPath, []byte("clone failed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{job: validJob()}
	exec := &fakeExecutor{
		outcome: &stage.Outcome{
			Artifacts: []queue.Artifact{{LocalPath: logPath, UploadName: "logs/prepare.log"}},
		},
		err: &stage.Error{Stage: "prepare", Retryable: true, Err: errors.New("clone failed")},
	}
	w := newTestWorker(t, q, exec)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 {
		t.Fatalf("fails = %+v", q.fails)
	}
	if len(q.uploads) != 1 || q.uploads[0] != "logs/prepare.log" {
		t.Errorf("uploads = %v, want the prepare log", q.uploads)
	}
}

func TestRunOnceFailureMessageRedacted(t *testing.T) {
	q := &fakeQueue{job: validJob()}
	exec := &fakeExecutor{err: &stage.Error{Stage: "execute", Retryable: true,
		Err: errors.New("auth failed with hush-token-99")}}
	w := newTestWorker(t, q, exec)
	w.Redactor.Register("hush-token-99")

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.fails) != 1 {
		t.Fatalf("fails = %d", len(q.fails))
	}
	msg := q.fails[0].message
	if strings.Contains(msg, "hush-token-99") {
		t.Errorf("fail message leaked secret: %q", msg)
	}
	if !strings.Contains(msg, redact.DefaultPlaceholder) {
		t.Errorf("fail message not scrubbed: %q", msg)
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stage retryable", &stage.Error{Retryable: true, Err: errors.New("x")}, true},
		{"stage terminal", &stage.Error{Retryable: false, Err: errors.New("x")}, false},
		{"budget exhausted", &selfheal.BudgetError{Kind: "attempts", Limit: 3}, true},
		{"contract violation", &task.ContractError{Reason: "missing repository"}, false},
		{"unknown", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminalGuard(t *testing.T) {
	g := &terminalGuard{}
	if !g.fire() {
		t.Fatal("first fire refused")
	}
	if g.fire() {
		t.Fatal("second fire allowed")
	}
}

func TestAllowedTypes(t *testing.T) {
	w := newTestWorker(t, &fakeQueue{}, &fakeExecutor{})
	if got := w.allowedTypes(); len(got) != 3 {
		t.Errorf("allowed types = %v", got)
	}
	w.Cfg.EnableLegacyJobs = false
	if got := w.allowedTypes(); len(got) != 1 || got[0] != task.TypeTask {
		t.Errorf("allowed types = %v", got)
	}
}

func TestActiveJobIDClearedAfterRun(t *testing.T) {
	q := &fakeQueue{job: validJob()}
	exec := &fakeExecutor{outcome: &stage.Outcome{Summary: map[string]any{}}}
	w := newTestWorker(t, q, exec)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.ActiveJobID() != "" {
		t.Errorf("active job not cleared: %q", w.ActiveJobID())
	}
}
