// Package stage drives the prepare -> execute -> publish lifecycle of one
// claimed job inside its workspace.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/githubauth"
	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/redact"
	"github.com/moonmind-dev/moonmind/internal/selfheal"
	"github.com/moonmind-dev/moonmind/internal/skills"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
	"github.com/moonmind-dev/moonmind/internal/vaultref"
	"github.com/moonmind-dev/moonmind/internal/workspace"
)

// Error is a stage-level failure with queue-facing retry semantics.
type Error struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EmitFunc publishes one structured job event. Implementations are
// best-effort; emission failures never abort a stage.
type EmitFunc func(level, message string, payload map[string]any)

// Request carries everything the executor needs for one job.
type Request struct {
	JobID   string
	RawType string
	View    *task.View

	// Cancel is the shared cooperative cancellation signal.
	Cancel <-chan struct{}
	Emit   EmitFunc
}

// Outcome is what a finished job hands back to the worker loop.
type Outcome struct {
	Workspace *workspace.Workspace
	Summary   map[string]any
	Artifacts []queue.Artifact
}

// Executor runs the stage pipeline. One Executor serves many jobs; all
// per-job state lives in the run.
type Executor struct {
	Cfg        *config.Config
	Log        logr.Logger
	Runner     *subproc.Runner
	Workspaces *workspace.Manager
	Vault      *vaultref.Resolver
	GitHubApp  *githubauth.Source
	Skills     *skills.Resolver
	Redactor   *redact.Redactor
}

// run is the mutable per-job state threaded through the stages.
type run struct {
	req  Request
	ws   *workspace.Workspace
	heal *selfheal.Controller

	repoToken    string
	publishToken string
	authSource   string

	baseEnv map[string]string

	// patchFiles are the saved per-step patches, in completion order, used
	// to replay state after a hard reset.
	patchFiles []string

	usage   map[string]string
	summary string
}

// Run executes the full stage plan and returns the job outcome. A returned
// *Error carries retryability. On stage failure the outcome is still returned
// once a workspace exists, so the stage logs reach the server as artifacts.
func (e *Executor) Run(ctx context.Context, req Request) (*Outcome, error) {
	r := &run{
		req: req,
		heal: selfheal.NewController(selfheal.Budgets{
			StepMaxAttempts:     e.Cfg.SelfHeal.StepMaxAttempts,
			StepNoProgressLimit: e.Cfg.SelfHeal.StepNoProgressLimit,
			JobMaxResets:        e.Cfg.SelfHeal.JobMaxResets,
		}, e.Redactor),
		usage: map[string]string{},
	}

	for _, planned := range req.View.StagePlan() {
		if err := e.runStage(ctx, r, planned); err != nil {
			if r.ws == nil {
				return nil, err
			}
			return e.outcome(r), err
		}
	}

	return e.outcome(r), nil
}

func (e *Executor) runStage(ctx context.Context, r *run, planned task.PlannedStage) error {
	start := time.Now()
	e.emit(r, queue.LevelInfo, "task."+planned.Name+".started", map[string]any{"stage": planned.Name})

	var err error
	switch planned.Name {
	case task.StagePrepare:
		err = e.prepare(ctx, r)
	case task.StageExecute:
		err = e.execute(ctx, r)
	case task.StagePublish:
		err = e.publish(ctx, r, planned.Skipped)
	}

	payload := map[string]any{
		"stage":           planned.Name,
		"durationSeconds": int(time.Since(start).Seconds()),
	}
	if err != nil {
		payload["error"] = e.scrub(err.Error())
		e.emit(r, queue.LevelError, "task."+planned.Name+".failed", payload)
		return err
	}
	if planned.Skipped {
		payload["skipped"] = true
	}
	e.emit(r, queue.LevelInfo, "task."+planned.Name+".finished", payload)
	return nil
}

func (e *Executor) outcome(r *run) *Outcome {
	summary := map[string]any{
		"workingBranch": r.ws.WorkingBranch,
		"resetsUsed":    r.heal.ResetsConsumed(),
	}
	if r.summary != "" {
		summary["summary"] = e.scrub(r.summary)
	}
	for k, v := range r.usage {
		summary[k] = v
	}
	return &Outcome{
		Workspace: r.ws,
		Summary:   summary,
		Artifacts: e.stageArtifacts(r),
	}
}

// stageArtifacts lists the canonical artifact set. The worker loop skips
// entries whose files are missing or empty.
func (e *Executor) stageArtifacts(r *run) []queue.Artifact {
	ws := r.ws
	arts := []queue.Artifact{
		{LocalPath: ws.PrepareLog, UploadName: "logs/prepare.log", ContentType: "text/plain"},
		{LocalPath: ws.ExecuteLog, UploadName: "logs/execute.log", ContentType: "text/plain"},
		{LocalPath: ws.PublishLog, UploadName: "logs/publish.log", ContentType: "text/plain"},
		{LocalPath: ws.TaskContextPath, UploadName: "task_context.json", ContentType: "application/json"},
		{LocalPath: ws.PublishResultPath, UploadName: "publish_result.json", ContentType: "application/json"},
		{LocalPath: changesPatchPath(ws), UploadName: "patches/changes.patch", ContentType: "text/x-patch"},
	}
	for i := range r.patchFiles {
		arts = append(arts, queue.Artifact{
			LocalPath:   r.patchFiles[i],
			UploadName:  fmt.Sprintf("patches/steps/step-%04d.patch", i+1),
			ContentType: "text/x-patch",
		})
	}
	for i, log := range r.stepLogs() {
		arts = append(arts, queue.Artifact{
			LocalPath:   log,
			UploadName:  fmt.Sprintf("logs/steps/step-%04d.log", i+1),
			ContentType: "text/plain",
		})
	}
	return arts
}

func (e *Executor) emit(r *run, level, message string, payload map[string]any) {
	if r.req.Emit == nil {
		return
	}
	if e.Redactor != nil {
		payload, _ = e.Redactor.ScrubStructured(payload).(map[string]any)
	}
	r.req.Emit(level, message, payload)
}

func (e *Executor) scrub(s string) string {
	if e.Redactor == nil {
		return s
	}
	return e.Redactor.Scrub(s)
}
