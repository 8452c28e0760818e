package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonmind-dev/moonmind/internal/agent"
	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/selfheal"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
	"github.com/moonmind-dev/moonmind/internal/workspace"
)

// execute runs the task body: a containerized workload, or the ordered step
// list under self-heal supervision.
func (e *Executor) execute(ctx context.Context, r *run) error {
	view := r.req.View
	if view.Container != nil && view.Container.Enabled {
		return e.runContainer(ctx, r)
	}

	adapter, err := agent.ForRuntime(view.TargetRuntime, e.Cfg)
	if err != nil {
		return &Error{Stage: task.StageExecute, Retryable: false, Err: err}
	}

	aggregate, err := os.OpenFile(r.ws.ExecuteLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: fmt.Errorf("opening execute log: %w", err)}
	}
	defer aggregate.Close()

	steps := effectiveSteps(view)
	for i, step := range steps {
		if err := e.runStep(ctx, r, adapter, step, i, aggregate); err != nil {
			return err
		}
	}

	// Cumulative diff over every completed step.
	diff, err := e.Workspaces.Diff(ctx, r.ws, e.repoOpts(r))
	if err == nil && diff != "" {
		_ = os.MkdirAll(filepath.Dir(changesPatchPath(r.ws)), 0o755)
		_ = os.WriteFile(changesPatchPath(r.ws), []byte(diff), 0o644)
	}

	lastLog := stepLogPath(r.ws, len(steps))
	r.summary = agent.ExtractSummary(view.TargetRuntime, lastLog)
	mergeUsage(r.usage, agent.ParseUsage(view.TargetRuntime, lastLog))

	if isLegacyType(r.req.RawType) {
		normalizeLegacyLog(r.ws.ExecuteLog)
	}
	return nil
}

// normalizeLegacyLog maps a handler-written logs/codex_exec.log onto the
// canonical execute log by copying, never moving; when only the canonical log
// exists, the legacy name is aliased for older consumers.
func normalizeLegacyLog(executeLog string) {
	legacy := filepath.Join(filepath.Dir(executeLog), "codex_exec.log")
	if info, err := os.Stat(legacy); err == nil && info.Size() > 0 {
		if canonical, err := os.Stat(executeLog); err != nil || canonical.Size() == 0 {
			copyFile(legacy, executeLog)
			return
		}
	}
	copyFile(executeLog, legacy)
}

// effectiveSteps turns a single-instruction task into a one-step plan.
func effectiveSteps(view *task.View) []task.Step {
	if len(view.Steps) > 0 {
		return view.Steps
	}
	return []task.Step{{
		ID:           "main",
		Instructions: view.Instructions,
		Skill:        view.Skill,
		Runtime:      view.Runtime,
	}}
}

// runStep executes one step until it succeeds or the self-heal controller
// gives up.
func (e *Executor) runStep(ctx context.Context, r *run, adapter agent.Adapter, step task.Step, index int, aggregate io.Writer) error {
	view := r.req.View
	opts := agent.ResolveOptions(step.Runtime, view.Runtime, e.Cfg.OverrideFor(view.TargetRuntime))
	logPath := stepLogPath(r.ws, index+1)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}

	for {
		attempt := r.heal.State(step.ID, index).Attempts + 1
		e.emit(r, queue.LevelInfo, "task.step.started", map[string]any{
			"stepId":    step.ID,
			"stepIndex": index,
			"attempt":   attempt,
			"runtime":   view.TargetRuntime,
			"skill":     step.Skill.ID,
		})

		failure, runErr := e.attemptStep(ctx, r, adapter, step, opts, logPath, aggregate)
		if runErr == nil {
			return e.finishStep(ctx, r, step, index)
		}
		if errors.Is(runErr, subproc.ErrCancelled) {
			return runErr
		}

		decision := e.decideRetry(ctx, r, step, index, *failure)
		e.emit(r, queue.LevelWarn, "task.step.failed", map[string]any{
			"stepId":    step.ID,
			"stepIndex": index,
			"attempt":   attempt,
			"class":     decision.Class,
			"strategy":  decision.Strategy,
			"signature": decision.Signature,
		})

		if decision.Retryable() {
			if err := e.applyReset(ctx, r, decision.Strategy); err != nil {
				return err
			}
			continue
		}
		return e.surrender(r, step, *failure, decision)
	}
}

// attemptStep runs one attempt and translates the result into a self-heal
// failure description on error.
func (e *Executor) attemptStep(ctx context.Context, r *run, adapter agent.Adapter, step task.Step, opts agent.Options, logPath string, aggregate io.Writer) (*selfheal.Failure, error) {
	env := make(map[string]string, len(r.baseEnv)+4)
	for k, v := range r.baseEnv {
		env[k] = v
	}
	env["HOME"] = r.ws.HomeDir
	if err := adapter.ApplyEnv(env); err != nil {
		return &selfheal.Failure{
			StepID:  step.ID,
			SkillID: step.Skill.ID,
			Hint:    "policy",
			Message: err.Error(),
		}, err
	}

	command, err := adapter.BuildCommand(e.instructionFor(r, step), opts)
	if err != nil {
		return &selfheal.Failure{
			StepID:  step.ID,
			SkillID: step.Skill.ID,
			Hint:    "contract",
			Message: err.Error(),
		}, err
	}

	result, err := e.Runner.Run(ctx, subproc.Spec{
		Command:     command,
		Dir:         r.ws.RepoDir,
		Env:         env,
		LogPath:     logPath,
		WallTimeout: time.Duration(e.Cfg.SelfHeal.StepTimeoutSeconds) * time.Second,
		IdleTimeout: time.Duration(e.Cfg.SelfHeal.StepIdleTimeoutSecs) * time.Second,
		Cancel:      r.req.Cancel,
		OnChunk: func(stream, chunk string) {
			_, _ = io.WriteString(aggregate, chunk)
		},
		Check: true,
	})
	if err == nil {
		return nil, nil
	}

	failure := &selfheal.Failure{StepID: step.ID, SkillID: step.Skill.ID}
	var timeoutErr *subproc.TimeoutError
	var exitErr *subproc.ExitError
	switch {
	case errors.As(err, &timeoutErr):
		failure.Hint = timeoutErr.Kind + "_timeout"
		failure.Message = timeoutErr.Error()
		e.emit(r, queue.LevelWarn, "task.step."+timeoutErr.Kind+"_timeout", map[string]any{
			"stepId":       step.ID,
			"limitSeconds": int(timeoutErr.Limit.Seconds()),
		})
	case errors.As(err, &exitErr):
		failure.ExitCode = exitErr.ExitCode
		failure.Message = exitErr.LastStderrLine
		if failure.Message == "" && result != nil {
			failure.Message = lastNonEmptyLine(result.Stderr)
		}
	default:
		failure.Message = err.Error()
	}
	return failure, err
}

// instructionFor prefixes the materialized skill context onto the step's
// instructions.
func (e *Executor) instructionFor(r *run, step task.Step) string {
	if step.Skill.ID == "" || step.Skill.ID == task.SkillAuto {
		return step.Instructions
	}
	skillDir := filepath.Join(r.ws.SkillsActiveDir, step.Skill.ID)
	header := fmt.Sprintf("Follow the skill playbook materialized at %s.", skillDir)
	if len(step.Skill.Args) > 0 {
		if args, err := json.Marshal(step.Skill.Args); err == nil {
			header += " Skill arguments: " + string(args)
		}
	}
	return header + "\n\n" + step.Instructions
}

// finishStep snapshots the cumulative working-tree diff so a later hard
// reset can replay the job's progress from the most recent snapshot.
func (e *Executor) finishStep(ctx context.Context, r *run, step task.Step, index int) error {
	diff, err := e.Workspaces.Diff(ctx, r.ws, e.repoOpts(r))
	if err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}
	patchPath := stepPatchPath(r.ws, index+1)
	if err := os.MkdirAll(filepath.Dir(patchPath), 0o755); err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}
	if err := os.WriteFile(patchPath, []byte(diff), 0o644); err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}
	r.patchFiles = append(r.patchFiles, patchPath)

	logPath := stepLogPath(r.ws, index+1)
	mergeUsage(r.usage, agent.ParseUsage(r.req.View.TargetRuntime, logPath))

	e.emit(r, queue.LevelInfo, "task.step.finished", map[string]any{
		"stepId":    step.ID,
		"stepIndex": index,
		"attempt":   r.heal.State(step.ID, index).Attempts + 1,
	})
	return nil
}

// decideRetry feeds the failure and the current tree fingerprint to the
// self-heal controller.
func (e *Executor) decideRetry(ctx context.Context, r *run, step task.Step, index int, failure selfheal.Failure) selfheal.Decision {
	diff, err := e.Workspaces.Diff(ctx, r.ws, e.repoOpts(r))
	if err != nil {
		diff = ""
	}
	return r.heal.OnFailure(step.ID, index, failure, selfheal.DiffHash(diff))
}

// applyReset performs the selected reset. A failed soft reset escalates once;
// a failed hard reset ends the job.
func (e *Executor) applyReset(ctx context.Context, r *run, strategy string) error {
	opts := e.repoOpts(r)
	switch strategy {
	case selfheal.StrategySoftReset:
		if err := e.Workspaces.SoftReset(ctx, r.ws, opts); err == nil {
			return nil
		}
		escalated, budgetErr := r.heal.EscalateToHardReset()
		if escalated != selfheal.StrategyHardReset {
			return &Error{Stage: task.StageExecute, Retryable: true, Err: budgetErr}
		}
		fallthrough
	case selfheal.StrategyHardReset:
		e.emit(r, queue.LevelWarn, "task.selfheal.hardReset", map[string]any{
			"resetsUsed": r.heal.ResetsConsumed(),
		})
		if err := e.Workspaces.HardReset(ctx, r.ws, opts, r.latestPatch()); err != nil {
			var replay *workspace.ReplayError
			retryable := !errors.As(err, &replay)
			return &Error{Stage: task.StageExecute, Retryable: retryable, Err: err}
		}
		return nil
	default:
		return &Error{Stage: task.StageExecute, Retryable: true, Err: fmt.Errorf("unknown reset strategy %q", strategy)}
	}
}

// surrender maps a non-retryable decision onto the queue-facing error.
func (e *Executor) surrender(r *run, step task.Step, failure selfheal.Failure, decision selfheal.Decision) error {
	retryable := decision.Strategy == selfheal.StrategyQueueRetry
	err := fmt.Errorf("step %q failed (%s): %s", step.ID, decision.Class, e.scrub(failure.Message))
	if decision.Err != nil {
		err = fmt.Errorf("%w: %v", err, decision.Err)
	}
	return &Error{Stage: task.StageExecute, Retryable: retryable, Err: err}
}

func (e *Executor) repoOpts(r *run) workspace.PrepareOptions {
	return workspace.PrepareOptions{
		JobID:      r.req.JobID,
		Repository: r.req.View.Repository,
		Env:        r.baseEnv,
		LogPath:    r.ws.ExecuteLog,
		Cancel:     r.req.Cancel,
	}
}

// latestPatch is the most recent step snapshot, or "" before any step
// finished. Snapshots are cumulative, so earlier ones are never replayed.
func (r *run) latestPatch() string {
	if len(r.patchFiles) == 0 {
		return ""
	}
	return r.patchFiles[len(r.patchFiles)-1]
}

func (r *run) stepLogs() []string {
	if r.ws == nil {
		return nil
	}
	dir := filepath.Join(filepath.Dir(r.ws.ExecuteLog), "steps")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var logs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			logs = append(logs, filepath.Join(dir, entry.Name()))
		}
	}
	return logs
}

func stepLogPath(ws *workspace.Workspace, n int) string {
	return filepath.Join(filepath.Dir(ws.ExecuteLog), "steps", fmt.Sprintf("step-%04d.log", n))
}

func stepPatchPath(ws *workspace.Workspace, n int) string {
	return filepath.Join(ws.ArtifactsDir, "patches", "steps", fmt.Sprintf("step-%04d.patch", n))
}

func changesPatchPath(ws *workspace.Workspace) string {
	return filepath.Join(ws.ArtifactsDir, "patches", "changes.patch")
}

func isLegacyType(jobType string) bool {
	return jobType == task.TypeCodexExec || jobType == task.TypeCodexSkill
}

func mergeUsage(dst map[string]string, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func lastNonEmptyLine(s string) string {
	var line string
	for _, candidate := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			line = trimmed
		}
	}
	return line
}

func copyFile(src, dst string) {
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, data, 0o644)
}
