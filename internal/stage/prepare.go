package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/task"
	"github.com/moonmind-dev/moonmind/internal/workspace"
)

// Auth source labels recorded in task_context.json.
const (
	authSourceVault     = "vault"
	authSourceGitHubApp = "github_app"
	authSourceEnv       = "env"
	authSourceNone      = "none"
)

// prepare resolves credentials, builds the working tree, and materializes
// skills. Failures here are retryable unless the contract itself is bad.
func (e *Executor) prepare(ctx context.Context, r *run) error {
	view := r.req.View

	if err := e.resolveAuth(ctx, r); err != nil {
		return &Error{Stage: task.StagePrepare, Retryable: retryableAuthError(err), Err: err}
	}

	r.baseEnv = e.commandEnv(r)

	skillHint := view.Skill.ID
	if skillHint == task.SkillAuto {
		skillHint = ""
	}
	ws, err := e.Workspaces.Prepare(ctx, workspace.PrepareOptions{
		JobID:              r.req.JobID,
		Repository:         view.Repository,
		WorkdirMode:        view.WorkdirMode,
		StartingBranchHint: view.Git.StartingBranch,
		NewBranchHint:      view.Git.NewBranch,
		SkillHint:          skillHint,
		Env:                r.baseEnv,
		LogPath:            e.Workspaces.Layout(r.req.JobID).PrepareLog,
		Cancel:             r.req.Cancel,
		Emit: func(name string, payload map[string]any) {
			e.emit(r, queue.LevelInfo, name, payload)
		},
	})
	if err != nil {
		return &Error{Stage: task.StagePrepare, Retryable: true, Err: err}
	}
	r.ws = ws

	if err := e.materializeSkills(r); err != nil {
		return &Error{Stage: task.StagePrepare, Retryable: false, Err: err}
	}

	if err := e.writeTaskContext(r); err != nil {
		return &Error{Stage: task.StagePrepare, Retryable: true, Err: err}
	}
	return nil
}

// resolveAuth picks the repo and publish tokens: explicit vault reference
// first, then the GitHub App installation, then the worker's ambient token.
func (e *Executor) resolveAuth(ctx context.Context, r *run) error {
	view := r.req.View

	if ref := view.Auth.RepoAuthRef; ref != "" {
		cred, err := e.Vault.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolving repo auth: %w", err)
		}
		r.repoToken = cred.Token
		r.authSource = authSourceVault
	} else if e.GitHubApp.Configured() {
		token, err := e.GitHubApp.Token(ctx)
		if err != nil {
			return fmt.Errorf("minting installation token: %w", err)
		}
		r.repoToken = token
		r.authSource = authSourceGitHubApp
	} else if e.Cfg.GitHubToken != "" {
		r.repoToken = e.Cfg.GitHubToken
		r.authSource = authSourceEnv
	} else {
		r.authSource = authSourceNone
	}

	r.publishToken = r.repoToken
	if ref := view.Auth.PublishAuthRef; ref != "" {
		cred, err := e.Vault.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolving publish auth: %w", err)
		}
		r.publishToken = cred.Token
	}
	return nil
}

// retryableAuthError: malformed references are contract failures; transport
// or server trouble is worth another claim.
func retryableAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "resolution failed") ||
		strings.Contains(msg, "installation token")
}

// commandEnv builds the minimal child environment: explicit entries only,
// never the worker's full environment.
func (e *Executor) commandEnv(r *run) map[string]string {
	env := map[string]string{
		"PATH":                os.Getenv("PATH"),
		"LANG":                "C.UTF-8",
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_AUTHOR_NAME":     e.Cfg.GitUserName,
		"GIT_AUTHOR_EMAIL":    e.Cfg.GitUserEmail,
		"GIT_COMMITTER_NAME":  e.Cfg.GitUserName,
		"GIT_COMMITTER_EMAIL": e.Cfg.GitUserEmail,
	}
	if r.repoToken != "" {
		env["GITHUB_TOKEN"] = r.repoToken
		env["GH_TOKEN"] = r.repoToken
		// Inline credential helper so the token rides in the environment,
		// never in remote URLs or on disk.
		env["GIT_CONFIG_COUNT"] = "1"
		env["GIT_CONFIG_KEY_0"] = "credential.helper"
		env["GIT_CONFIG_VALUE_0"] = `!f() { echo "username=x-access-token"; echo "password=${GITHUB_TOKEN}"; }; f`
	}
	return env
}

func (e *Executor) materializeSkills(r *run) error {
	view := r.req.View
	ids := view.ConcreteSkills()
	if len(ids) == 0 {
		return nil
	}
	permissive := e.Cfg.SkillPolicyMode == "permissive"
	for _, id := range ids {
		manifest, err := e.Skills.Resolve(id)
		if err != nil {
			return err
		}
		if _, err := e.Skills.Materialize(manifest, r.ws.SkillsActiveDir); err != nil {
			return err
		}
		e.emit(r, queue.LevelInfo, "task.skill.materialized", map[string]any{
			"skill":      id,
			"permissive": permissive,
		})
	}
	return nil
}

// writeTaskContext records the redacted job context next to the logs so a
// human can reconstruct what ran.
func (e *Executor) writeTaskContext(r *run) error {
	view := r.req.View
	stepIDs := make([]string, 0, len(view.Steps))
	for _, s := range view.Steps {
		stepIDs = append(stepIDs, s.ID)
	}
	taskContext := map[string]any{
		"jobId":          r.req.JobID,
		"jobType":        r.req.RawType,
		"repository":     view.Repository,
		"targetRuntime":  view.TargetRuntime,
		"workdirMode":    view.WorkdirMode,
		"affinityKey":    view.AffinityKey,
		"authSource":     r.authSource,
		"skills":         view.ConcreteSkills(),
		"stepIds":        stepIDs,
		"publishMode":    view.Publish.Mode,
		"defaultBranch":  r.ws.DefaultBranch,
		"startingBranch": r.ws.StartingBranch,
		"workingBranch":  r.ws.WorkingBranch,
		"instructions":   view.Instructions,
	}
	if e.Redactor != nil {
		taskContext, _ = e.Redactor.ScrubStructured(taskContext).(map[string]any)
	}
	data, err := json.MarshalIndent(taskContext, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task context: %w", err)
	}
	if err := os.WriteFile(r.ws.TaskContextPath, data, 0o644); err != nil {
		return fmt.Errorf("writing task context: %w", err)
	}
	return nil
}
