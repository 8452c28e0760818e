package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
)

// publishResult is persisted as publish_result.json for every job, including
// skipped publishes.
type publishResult struct {
	Mode       string `json:"mode"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

// publish pushes the working branch and optionally opens a pull request.
func (e *Executor) publish(ctx context.Context, r *run, skipped bool) error {
	view := r.req.View
	result := publishResult{Mode: view.Publish.Mode}

	if skipped {
		result.Skipped = true
		result.Reason = "publish mode none"
		return e.writePublishResult(r, result)
	}

	dirty, err := e.hasChanges(ctx, r)
	if err != nil {
		return &Error{Stage: task.StagePublish, Retryable: true, Err: err}
	}
	if !dirty && !e.hasCommitsAhead(ctx, r) {
		result.Skipped = true
		result.Reason = "no local changes"
		return e.writePublishResult(r, result)
	}

	if _, err := e.publishGit(ctx, r, "checkout", r.ws.WorkingBranch); err != nil {
		return &Error{Stage: task.StagePublish, Retryable: true, Err: fmt.Errorf("checking out working branch: %w", err)}
	}
	if dirty {
		if err := e.commitAll(ctx, r); err != nil {
			return &Error{Stage: task.StagePublish, Retryable: true, Err: err}
		}
	}

	if _, err := e.publishGit(ctx, r, "push", "-u", "origin", r.ws.WorkingBranch); err != nil {
		return &Error{Stage: task.StagePublish, Retryable: true, Err: fmt.Errorf("pushing branch: %w", err)}
	}
	result.Branch = r.ws.WorkingBranch
	result.BaseBranch = e.prBaseBranch(r)

	if view.Publish.Mode == task.PublishPR {
		url, err := e.openPullRequest(ctx, r)
		if err != nil {
			return &Error{Stage: task.StagePublish, Retryable: true, Err: err}
		}
		result.PRURL = url
		e.emit(r, queue.LevelInfo, "task.publish.prOpened", map[string]any{"url": url})
	}

	return e.writePublishResult(r, result)
}

// prBaseBranch is the PR target: the explicit base, else the starting branch.
func (e *Executor) prBaseBranch(r *run) string {
	if base := r.req.View.Publish.PRBaseBranch; base != "" {
		return base
	}
	return r.ws.StartingBranch
}

func (e *Executor) hasChanges(ctx context.Context, r *run) (bool, error) {
	out, err := e.publishGit(ctx, r, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking working tree: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// hasCommitsAhead reports whether the working branch carries commits the
// remote has not seen. Errors degrade to false: nothing to push.
func (e *Executor) hasCommitsAhead(ctx context.Context, r *run) bool {
	out, err := e.publishGit(ctx, r, "rev-list", "--count",
		"origin/"+r.ws.StartingBranch+".."+r.ws.WorkingBranch)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != "" && strings.TrimSpace(out) != "0"
}

func (e *Executor) commitAll(ctx context.Context, r *run) error {
	if _, err := e.publishGit(ctx, r, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	message := r.req.View.Publish.CommitMessage
	if message == "" {
		message = defaultCommitMessage(r)
	}
	if _, err := e.publishGit(ctx, r, "commit", "-m", message); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}
	return nil
}

func defaultCommitMessage(r *run) string {
	return "MoonMind task result for job " + r.req.JobID
}

// openPullRequest shells out to gh; the token rides in GH_TOKEN.
func (e *Executor) openPullRequest(ctx context.Context, r *run) (string, error) {
	view := r.req.View
	title := view.Publish.PRTitle
	if title == "" {
		title = defaultCommitMessage(r)
	}
	body := view.Publish.PRBody
	if body == "" {
		body = "Automated change produced by MoonMind job " + r.req.JobID + "."
	}

	res, err := e.Runner.Run(ctx, subproc.Spec{
		Command: []string{"gh", "pr", "create",
			"--base", e.prBaseBranch(r),
			"--head", r.ws.WorkingBranch,
			"--title", title,
			"--body", body,
		},
		Dir:     r.ws.RepoDir,
		Env:     e.publishEnv(r),
		LogPath: r.ws.PublishLog,
		Cancel:  r.req.Cancel,
		Check:   true,
	})
	if err != nil {
		return "", fmt.Errorf("opening pull request: %w", err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			return line, nil
		}
	}
	return "", nil
}

func (e *Executor) publishGit(ctx context.Context, r *run, args ...string) (string, error) {
	res, err := e.Runner.Run(ctx, subproc.Spec{
		Command: append([]string{"git"}, args...),
		Dir:     r.ws.RepoDir,
		Env:     e.publishEnv(r),
		LogPath: r.ws.PublishLog,
		Cancel:  r.req.Cancel,
		Check:   true,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// publishEnv swaps the publish token into the base environment when the task
// names a separate publish credential.
func (e *Executor) publishEnv(r *run) map[string]string {
	if r.publishToken == "" || r.publishToken == r.repoToken {
		return r.baseEnv
	}
	env := make(map[string]string, len(r.baseEnv))
	for k, v := range r.baseEnv {
		env[k] = v
	}
	env["GITHUB_TOKEN"] = r.publishToken
	env["GH_TOKEN"] = r.publishToken
	return env
}

func (e *Executor) writePublishResult(r *run, result publishResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return &Error{Stage: task.StagePublish, Retryable: false, Err: err}
	}
	if err := os.WriteFile(r.ws.PublishResultPath, data, 0o644); err != nil {
		return &Error{Stage: task.StagePublish, Retryable: true, Err: fmt.Errorf("writing publish result: %w", err)}
	}
	return nil
}
