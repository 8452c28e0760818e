// Package workspace turns a repository reference into a reproducible on-disk
// working tree with resolved branch state.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/moonmind-dev/moonmind/internal/subproc"
)

// Runner executes supervised subprocesses. Satisfied by *subproc.Runner;
// faked in tests.
type Runner interface {
	Run(ctx context.Context, spec subproc.Spec) (*subproc.Result, error)
}

// Workspace describes the resolved layout and branch state of one job.
// Created by Prepare and immutable to later stages.
type Workspace struct {
	JobRoot         string
	RepoDir         string
	ArtifactsDir    string
	HomeDir         string
	SkillsActiveDir string

	PrepareLog        string
	ExecuteLog        string
	PublishLog        string
	TaskContextPath   string
	PublishResultPath string

	DefaultBranch  string
	StartingBranch string
	NewBranch      string
	WorkingBranch  string

	WorkdirMode string
}

// ReplayError reports a failed hard-reset replay. Non-retryable.
type ReplayError struct {
	Step string
	Err  error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("workspace replay failed at %s: %v", e.Step, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// PrepareOptions parameterizes workspace preparation.
type PrepareOptions struct {
	JobID              string
	Repository         string
	WorkdirMode        string
	StartingBranchHint string
	NewBranchHint      string
	SkillHint          string

	// Env is the repo command environment (git identity + token,
	// GIT_TERMINAL_PROMPT=0).
	Env     map[string]string
	LogPath string
	Cancel  <-chan struct{}

	// Emit, when set, receives workspace lifecycle events.
	Emit func(name string, payload map[string]any)

	// Now defaults to time.Now; injectable for deterministic branch names.
	Now func() time.Time
}

// Manager prepares and resets workspaces under a fixed root.
type Manager struct {
	Root   string
	Runner Runner
	Log    logr.Logger
}

// NewManager builds a Manager rooted at an absolute directory.
func NewManager(root string, runner Runner, log logr.Logger) *Manager {
	return &Manager{Root: root, Runner: runner, Log: log}
}

// Layout composes the canonical per-job directory layout without touching
// the repository.
func (m *Manager) Layout(jobID string) Workspace {
	jobRoot := filepath.Join(m.Root, jobID)
	artifacts := filepath.Join(jobRoot, "artifacts")
	return Workspace{
		JobRoot:           jobRoot,
		RepoDir:           filepath.Join(jobRoot, "repo"),
		ArtifactsDir:      artifacts,
		HomeDir:           filepath.Join(jobRoot, "home"),
		SkillsActiveDir:   filepath.Join(jobRoot, "skills_active"),
		PrepareLog:        filepath.Join(artifacts, "logs", "prepare.log"),
		ExecuteLog:        filepath.Join(artifacts, "logs", "execute.log"),
		PublishLog:        filepath.Join(artifacts, "logs", "publish.log"),
		TaskContextPath:   filepath.Join(artifacts, "task_context.json"),
		PublishResultPath: filepath.Join(artifacts, "publish_result.json"),
	}
}

// Prepare builds the working tree: clone or reuse, fetch, resolve branches,
// and check out the working branch.
func (m *Manager) Prepare(ctx context.Context, opts PrepareOptions) (*Workspace, error) {
	ws := m.Layout(opts.JobID)
	ws.WorkdirMode = opts.WorkdirMode

	for _, dir := range []string{ws.JobRoot, ws.ArtifactsDir, filepath.Join(ws.ArtifactsDir, "logs"), ws.HomeDir, ws.SkillsActiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
	}

	cloneURL, err := CloneURL(opts.Repository)
	if err != nil {
		return nil, err
	}

	if opts.WorkdirMode == "fresh_clone" {
		if err := os.RemoveAll(ws.RepoDir); err != nil {
			return nil, fmt.Errorf("removing stale repo dir: %w", err)
		}
	}

	if _, err := os.Stat(filepath.Join(ws.RepoDir, ".git")); err != nil {
		if _, err := m.git(ctx, ws.JobRoot, opts, "clone", cloneURL, ws.RepoDir); err != nil {
			return nil, fmt.Errorf("cloning repository: %w", err)
		}
	}

	// Prune stale remote refs; failures are non-fatal.
	if _, err := m.git(ctx, ws.RepoDir, opts, "fetch", "--all", "--prune"); err != nil {
		m.Log.Info("Fetch failed, continuing with local refs", "job", opts.JobID, "error", err.Error())
	}

	ws.DefaultBranch = m.resolveDefaultBranch(ctx, ws.RepoDir, opts)

	ws.StartingBranch = opts.StartingBranchHint
	if ws.StartingBranch == "" {
		ws.StartingBranch = ws.DefaultBranch
	}
	switch {
	case opts.NewBranchHint != "":
		ws.NewBranch = SanitizeBranch(opts.NewBranchHint)
	case ws.StartingBranch != ws.DefaultBranch:
		// Operating directly on a provided branch; no new branch.
	default:
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		ws.NewBranch = SynthesizeBranch(now(), opts.JobID, opts.SkillHint)
	}
	ws.WorkingBranch = ws.NewBranch
	if ws.WorkingBranch == "" {
		ws.WorkingBranch = ws.StartingBranch
	}

	if err := m.checkoutBranches(ctx, &ws, opts); err != nil {
		return nil, err
	}

	if opts.Emit != nil {
		opts.Emit("task.git.defaultBranchResolved", map[string]any{
			"defaultBranch":  ws.DefaultBranch,
			"startingBranch": ws.StartingBranch,
			"workingBranch":  ws.WorkingBranch,
		})
	}
	return &ws, nil
}

func (m *Manager) checkoutBranches(ctx context.Context, ws *Workspace, opts PrepareOptions) error {
	if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", ws.StartingBranch); err != nil {
		if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", "-b", ws.StartingBranch, "origin/"+ws.StartingBranch); err != nil {
			return fmt.Errorf("checking out starting branch %q: %w", ws.StartingBranch, err)
		}
	}
	if ws.NewBranch != "" {
		if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", "-B", ws.NewBranch, ws.StartingBranch); err != nil {
			return fmt.Errorf("creating working branch %q: %w", ws.NewBranch, err)
		}
	}
	return nil
}

// resolveDefaultBranch prefers origin/HEAD, falls back to parsing
// `git remote show origin`, and finally to "main".
func (m *Manager) resolveDefaultBranch(ctx context.Context, repoDir string, opts PrepareOptions) string {
	if out, err := m.git(ctx, repoDir, opts, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		if branch := strings.TrimPrefix(strings.TrimSpace(out), "origin/"); branch != "" {
			return branch
		}
	}
	if out, err := m.git(ctx, repoDir, opts, "remote", "show", "origin"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "HEAD branch:"); ok {
				if branch := strings.TrimSpace(rest); branch != "" && branch != "(unknown)" {
					return branch
				}
			}
		}
	}
	return "main"
}

// SoftReset discards local modifications in place: reset --hard + clean.
func (m *Manager) SoftReset(ctx context.Context, ws *Workspace, opts PrepareOptions) error {
	if _, err := m.git(ctx, ws.RepoDir, opts, "reset", "--hard"); err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	if _, err := m.git(ctx, ws.RepoDir, opts, "clean", "-fd"); err != nil {
		return fmt.Errorf("soft reset clean: %w", err)
	}
	return nil
}

// HardReset re-clones the repository, re-creates the branch topology, and
// replays the given step snapshot. Step patches are cumulative working-tree
// diffs, so only the most recent one is ever applied.
func (m *Manager) HardReset(ctx context.Context, ws *Workspace, opts PrepareOptions, patchFile string) error {
	if err := os.RemoveAll(ws.RepoDir); err != nil {
		return &ReplayError{Step: "remove", Err: err}
	}
	cloneURL, err := CloneURL(opts.Repository)
	if err != nil {
		return &ReplayError{Step: "clone-url", Err: err}
	}
	if _, err := m.git(ctx, ws.JobRoot, opts, "clone", cloneURL, ws.RepoDir); err != nil {
		return &ReplayError{Step: "clone", Err: err}
	}
	if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", ws.StartingBranch); err != nil {
		if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", "-b", ws.StartingBranch, "origin/"+ws.StartingBranch); err != nil {
			return &ReplayError{Step: "checkout", Err: err}
		}
	}
	if ws.NewBranch != "" {
		if _, err := m.git(ctx, ws.RepoDir, opts, "checkout", "-B", ws.NewBranch, ws.StartingBranch); err != nil {
			return &ReplayError{Step: "branch", Err: err}
		}
	}
	if patchFile != "" {
		if _, err := m.git(ctx, ws.RepoDir, opts, "apply", "--allow-empty", "--whitespace=nowarn", patchFile); err != nil {
			return &ReplayError{Step: "apply " + filepath.Base(patchFile), Err: err}
		}
	}
	return nil
}

// Diff returns the cumulative working-tree diff.
func (m *Manager) Diff(ctx context.Context, ws *Workspace, opts PrepareOptions) (string, error) {
	out, err := m.git(ctx, ws.RepoDir, opts, "diff")
	if err != nil {
		return "", fmt.Errorf("computing diff: %w", err)
	}
	return out, nil
}

func (m *Manager) git(ctx context.Context, dir string, opts PrepareOptions, args ...string) (string, error) {
	res, err := m.Runner.Run(ctx, subproc.Spec{
		Command: append([]string{"git"}, args...),
		Dir:     dir,
		Env:     opts.Env,
		LogPath: opts.LogPath,
		Cancel:  opts.Cancel,
		Check:   true,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CloneURL derives the clone URL. Short owner/name references become GitHub
// HTTPS URLs; full URLs pass through, but http(s) URLs with userinfo are
// rejected so tokens never ride in URLs.
func CloneURL(repository string) (string, error) {
	repo := strings.TrimSpace(repository)
	lower := strings.ToLower(repo)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		rest := repo[strings.Index(repo, "//")+2:]
		host := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			host = rest[:slash]
		}
		if strings.Contains(host, "@") {
			return "", fmt.Errorf("repository URL carries embedded credentials")
		}
		return repo, nil
	case strings.HasPrefix(repo, "git@"):
		return repo, nil
	default:
		parts := strings.Split(repo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("invalid repository reference %q", repo)
		}
		name := strings.TrimSuffix(parts[1], ".git")
		return fmt.Sprintf("https://github.com/%s/%s.git", parts[0], name), nil
	}
}
