package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/moonmind-dev/moonmind/internal/queue"
	"github.com/moonmind-dev/moonmind/internal/subproc"
	"github.com/moonmind-dev/moonmind/internal/task"
)

// timeoutExitCode mirrors the conventional timeout(1) exit status recorded in
// run.json when the container is killed for exceeding its deadline.
const timeoutExitCode = 124

// containerRunRecord is persisted as run.json under the container artifacts
// subdirectory.
type containerRunRecord struct {
	Image           string   `json:"image"`
	Command         []string `json:"command"`
	ExitCode        int      `json:"exitCode"`
	TimedOut        bool     `json:"timedOut,omitempty"`
	DurationSeconds int      `json:"durationSeconds"`
}

// runContainer executes the task's containerized workload instead of an
// agent CLI.
func (e *Executor) runContainer(ctx context.Context, r *run) error {
	spec := r.req.View.Container
	artifactsDir := filepath.Join(r.ws.ArtifactsDir, spec.ArtifactsSubdir)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}
	logPath := filepath.Join(filepath.Dir(r.ws.ExecuteLog), "container.log")

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if spec.TimeoutSeconds <= 0 {
		timeout = time.Duration(e.Cfg.ContainerTimeoutSeconds) * time.Second
	}

	command := e.dockerRunArgs(r, spec, artifactsDir)
	e.emit(r, queue.LevelInfo, "task.container.started", map[string]any{
		"image":          spec.Image,
		"timeoutSeconds": int(timeout.Seconds()),
	})

	start := time.Now()
	result, err := e.Runner.Run(ctx, subproc.Spec{
		Command:     command,
		Dir:         r.ws.RepoDir,
		Env:         r.baseEnv,
		LogPath:     logPath,
		WallTimeout: timeout,
		Cancel:      r.req.Cancel,
		Check:       false,
	})

	record := containerRunRecord{
		Image:           spec.Image,
		Command:         spec.Command,
		DurationSeconds: int(time.Since(start).Seconds()),
	}
	switch {
	case err == nil:
		record.ExitCode = result.ExitCode
	case errors.Is(err, subproc.ErrCancelled):
		return err
	default:
		var timeoutErr *subproc.TimeoutError
		if !errors.As(err, &timeoutErr) {
			return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
		}
		record.ExitCode = timeoutExitCode
		record.TimedOut = true
		e.stopContainer(ctx, r, logPath)
	}

	metadataDir := filepath.Join(artifactsDir, "metadata")
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: err}
	}
	if writeErr := writeRunRecord(filepath.Join(metadataDir, "run.json"), record); writeErr != nil {
		return &Error{Stage: task.StageExecute, Retryable: true, Err: writeErr}
	}
	e.emit(r, queue.LevelInfo, "task.container.finished", map[string]any{
		"exitCode": record.ExitCode,
		"timedOut": record.TimedOut,
	})

	if record.TimedOut {
		return &Error{Stage: task.StageExecute, Retryable: true,
			Err: fmt.Errorf("container exceeded timeout of %s", timeout)}
	}
	if record.ExitCode != 0 {
		return &Error{Stage: task.StageExecute, Retryable: true,
			Err: fmt.Errorf("container exited %d", record.ExitCode)}
	}
	return nil
}

// stopContainer asks the daemon to stop the named container after a timeout
// kill. Best-effort: the runner already signalled the client process.
func (e *Executor) stopContainer(ctx context.Context, r *run, logPath string) {
	_, _ = e.Runner.Run(ctx, subproc.Spec{
		Command:     []string{e.Cfg.DockerBinary, "stop", containerName(r.req.JobID)},
		Dir:         r.ws.RepoDir,
		Env:         r.baseEnv,
		LogPath:     logPath,
		WallTimeout: 30 * time.Second,
	})
}

func containerName(jobID string) string {
	return "mm-task-" + jobID
}

// dockerRunArgs assembles the docker invocation. The repository is mounted at
// the worker's configured workdir path and the artifacts subdirectory at
// /artifacts.
func (e *Executor) dockerRunArgs(r *run, spec *task.Container, artifactsDir string) []string {
	args := []string{e.Cfg.DockerBinary, "run", "--rm",
		"--name", containerName(r.req.JobID),
		"--label", "moonmind.jobId=" + r.req.JobID,
		"--label", "moonmind.repository=" + r.req.View.Repository,
		"--pull", spec.Pull,
	}

	repoMount := r.ws.RepoDir
	if e.Cfg.ContainerWorkspaceVolume != "" {
		repoMount = e.Cfg.ContainerWorkspaceVolume
	}
	workspacePath := e.Cfg.Workdir
	if workspacePath == "" {
		workspacePath = "/workspace"
	}
	args = append(args,
		"-v", repoMount+":"+workspacePath,
		"-v", artifactsDir+":/artifacts",
	)
	for _, volume := range spec.CacheVolumes {
		args = append(args, "-v", volume)
	}

	workdir := spec.Workdir
	if workdir == "" {
		workdir = workspacePath
	}
	args = append(args, "-w", workdir)

	if spec.CPULimit != "" {
		args = append(args, "--cpus", spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}

	env := map[string]string{
		"ARTIFACT_DIR": "/artifacts",
		"JOB_ID":       r.req.JobID,
		"REPOSITORY":   r.req.View.Repository,
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func writeRunRecord(path string, record containerRunRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing run record: %w", err)
	}
	return nil
}
