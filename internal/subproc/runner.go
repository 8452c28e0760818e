// Package subproc launches and supervises long-running subprocesses with
// streamed, redacted output, wall-clock and idle timeouts, and cooperative
// cancellation.
package subproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

// Stream names passed to the chunk callback.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

const readBufSize = 32 * 1024

// ErrCancelled reports that the subprocess was killed by the shared cancel
// signal.
var ErrCancelled = errors.New("command cancelled")

// TimeoutError reports a wall-clock or idle timeout breach.
type TimeoutError struct {
	Kind  string // "wall" or "idle"
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command exceeded %s timeout of %s", e.Kind, e.Limit)
}

// ExitError reports a non-zero exit when Spec.Check is set. LastStderrLine is
// already redacted.
type ExitError struct {
	Command        []string
	ExitCode       int
	LastStderrLine string
}

func (e *ExitError) Error() string {
	if e.LastStderrLine != "" {
		return fmt.Sprintf("command %s exited %d: %s", e.Command[0], e.ExitCode, e.LastStderrLine)
	}
	return fmt.Sprintf("command %s exited %d", e.Command[0], e.ExitCode)
}

// Spec describes one supervised subprocess invocation. The child receives
// exactly the environment in Env, never the parent's.
type Spec struct {
	Command []string
	Dir     string
	Env     map[string]string

	// LogPath, when set, receives every redacted chunk as an append.
	LogPath string

	WallTimeout time.Duration
	IdleTimeout time.Duration

	// Cancel is the shared cooperative cancellation signal.
	Cancel <-chan struct{}

	// OnChunk, when set, receives each redacted chunk for live-log emission.
	OnChunk func(stream, chunk string)

	// Check turns a non-zero exit into an ExitError.
	Check bool
}

// Result is the outcome of a completed subprocess call. Stdout and Stderr are
// redacted.
type Result struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes Specs. KillGrace is the SIGTERM-to-SIGKILL window.
type Runner struct {
	Redactor  *redact.Redactor
	KillGrace time.Duration
}

// NewRunner builds a Runner.
func NewRunner(r *redact.Redactor, killGrace time.Duration) *Runner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Runner{Redactor: r, KillGrace: killGrace}
}

// Run launches the subprocess and supervises it until exit, timeout, or
// cancellation.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = envSlice(spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	var logFile *os.File
	var logMu sync.Mutex
	if spec.LogPath != "" {
		logFile, err = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command[0], err)
	}

	activity := make(chan struct{}, 1)
	var outBuf, errBuf strings.Builder
	var bufMu sync.Mutex

	sink := func(stream string, buf *strings.Builder) func(chunk string) {
		return func(chunk string) {
			bufMu.Lock()
			buf.WriteString(chunk)
			bufMu.Unlock()
			if logFile != nil {
				logMu.Lock()
				_, _ = logFile.WriteString(chunk)
				logMu.Unlock()
			}
			if spec.OnChunk != nil {
				spec.OnChunk(stream, chunk)
			}
			select {
			case activity <- struct{}{}:
			default:
			}
		}
	}

	var eg errgroup.Group
	eg.Go(func() error { return r.drain(stdout, sink(StreamStdout, &outBuf)) })
	eg.Go(func() error { return r.drain(stderr, sink(StreamStderr, &errBuf)) })

	readersDone := make(chan error, 1)
	go func() { readersDone <- eg.Wait() }()

	wall := newTimer(spec.WallTimeout)
	defer wall.Stop()
	idle := newTimer(spec.IdleTimeout)
	defer idle.Stop()

	var supervisionErr error
loop:
	for {
		select {
		case <-readersDone:
			break loop
		case <-activity:
			idle.Reset(spec.IdleTimeout)
		case <-wall.C():
			supervisionErr = &TimeoutError{Kind: "wall", Limit: spec.WallTimeout}
			r.terminate(cmd, readersDone)
			break loop
		case <-idle.C():
			supervisionErr = &TimeoutError{Kind: "idle", Limit: spec.IdleTimeout}
			r.terminate(cmd, readersDone)
			break loop
		case <-spec.Cancel:
			supervisionErr = ErrCancelled
			r.terminate(cmd, readersDone)
			break loop
		case <-ctx.Done():
			supervisionErr = ErrCancelled
			r.terminate(cmd, readersDone)
			break loop
		}
	}

	waitErr := cmd.Wait()
	if supervisionErr != nil {
		return nil, supervisionErr
	}

	result := &Result{
		Command:  spec.Command,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: exitCode(waitErr),
	}
	if waitErr != nil && result.ExitCode == 0 {
		return nil, fmt.Errorf("waiting for %s: %w", spec.Command[0], waitErr)
	}

	if spec.Check && result.ExitCode != 0 {
		return result, &ExitError{
			Command:        spec.Command,
			ExitCode:       result.ExitCode,
			LastStderrLine: lastLine(result.Stderr),
		}
	}
	return result, nil
}

// drain reads one pipe to EOF, decoding to valid UTF-8 and redacting each
// chunk. A tail at least as long as the longest registered secret is carried
// between reads so a secret split across chunk boundaries still scrubs.
func (r *Runner) drain(pipe io.Reader, emit func(chunk string)) error {
	buf := make([]byte, readBufSize)
	var pending []byte

	flush := func(final bool) {
		hold := 0
		if !final && r.Redactor != nil {
			if max := r.Redactor.MaxSecretLen(); max > 1 {
				hold = max - 1
			}
		}
		if len(pending) <= hold {
			return
		}
		out := pending[:len(pending)-hold]
		rest := append([]byte(nil), pending[len(pending)-hold:]...)
		chunk := strings.ToValidUTF8(string(out), "�")
		if r.Redactor != nil {
			chunk = r.Redactor.Scrub(chunk)
		}
		if chunk != "" {
			emit(chunk)
		}
		pending = rest
	}

	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			flush(false)
		}
		if err == io.EOF {
			flush(true)
			return nil
		}
		if err != nil {
			flush(true)
			// Pipe errors on kill are expected; the supervisor decides.
			return nil
		}
	}
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs. It
// returns once the reader goroutines have joined.
func (r *Runner) terminate(cmd *exec.Cmd, readersDone <-chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-readersDone:
		return
	case <-time.After(r.KillGrace):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-readersDone
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(waitErr, &exit) {
		if status, ok := exit.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exit.ExitCode()
	}
	return 0
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// timer wraps time.Timer so a zero duration means "never fires".
type timer struct {
	t *time.Timer
}

func newTimer(d time.Duration) *timer {
	if d <= 0 {
		return &timer{}
	}
	return &timer{t: time.NewTimer(d)}
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t *timer) Reset(d time.Duration) {
	if t.t == nil || d <= 0 {
		return
	}
	if !t.t.Stop() {
		select {
		case <-t.t.C:
		default:
		}
	}
	t.t.Reset(d)
}

func (t *timer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
