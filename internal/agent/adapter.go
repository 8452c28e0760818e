// Package agent builds command lines for the supported coding-agent CLIs and
// parses their output for usage and summaries.
package agent

import (
	"fmt"

	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/task"
)

// Options is the resolved model/effort pair for one invocation.
type Options struct {
	Model  string
	Effort string
}

// Adapter builds the command line for one agent runtime and adjusts the
// command environment it needs.
type Adapter interface {
	// Name is the runtime identifier (codex, gemini, claude).
	Name() string
	// Binary is the CLI executable the runtime requires on PATH.
	Binary() string
	// BuildCommand assembles the full argv for one instruction.
	BuildCommand(instruction string, opts Options) ([]string, error)
	// ApplyEnv mutates the child environment for this runtime.
	ApplyEnv(env map[string]string) error
	// LoginArgs returns candidate auth-check invocations, tried in order.
	LoginArgs() [][]string
}

// ForRuntime returns the adapter for a target runtime.
func ForRuntime(runtime string, cfg *config.Config) (Adapter, error) {
	switch runtime {
	case task.RuntimeCodex:
		return &codexAdapter{sandboxMode: cfg.CodexSandboxMode}, nil
	case task.RuntimeGemini:
		return &geminiAdapter{
			authMode:   cfg.GeminiAuthMode,
			geminiHome: cfg.GeminiHome,
		}, nil
	case task.RuntimeClaude:
		return &claudeAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q", runtime)
	}
}

// ResolveOptions applies the override precedence: per-step > per-task >
// worker default > unset.
func ResolveOptions(step, taskLevel task.RuntimeOpts, def config.RuntimeOverride) Options {
	opts := Options{Model: def.Model, Effort: def.Effort}
	if taskLevel.Model != "" {
		opts.Model = taskLevel.Model
	}
	if taskLevel.Effort != "" {
		opts.Effort = taskLevel.Effort
	}
	if step.Model != "" {
		opts.Model = step.Model
	}
	if step.Effort != "" {
		opts.Effort = step.Effort
	}
	return opts
}
