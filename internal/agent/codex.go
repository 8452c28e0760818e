package agent

import "fmt"

// Sandbox modes accepted by the codex CLI.
var codexSandboxModes = map[string]bool{
	"read-only":          true,
	"workspace-write":    true,
	"danger-full-access": true,
}

// Known model aliases; marketing names normalize to CLI names before command
// assembly.
var codexModelAliases = map[string]string{
	"gpt-5.3-codex-spark": "gpt-5-codex",
}

var codexEffortAliases = map[string]string{
	"xhigh": "high",
}

type codexAdapter struct {
	sandboxMode string
}

func (a *codexAdapter) Name() string   { return "codex" }
func (a *codexAdapter) Binary() string { return "codex" }

func (a *codexAdapter) BuildCommand(instruction string, opts Options) ([]string, error) {
	sandbox := a.sandboxMode
	if sandbox == "" {
		sandbox = "workspace-write"
	}
	if !codexSandboxModes[sandbox] {
		return nil, fmt.Errorf("invalid codex sandbox mode %q", sandbox)
	}

	args := []string{"codex", "exec", "--sandbox", sandbox}
	if model := normalizeAlias(opts.Model, codexModelAliases); model != "" {
		args = append(args, "--model", model)
	}
	if effort := normalizeAlias(opts.Effort, codexEffortAliases); effort != "" {
		args = append(args, "--config", fmt.Sprintf("model_reasoning_effort=%q", effort))
	}
	return append(args, instruction), nil
}

func (a *codexAdapter) ApplyEnv(env map[string]string) error { return nil }

func (a *codexAdapter) LoginArgs() [][]string {
	return [][]string{{"codex", "login", "status"}}
}

func normalizeAlias(v string, aliases map[string]string) string {
	if mapped, ok := aliases[v]; ok {
		return mapped
	}
	return v
}
