package agent

import (
	"fmt"
	"os"
)

type geminiAdapter struct {
	authMode   string
	geminiHome string
}

func (a *geminiAdapter) Name() string   { return "gemini" }
func (a *geminiAdapter) Binary() string { return "gemini" }

func (a *geminiAdapter) BuildCommand(instruction string, opts Options) ([]string, error) {
	args := []string{"gemini", "--prompt", instruction, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	return args, nil
}

// ApplyEnv resolves the auth mode each call. In oauth mode the API keys are
// stripped so the CLI cannot silently fall back to key auth, and GEMINI_HOME
// must point at a writable directory holding the oauth cache.
func (a *geminiAdapter) ApplyEnv(env map[string]string) error {
	switch a.authMode {
	case "oauth":
		if a.geminiHome == "" {
			return fmt.Errorf("gemini oauth mode requires GEMINI_HOME")
		}
		info, err := os.Stat(a.geminiHome)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("GEMINI_HOME %q is not a directory", a.geminiHome)
		}
		delete(env, "GEMINI_API_KEY")
		delete(env, "GOOGLE_API_KEY")
		env["GEMINI_HOME"] = a.geminiHome
		return nil
	default: // api_key
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key != "" {
			env["GEMINI_API_KEY"] = key
		}
		return nil
	}
}

func (a *geminiAdapter) LoginArgs() [][]string { return nil }
