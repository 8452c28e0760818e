package worker

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-github/v66/github"

	"github.com/moonmind-dev/moonmind/internal/agent"
	"github.com/moonmind-dev/moonmind/internal/config"
	"github.com/moonmind-dev/moonmind/internal/skills"
)

// Preflight verifies the host can actually run what the worker advertises:
// the git, agent, and skill CLIs exist, the agent CLIs are logged in, the
// embedding profile is usable, and the GitHub token works. Auxiliary services
// (RAG gateway, Qdrant) produce warnings only.
func Preflight(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found on PATH: %w", err)
	}

	for _, capability := range cfg.Capabilities {
		switch capability {
		case "codex", "gemini", "claude":
			if err := checkRuntime(ctx, cfg, log, capability); err != nil {
				return err
			}
		}
	}

	if needsSpeckit(cfg) {
		if _, err := exec.LookPath("speckit"); err != nil {
			return fmt.Errorf("skill support requires the speckit CLI on PATH: %w", err)
		}
	}

	if err := checkEmbeddingProfile(cfg); err != nil {
		return err
	}

	if cfg.GitHubToken != "" {
		if err := checkGitHubToken(ctx, cfg.GitHubToken); err != nil {
			return err
		}
		loginGH(ctx, cfg, log)
	}

	warnAuxiliary(ctx, cfg, log)
	return nil
}

// needsSpeckit reports whether the skill configuration can put speckit on a
// job's path: it is the default skill, or the allowlist admits it.
func needsSpeckit(cfg *config.Config) bool {
	if cfg.DefaultSkill == "speckit" {
		return true
	}
	permissive := cfg.SkillPolicyMode == config.SkillPolicyPermissive
	return skills.Allowed("speckit", cfg.AllowedSkills, permissive)
}

// checkEmbeddingProfile blocks startup when the google embedding profile has
// no usable API key.
func checkEmbeddingProfile(cfg *config.Config) error {
	if cfg.EmbeddingProvider == "google" && !cfg.GoogleAPIKeyPreset {
		return fmt.Errorf("DEFAULT_EMBEDDING_PROVIDER=google requires GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	return nil
}

// checkRuntime confirms the CLI exists and accepts one of its auth-status
// invocations.
func checkRuntime(ctx context.Context, cfg *config.Config, log logr.Logger, runtime string) error {
	adapter, err := agent.ForRuntime(runtime, cfg)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(adapter.Binary()); err != nil {
		return fmt.Errorf("runtime %s: binary %q not found on PATH: %w", runtime, adapter.Binary(), err)
	}

	logins := adapter.LoginArgs()
	if len(logins) == 0 {
		log.Info("Runtime present", "runtime", runtime)
		return nil
	}
	for _, args := range logins {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if err := cmd.Run(); err == nil {
			log.Info("Runtime present and authenticated", "runtime", runtime)
			return nil
		}
	}
	return fmt.Errorf("runtime %s: auth check failed, log the CLI in on this host", runtime)
}

// checkGitHubToken validates the ambient token against the API.
func checkGitHubToken(ctx context.Context, token string) error {
	client := github.NewClient(&http.Client{Timeout: 15 * time.Second}).WithAuthToken(token)
	if _, _, err := client.Users.Get(ctx, ""); err != nil {
		return fmt.Errorf("GITHUB_TOKEN rejected by API: %w", err)
	}
	return nil
}

// loginGH seeds the gh CLI credential store from the ambient token and wires
// gh as the git credential helper. The token env vars are stripped so gh
// reads it from stdin, and failures are warnings: gh is only needed for PR
// publishing.
func loginGH(ctx context.Context, cfg *config.Config, log logr.Logger) {
	if _, err := exec.LookPath("gh"); err != nil {
		log.Info("gh CLI not found, PR publishing unavailable")
		return
	}
	cmd := exec.CommandContext(ctx, "gh", "auth", "login", "--with-token")
	cmd.Stdin = strings.NewReader(cfg.GitHubToken)
	var env []string
	for _, entry := range cmd.Environ() {
		if strings.HasPrefix(entry, "GITHUB_TOKEN=") || strings.HasPrefix(entry, "GH_TOKEN=") {
			continue
		}
		env = append(env, entry)
	}
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		log.Info("gh auth login failed, continuing", "error", err.Error())
		return
	}
	setup := exec.CommandContext(ctx, "gh", "auth", "setup-git")
	setup.Env = env
	if err := setup.Run(); err != nil {
		log.Info("gh auth setup-git failed, continuing", "error", err.Error())
	}
}

// warnAuxiliary probes optional services without failing startup.
func warnAuxiliary(ctx context.Context, cfg *config.Config, log logr.Logger) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	probe := func(name, url string) {
		if url == "" {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			log.Info("Auxiliary service unreachable", "service", name, "error", err.Error())
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Info("Auxiliary service unhealthy", "service", name, "status", resp.StatusCode)
		}
	}
	probe("rag-gateway", healthURL(cfg.RAGGatewayURL, "/health"))
	probe("qdrant", healthURL(cfg.QdrantURL, "/readyz"))
}

func healthURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}
