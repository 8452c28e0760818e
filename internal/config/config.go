// Package config loads worker configuration from the environment, an
// optional .env file, and an optional YAML settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// Runtime modes accepted by MOONMIND_WORKER_RUNTIME.
const (
	RuntimeCodex     = "codex"
	RuntimeGemini    = "gemini"
	RuntimeClaude    = "claude"
	RuntimeUniversal = "universal"
)

// Skill policy modes accepted by MOONMIND_SKILL_POLICY_MODE.
const (
	SkillPolicyAllowlist  = "allowlist"
	SkillPolicyPermissive = "permissive"
)

// RuntimeOverride carries the worker-level default model and effort for one
// agent runtime.
type RuntimeOverride struct {
	Model  string
	Effort string
}

// Vault configures the vault reference resolver.
type Vault struct {
	Addr           string
	Token          string
	Namespace      string
	AllowedMounts  []string
	TimeoutSeconds int
}

// GitHubApp configures the GitHub App installation-token auth source.
type GitHubApp struct {
	AppID          string
	InstallationID string
	PrivateKeyFile string
}

// SelfHeal carries the attempt and reset budgets.
type SelfHeal struct {
	StepMaxAttempts     int
	StepTimeoutSeconds  int
	StepIdleTimeoutSecs int
	StepNoProgressLimit int
	JobMaxResets        int
}

// Config is the full worker configuration.
type Config struct {
	URL            string
	WorkerID       string
	WorkerToken    string
	PollIntervalMS int
	LeaseSeconds   int
	Workdir        string

	Runtime          string
	Capabilities     []string
	EnableLegacyJobs bool

	AllowedSkills   []string
	DefaultSkill    string
	SkillPolicyMode string

	Codex            RuntimeOverride
	Gemini           RuntimeOverride
	Claude           RuntimeOverride
	CodexSandboxMode string
	GeminiAuthMode   string
	GeminiHome       string

	Vault     Vault
	GitHubApp GitHubApp
	SelfHeal  SelfHeal

	DockerBinary             string
	ContainerWorkspaceVolume string
	ContainerTimeoutSeconds  int

	GitUserName  string
	GitUserEmail string
	GitHubToken  string

	KillGraceSeconds int

	MetricsAddr        string
	JanitorSchedule    string
	WorkspaceTTLHours  int
	TelemetryAPIKey    string
	TelemetryEndpoint  string
	SlackWebhookURL    string
	EmbeddingProvider  string
	RAGGatewayURL      string
	QdrantURL          string
	GoogleAPIKeyPreset bool
}

// Load builds the configuration. When yamlPath is non-empty the file supplies
// defaults for unset environment variables; the environment always wins. A
// .env file in the working directory is loaded first when present.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	fileVals := map[string]string{}
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileVals); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileVals[key]
	}

	return load(lookup)
}

func load(lookup func(string) string) (*Config, error) {
	cfg := &Config{
		URL:              strings.TrimRight(lookup("MOONMIND_URL"), "/"),
		WorkerID:         lookup("MOONMIND_WORKER_ID"),
		WorkerToken:      lookup("MOONMIND_WORKER_TOKEN"),
		Workdir:          withDefault(lookup("MOONMIND_WORKDIR"), "var/worker"),
		Runtime:          withDefault(lookup("MOONMIND_WORKER_RUNTIME"), RuntimeCodex),
		DefaultSkill:     withDefault(lookup("MOONMIND_DEFAULT_SKILL"), "speckit"),
		SkillPolicyMode:  withDefault(lookup("MOONMIND_SKILL_POLICY_MODE"), SkillPolicyAllowlist),
		CodexSandboxMode: withDefault(lookup("MOONMIND_CODEX_SANDBOX_MODE"), "workspace-write"),
		GeminiAuthMode:   withDefault(lookup("MOONMIND_GEMINI_CLI_AUTH_MODE"), "api_key"),
		GeminiHome:       lookup("GEMINI_HOME"),
		DockerBinary:     withDefault(lookup("MOONMIND_DOCKER_BINARY"), "docker"),
		GitUserName:      withDefault(lookup("MOONMIND_GIT_USER_NAME"), "MoonMind Worker"),
		GitUserEmail:     withDefault(lookup("MOONMIND_GIT_USER_EMAIL"), "worker@moonmind.local"),
		GitHubToken:      lookup("GITHUB_TOKEN"),
		MetricsAddr:      withDefault(lookup("MOONMIND_METRICS_ADDR"), ":9090"),
		JanitorSchedule:  withDefault(lookup("MOONMIND_JANITOR_SCHEDULE"), "@hourly"),
		TelemetryAPIKey:  lookup("MOONMIND_TELEMETRY_API_KEY"),
		TelemetryEndpoint: withDefault(lookup("MOONMIND_TELEMETRY_ENDPOINT"),
			"https://us.i.posthog.com"),
		SlackWebhookURL:   lookup("MOONMIND_SLACK_WEBHOOK_URL"),
		EmbeddingProvider: lookup("DEFAULT_EMBEDDING_PROVIDER"),
		RAGGatewayURL:     lookup("MOONMIND_RAG_GATEWAY_URL"),
		QdrantURL:         lookup("MOONMIND_QDRANT_URL"),
		Codex: RuntimeOverride{
			Model:  lookup("MOONMIND_CODEX_MODEL"),
			Effort: lookup("MOONMIND_CODEX_EFFORT"),
		},
		Gemini: RuntimeOverride{
			Model:  lookup("MOONMIND_GEMINI_MODEL"),
			Effort: lookup("MOONMIND_GEMINI_EFFORT"),
		},
		Claude: RuntimeOverride{
			Model:  lookup("MOONMIND_CLAUDE_MODEL"),
			Effort: lookup("MOONMIND_CLAUDE_EFFORT"),
		},
		GitHubApp: GitHubApp{
			AppID:          lookup("MOONMIND_GITHUB_APP_ID"),
			InstallationID: lookup("MOONMIND_GITHUB_APP_INSTALLATION_ID"),
			PrivateKeyFile: lookup("MOONMIND_GITHUB_APP_PRIVATE_KEY_FILE"),
		},
		GoogleAPIKeyPreset: lookup("GOOGLE_API_KEY") != "" || lookup("GEMINI_API_KEY") != "",
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("MOONMIND_URL is required")
	}

	switch cfg.Runtime {
	case RuntimeCodex, RuntimeGemini, RuntimeClaude, RuntimeUniversal:
	default:
		return nil, fmt.Errorf("invalid MOONMIND_WORKER_RUNTIME %q", cfg.Runtime)
	}

	switch cfg.SkillPolicyMode {
	case SkillPolicyAllowlist, SkillPolicyPermissive:
	default:
		return nil, fmt.Errorf("invalid MOONMIND_SKILL_POLICY_MODE %q", cfg.SkillPolicyMode)
	}

	switch cfg.GeminiAuthMode {
	case "api_key", "oauth":
	default:
		return nil, fmt.Errorf("invalid MOONMIND_GEMINI_CLI_AUTH_MODE %q", cfg.GeminiAuthMode)
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return nil, fmt.Errorf("MOONMIND_WORKER_ID is unset and hostname lookup failed: %w", err)
		}
		cfg.WorkerID = host
	}

	var err error
	if cfg.PollIntervalMS, err = intVar(lookup, "MOONMIND_POLL_INTERVAL_MS", 1500); err != nil {
		return nil, err
	}
	if cfg.LeaseSeconds, err = intVar(lookup, "MOONMIND_LEASE_SECONDS", 120); err != nil {
		return nil, err
	}
	// The heartbeat renews at a third of the lease; shorter leases would tick
	// at zero.
	if cfg.LeaseSeconds < 3 {
		return nil, fmt.Errorf("MOONMIND_LEASE_SECONDS must be >= 3, got %d", cfg.LeaseSeconds)
	}
	if cfg.ContainerTimeoutSeconds, err = intVar(lookup, "MOONMIND_CONTAINER_TIMEOUT_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.KillGraceSeconds, err = intVar(lookup, "MOONMIND_KILL_GRACE_SECONDS", 5); err != nil {
		return nil, err
	}
	if cfg.WorkspaceTTLHours, err = intVar(lookup, "MOONMIND_WORKSPACE_TTL_HOURS", 72); err != nil {
		return nil, err
	}
	if cfg.SelfHeal.StepMaxAttempts, err = intVar(lookup, "STEP_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.SelfHeal.StepTimeoutSeconds, err = intVar(lookup, "STEP_TIMEOUT_SECONDS", 900); err != nil {
		return nil, err
	}
	if cfg.SelfHeal.StepIdleTimeoutSecs, err = intVar(lookup, "STEP_IDLE_TIMEOUT_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.SelfHeal.StepNoProgressLimit, err = intVar(lookup, "STEP_NO_PROGRESS_LIMIT", 2); err != nil {
		return nil, err
	}
	if cfg.SelfHeal.JobMaxResets, err = intVar(lookup, "JOB_SELF_HEAL_MAX_RESETS", 1); err != nil {
		return nil, err
	}
	for name, v := range map[string]int{
		"STEP_MAX_ATTEMPTS":         cfg.SelfHeal.StepMaxAttempts,
		"STEP_TIMEOUT_SECONDS":      cfg.SelfHeal.StepTimeoutSeconds,
		"STEP_IDLE_TIMEOUT_SECONDS": cfg.SelfHeal.StepIdleTimeoutSecs,
		"STEP_NO_PROGRESS_LIMIT":    cfg.SelfHeal.StepNoProgressLimit,
		"JOB_SELF_HEAL_MAX_RESETS":  cfg.SelfHeal.JobMaxResets,
	} {
		if v < 1 {
			return nil, fmt.Errorf("%s must be >= 1, got %d", name, v)
		}
	}

	if cfg.EnableLegacyJobs, err = boolVar(lookup, "MOONMIND_ENABLE_LEGACY_JOB_TYPES", true); err != nil {
		return nil, err
	}

	cfg.Capabilities = splitList(lookup("MOONMIND_WORKER_CAPABILITIES"))
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = capabilitiesForRuntime(cfg.Runtime)
	}
	cfg.AllowedSkills = splitList(lookup("MOONMIND_ALLOWED_SKILLS"))

	cfg.Vault = Vault{
		Addr:          strings.TrimRight(lookup("MOONMIND_VAULT_ADDR"), "/"),
		Token:         lookup("MOONMIND_VAULT_TOKEN"),
		Namespace:     lookup("MOONMIND_VAULT_NAMESPACE"),
		AllowedMounts: splitList(lookup("MOONMIND_VAULT_ALLOWED_MOUNTS")),
	}
	if cfg.Vault.TimeoutSeconds, err = intVar(lookup, "MOONMIND_VAULT_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.Vault.Token == "" {
		if file := lookup("MOONMIND_VAULT_TOKEN_FILE"); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("reading vault token file: %w", err)
			}
			cfg.Vault.Token = strings.TrimSpace(string(data))
		}
	}

	cfg.ContainerWorkspaceVolume = lookup("MOONMIND_CONTAINER_WORKSPACE_VOLUME")

	// Relative workdirs are anchored to the process CWD once, at startup.
	if !filepath.IsAbs(cfg.Workdir) {
		abs, err := filepath.Abs(cfg.Workdir)
		if err != nil {
			return nil, fmt.Errorf("resolving workdir: %w", err)
		}
		cfg.Workdir = abs
	}

	return cfg, nil
}

// OverrideFor returns the worker-level model/effort defaults for a runtime.
func (c *Config) OverrideFor(runtime string) RuntimeOverride {
	switch runtime {
	case RuntimeCodex:
		return c.Codex
	case RuntimeGemini:
		return c.Gemini
	case RuntimeClaude:
		return c.Claude
	}
	return RuntimeOverride{}
}

func capabilitiesForRuntime(runtime string) []string {
	switch runtime {
	case RuntimeUniversal:
		return []string{"codex", "gemini", "claude", "git"}
	default:
		return []string{runtime, "git"}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intVar(lookup func(string) string, key string, def int) (int, error) {
	v := lookup(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func boolVar(lookup func(string) string, key string, def bool) (bool, error) {
	v := lookup(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}
