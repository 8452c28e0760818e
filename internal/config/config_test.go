package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func lookupFrom(vals map[string]string) func(string) string {
	return func(key string) string { return vals[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"MOONMIND_URL":       "https://queue.example.com/",
		"MOONMIND_WORKER_ID": "w1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "https://queue.example.com" {
		t.Errorf("URL trailing slash kept: %q", cfg.URL)
	}
	if cfg.Runtime != RuntimeCodex {
		t.Errorf("runtime default = %q", cfg.Runtime)
	}
	if cfg.PollIntervalMS != 1500 || cfg.LeaseSeconds != 120 {
		t.Errorf("poll/lease defaults = %d/%d", cfg.PollIntervalMS, cfg.LeaseSeconds)
	}
	if cfg.SelfHeal.StepMaxAttempts != 3 || cfg.SelfHeal.StepNoProgressLimit != 2 || cfg.SelfHeal.JobMaxResets != 1 {
		t.Errorf("self-heal defaults = %+v", cfg.SelfHeal)
	}
	if cfg.KillGraceSeconds != 5 {
		t.Errorf("kill grace default = %d", cfg.KillGraceSeconds)
	}
	if !cfg.EnableLegacyJobs {
		t.Errorf("legacy jobs disabled by default")
	}
	if !filepath.IsAbs(cfg.Workdir) {
		t.Errorf("workdir not absolute: %q", cfg.Workdir)
	}
	if got := cfg.Capabilities; !reflect.DeepEqual(got, []string{"codex", "git"}) {
		t.Errorf("capabilities = %v", got)
	}
}

func TestLoadRequiresURL(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{}))
	if err == nil || !strings.Contains(err.Error(), "MOONMIND_URL") {
		t.Fatalf("want MOONMIND_URL error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		vals    map[string]string
		wantErr string
	}{
		{
			name:    "bad runtime",
			vals:    map[string]string{"MOONMIND_WORKER_RUNTIME": "cursor"},
			wantErr: "MOONMIND_WORKER_RUNTIME",
		},
		{
			name:    "bad skill policy",
			vals:    map[string]string{"MOONMIND_SKILL_POLICY_MODE": "open"},
			wantErr: "MOONMIND_SKILL_POLICY_MODE",
		},
		{
			name:    "bad gemini auth",
			vals:    map[string]string{"MOONMIND_GEMINI_CLI_AUTH_MODE": "magic"},
			wantErr: "MOONMIND_GEMINI_CLI_AUTH_MODE",
		},
		{
			name:    "non-numeric budget",
			vals:    map[string]string{"STEP_MAX_ATTEMPTS": "lots"},
			wantErr: "STEP_MAX_ATTEMPTS",
		},
		{
			name:    "zero budget",
			vals:    map[string]string{"JOB_SELF_HEAL_MAX_RESETS": "0"},
			wantErr: "JOB_SELF_HEAL_MAX_RESETS",
		},
		{
			name:    "lease shorter than heartbeat interval",
			vals:    map[string]string{"MOONMIND_LEASE_SECONDS": "2"},
			wantErr: "MOONMIND_LEASE_SECONDS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals := map[string]string{
				"MOONMIND_URL":       "https://queue.example.com",
				"MOONMIND_WORKER_ID": "w1",
			}
			for k, v := range tt.vals {
				vals[k] = v
			}
			_, err := load(lookupFrom(vals))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadUniversalCapabilities(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"MOONMIND_URL":            "https://q",
		"MOONMIND_WORKER_ID":      "w1",
		"MOONMIND_WORKER_RUNTIME": "universal",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"codex", "gemini", "claude", "git"}
	if !reflect.DeepEqual(cfg.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v", cfg.Capabilities, want)
	}
}

func TestLoadExplicitCapabilitiesAndSkills(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"MOONMIND_URL":                 "https://q",
		"MOONMIND_WORKER_ID":           "w1",
		"MOONMIND_WORKER_CAPABILITIES": "codex, git ,docker",
		"MOONMIND_ALLOWED_SKILLS":      "speckit,review-*",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Capabilities, []string{"codex", "git", "docker"}) {
		t.Errorf("capabilities = %v", cfg.Capabilities)
	}
	if !reflect.DeepEqual(cfg.AllowedSkills, []string{"speckit", "review-*"}) {
		t.Errorf("allowed skills = %v", cfg.AllowedSkills)
	}
}

func TestLoadVaultSettings(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"MOONMIND_URL":                  "https://q",
		"MOONMIND_WORKER_ID":            "w1",
		"MOONMIND_VAULT_ADDR":           "https://vault.example.com/",
		"MOONMIND_VAULT_TOKEN":          "vt-1234",
		"MOONMIND_VAULT_ALLOWED_MOUNTS": "secrets,ci",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vault.Addr != "https://vault.example.com" {
		t.Errorf("vault addr = %q", cfg.Vault.Addr)
	}
	if !reflect.DeepEqual(cfg.Vault.AllowedMounts, []string{"secrets", "ci"}) {
		t.Errorf("allowed mounts = %v", cfg.Vault.AllowedMounts)
	}
	if cfg.Vault.TimeoutSeconds != 10 {
		t.Errorf("vault timeout default = %d", cfg.Vault.TimeoutSeconds)
	}
}

func TestOverrideFor(t *testing.T) {
	cfg := &Config{
		Codex:  RuntimeOverride{Model: "cm"},
		Gemini: RuntimeOverride{Model: "gm"},
		Claude: RuntimeOverride{Model: "am", Effort: "high"},
	}
	if cfg.OverrideFor("claude").Effort != "high" {
		t.Errorf("claude override = %+v", cfg.OverrideFor("claude"))
	}
	if cfg.OverrideFor("codex").Model != "cm" {
		t.Errorf("codex override = %+v", cfg.OverrideFor("codex"))
	}
	if cfg.OverrideFor("other") != (RuntimeOverride{}) {
		t.Errorf("unknown runtime override = %+v", cfg.OverrideFor("other"))
	}
}
