// Package task validates and canonicalizes incoming job payloads, both the
// legacy codex types and the canonical task type, into one view.
package task

import (
	"fmt"
	"regexp"
	"strings"
)

// Job types accepted by the worker.
const (
	TypeTask       = "task"
	TypeCodexExec  = "codex_exec"
	TypeCodexSkill = "codex_skill"
)

// Publish modes.
const (
	PublishNone   = "none"
	PublishBranch = "branch"
	PublishPR     = "pr"
)

// Workdir modes.
const (
	WorkdirFreshClone = "fresh_clone"
	WorkdirReuse      = "reuse"
)

// SkillAuto means no skill: the instruction runs directly.
const SkillAuto = "auto"

// Target runtimes.
const (
	RuntimeCodex  = "codex"
	RuntimeGemini = "gemini"
	RuntimeClaude = "claude"
)

var affinityKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ContractError reports an invalid or unsupported payload. Never retryable.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string {
	return "task contract: " + e.Reason
}

func contractErrorf(format string, args ...any) *ContractError {
	return &ContractError{Reason: fmt.Sprintf(format, args...)}
}

// Skill selects the optional resource bundle an instruction runs under.
type Skill struct {
	ID   string
	Args map[string]any
}

// RuntimeOpts carries per-task or per-step model/effort overrides.
type RuntimeOpts struct {
	Model  string
	Effort string
}

// GitOpts carries the requested branch topology.
type GitOpts struct {
	StartingBranch string
	NewBranch      string
}

// Publish describes how the result leaves the workspace.
type Publish struct {
	Mode          string
	PRBaseBranch  string
	PRTitle       string
	PRBody        string
	CommitMessage string
}

// Auth carries vault references; tokens are never inline.
type Auth struct {
	RepoAuthRef    string
	PublishAuthRef string
}

// Container describes a containerized workload executed instead of an agent
// CLI.
type Container struct {
	Enabled         bool
	Image           string
	Command         []string
	Pull            string
	Workdir         string
	Env             map[string]string
	CacheVolumes    []string
	CPULimit        string
	MemoryLimit     string
	TimeoutSeconds  int
	ArtifactsSubdir string
}

// Step is one unit of a multi-step task.
type Step struct {
	ID           string
	Instructions string
	Skill        Skill
	Runtime      RuntimeOpts
}

// View is the canonical task derived from a job payload.
type View struct {
	JobType              string
	Repository           string
	TargetRuntime        string
	RequiredCapabilities []string
	Auth                 Auth
	Instructions         string
	Skill                Skill
	Runtime              RuntimeOpts
	Git                  GitOpts
	Publish              Publish
	Container            *Container
	Steps                []Step
	WorkdirMode          string
	AffinityKey          string
}

// UsesSkill reports whether the task names a concrete skill anywhere.
func (v *View) UsesSkill() bool {
	if v.Skill.ID != "" && v.Skill.ID != SkillAuto {
		return true
	}
	for _, s := range v.Steps {
		if s.Skill.ID != "" && s.Skill.ID != SkillAuto {
			return true
		}
	}
	return false
}

// ConcreteSkills returns the union of non-auto skill IDs, task-level first.
func (v *View) ConcreteSkills() []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && id != SkillAuto && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(v.Skill.ID)
	for _, s := range v.Steps {
		add(s.Skill.ID)
	}
	return out
}

// Stage names, in execution order.
const (
	StagePrepare = "prepare"
	StageExecute = "execute"
	StagePublish = "publish"
)

// PlannedStage is one entry of the stage plan.
type PlannedStage struct {
	Name string
	// Skipped marks publish as a no-op that still records publish_result.json.
	Skipped bool
}

// StagePlan returns the ordered stages for the task. Publish is always
// present; with mode none it is marked skipped.
func (v *View) StagePlan() []PlannedStage {
	return []PlannedStage{
		{Name: StagePrepare},
		{Name: StageExecute},
		{Name: StagePublish, Skipped: v.Publish.Mode == PublishNone},
	}
}

// Normalize canonicalizes a job payload. It is idempotent: normalizing the
// canonical form of an accepted payload yields the same view.
func Normalize(jobType string, payload map[string]any) (*View, error) {
	var v *View
	var err error
	switch jobType {
	case TypeTask:
		v, err = normalizeCanonical(payload)
	case TypeCodexExec, TypeCodexSkill:
		v, err = normalizeLegacy(jobType, payload)
	default:
		return nil, contractErrorf("unsupported job type %q", jobType)
	}
	if err != nil {
		return nil, err
	}
	if err := validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

func normalizeLegacy(jobType string, payload map[string]any) (*View, error) {
	v := &View{
		JobType:       TypeTask,
		Repository:    firstString(payload, "repository", "repo"),
		TargetRuntime: RuntimeCodex,
		Instructions:  firstString(payload, "instructions", "prompt"),
		Skill:         Skill{ID: SkillAuto},
		WorkdirMode:   stringOr(payload, "workdirMode", WorkdirFreshClone),
		Publish:       Publish{Mode: stringOr(payload, "publishMode", PublishNone)},
		Git: GitOpts{
			StartingBranch: firstString(payload, "startingBranch", "branch"),
			NewBranch:      firstString(payload, "newBranch"),
		},
		AffinityKey: firstString(payload, "affinityKey"),
	}
	v.RequiredCapabilities = stringList(payload, "requiredCapabilities")
	if len(v.RequiredCapabilities) == 0 {
		v.RequiredCapabilities = []string{"codex", "git"}
	}
	if jobType == TypeCodexSkill {
		id := firstString(payload, "skill", "skillId")
		if id == "" {
			return nil, contractErrorf("codex_skill payload missing skill id")
		}
		v.Skill = Skill{ID: id, Args: mapValue(payload, "skillArgs")}
	}
	if ref := firstString(payload, "repoAuthRef"); ref != "" {
		v.Auth.RepoAuthRef = ref
	}
	if ref := firstString(payload, "publishAuthRef"); ref != "" {
		v.Auth.PublishAuthRef = ref
	}
	return v, nil
}

func normalizeCanonical(payload map[string]any) (*View, error) {
	v := &View{
		JobType:              TypeTask,
		Repository:           firstString(payload, "repository"),
		TargetRuntime:        firstString(payload, "targetRuntime"),
		RequiredCapabilities: stringList(payload, "requiredCapabilities"),
		WorkdirMode:          stringOr(payload, "workdirMode", WorkdirFreshClone),
		AffinityKey:          firstString(payload, "affinityKey"),
	}

	if auth := mapValue(payload, "auth"); auth != nil {
		v.Auth.RepoAuthRef = firstString(auth, "repoAuthRef")
		v.Auth.PublishAuthRef = firstString(auth, "publishAuthRef")
	}

	t := mapValue(payload, "task")
	if t == nil {
		t = map[string]any{}
	}
	v.Instructions = firstString(t, "instructions")
	v.Skill = parseSkill(mapValue(t, "skill"))
	if rt := mapValue(t, "runtime"); rt != nil {
		v.Runtime = RuntimeOpts{
			Model:  firstString(rt, "model"),
			Effort: firstString(rt, "effort"),
		}
	}
	if g := mapValue(t, "git"); g != nil {
		v.Git = GitOpts{
			StartingBranch: firstString(g, "startingBranch"),
			NewBranch:      firstString(g, "newBranch"),
		}
	}
	v.Publish = Publish{Mode: PublishNone}
	if p := mapValue(t, "publish"); p != nil {
		v.Publish = Publish{
			Mode:          stringOr(p, "mode", PublishNone),
			PRBaseBranch:  firstString(p, "prBaseBranch"),
			PRTitle:       firstString(p, "prTitle"),
			PRBody:        firstString(p, "prBody"),
			CommitMessage: firstString(p, "commitMessage"),
		}
	}
	if c := mapValue(t, "container"); c != nil {
		v.Container = parseContainer(c)
	}
	if rawSteps, ok := t["steps"].([]any); ok {
		for i, raw := range rawSteps {
			sm, ok := raw.(map[string]any)
			if !ok {
				return nil, contractErrorf("step %d is not an object", i)
			}
			step := Step{
				ID:           firstString(sm, "id"),
				Instructions: firstString(sm, "instructions"),
				Skill:        parseSkill(mapValue(sm, "skill")),
			}
			if rt := mapValue(sm, "runtime"); rt != nil {
				step.Runtime = RuntimeOpts{
					Model:  firstString(rt, "model"),
					Effort: firstString(rt, "effort"),
				}
			}
			v.Steps = append(v.Steps, step)
		}
	}
	return v, nil
}

func parseSkill(m map[string]any) Skill {
	if m == nil {
		return Skill{ID: SkillAuto}
	}
	s := Skill{
		ID:   stringOr(m, "id", SkillAuto),
		Args: mapValue(m, "args"),
	}
	return s
}

func parseContainer(m map[string]any) *Container {
	c := &Container{
		Enabled:         boolValue(m, "enabled"),
		Image:           firstString(m, "image"),
		Pull:            stringOr(m, "pull", "missing"),
		Workdir:         firstString(m, "workdir"),
		CPULimit:        firstString(m, "cpuLimit"),
		MemoryLimit:     firstString(m, "memoryLimit"),
		TimeoutSeconds:  intValue(m, "timeoutSeconds"),
		ArtifactsSubdir: stringOr(m, "artifactsSubdir", "container"),
		CacheVolumes:    stringList(m, "cacheVolumes"),
	}
	if cmd, ok := m["command"].([]any); ok {
		for _, item := range cmd {
			if s, ok := item.(string); ok {
				c.Command = append(c.Command, s)
			}
		}
	}
	if env := mapValue(m, "env"); env != nil {
		c.Env = map[string]string{}
		for k, raw := range env {
			if s, ok := raw.(string); ok {
				c.Env[k] = s
			}
		}
	}
	return c
}

func validate(v *View) error {
	if v.Repository == "" {
		return contractErrorf("missing repository")
	}
	if err := checkRepositoryURL(v.Repository); err != nil {
		return err
	}
	switch v.TargetRuntime {
	case RuntimeCodex, RuntimeGemini, RuntimeClaude:
	default:
		return contractErrorf("invalid targetRuntime %q", v.TargetRuntime)
	}
	if len(v.RequiredCapabilities) == 0 {
		return contractErrorf("requiredCapabilities must be non-empty")
	}
	switch v.Publish.Mode {
	case PublishNone, PublishBranch, PublishPR:
	default:
		return contractErrorf("invalid publish mode %q", v.Publish.Mode)
	}
	switch v.WorkdirMode {
	case WorkdirFreshClone, WorkdirReuse:
	default:
		return contractErrorf("invalid workdirMode %q", v.WorkdirMode)
	}
	containerEnabled := v.Container != nil && v.Container.Enabled
	if containerEnabled && len(v.Steps) > 0 {
		return contractErrorf("container and steps are mutually exclusive")
	}
	if containerEnabled && len(v.Container.Command) == 0 {
		return contractErrorf("container.command must be non-empty")
	}
	if v.Instructions == "" && !containerEnabled && len(v.Steps) == 0 {
		return contractErrorf("missing task instructions")
	}
	seen := map[string]bool{}
	for i, s := range v.Steps {
		if s.ID == "" {
			return contractErrorf("step %d missing id", i)
		}
		if seen[s.ID] {
			return contractErrorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Instructions == "" {
			return contractErrorf("step %q missing instructions", s.ID)
		}
	}
	if v.AffinityKey != "" && !affinityKeyPattern.MatchString(v.AffinityKey) {
		return contractErrorf("invalid affinityKey")
	}
	if err := checkAuthRef(v.Auth.RepoAuthRef); err != nil {
		return err
	}
	return checkAuthRef(v.Auth.PublishAuthRef)
}

// checkRepositoryURL rejects http(s) repository URLs that carry userinfo. The
// failure message never echoes the credential.
func checkRepositoryURL(repo string) error {
	lower := strings.ToLower(repo)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil
	}
	rest := repo[strings.Index(repo, "//")+2:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if strings.Contains(rest, "@") {
		return contractErrorf("repository URL carries embedded credentials")
	}
	return nil
}

func checkAuthRef(ref string) error {
	if ref == "" {
		return nil
	}
	if !strings.HasPrefix(ref, "vault://") {
		return contractErrorf("auth reference must be a vault:// pointer")
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringOr(m map[string]any, key, def string) string {
	if v := firstString(m, key); v != "" {
		return v
	}
	return def
}

func stringList(m map[string]any, key string) []string {
	var out []string
	switch raw := m[key].(type) {
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, raw...)
	}
	return out
}

func mapValue(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func boolValue(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func intValue(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
