// Package selfheal decides whether and how a failed step is retried within
// the same claimed job: attempt budgets, failure classification, no-progress
// detection, and reset-strategy selection.
package selfheal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moonmind-dev/moonmind/internal/redact"
)

// Failure classes. The class determines retry eligibility.
const (
	ClassTransientRuntime      = "TRANSIENT_RUNTIME"
	ClassStuckNoProgress       = "STUCK_NO_PROGRESS"
	ClassDeterministicContract = "DETERMINISTIC_CONTRACT"
	ClassDeterministicPolicy   = "DETERMINISTIC_POLICY"
	ClassDeterministicRepo     = "DETERMINISTIC_REPO"
)

// Strategies for the next attempt.
const (
	StrategyNone            = "NONE"
	StrategySoftReset       = "SOFT_RESET"
	StrategyHardReset       = "HARD_RESET"
	StrategyQueueRetry      = "QUEUE_RETRY"
	StrategyOperatorRequest = "OPERATOR_REQUEST"
)

// Budget kinds reported by BudgetError.
const (
	BudgetAttempts   = "attempts"
	BudgetHardResets = "hard_resets"
)

// BudgetError reports an exhausted attempt or hard-reset budget.
type BudgetError struct {
	Kind  string
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s budget of %d exhausted", e.Kind, e.Limit)
}

// Budgets carries the env-driven limits, all >= 1.
type Budgets struct {
	StepMaxAttempts     int
	StepNoProgressLimit int
	JobMaxResets        int
}

// Failure describes one failed step attempt.
type Failure struct {
	StepID   string
	SkillID  string
	ExitCode int
	Hint     string
	Message  string
}

// StepState is the per-step self-heal bookkeeping.
type StepState struct {
	StepID                string
	StepIndex             int
	Attempts              int
	ConsecutiveNoProgress int
	LastFailureSignature  string
	LastDiffHash          string
}

// Decision is the controller's verdict on a failed attempt.
type Decision struct {
	Class     string
	Strategy  string
	Signature string
	// Err carries a BudgetError when a budget was exhausted by this attempt.
	Err error
}

// Retryable reports whether the worker should run another attempt itself.
func (d Decision) Retryable() bool {
	return d.Err == nil &&
		(d.Strategy == StrategySoftReset || d.Strategy == StrategyHardReset)
}

// Controller tracks self-heal state for one claimed job.
type Controller struct {
	budgets  Budgets
	redactor *redact.Redactor

	steps          map[string]*StepState
	resetsConsumed int
}

// NewController builds a per-job controller.
func NewController(budgets Budgets, r *redact.Redactor) *Controller {
	return &Controller{
		budgets:  budgets,
		redactor: r,
		steps:    make(map[string]*StepState),
	}
}

// ResetsConsumed reports how many hard resets the job has used.
func (c *Controller) ResetsConsumed() int { return c.resetsConsumed }

// State returns the bookkeeping for a step, creating it on first use.
func (c *Controller) State(stepID string, stepIndex int) *StepState {
	st, ok := c.steps[stepID]
	if !ok {
		st = &StepState{StepID: stepID, StepIndex: stepIndex}
		c.steps[stepID] = st
	}
	return st
}

// OnFailure records a failed attempt and selects the strategy for the next
// one. diffHash is the SHA-256 of the current `git diff` output.
func (c *Controller) OnFailure(stepID string, stepIndex int, f Failure, diffHash string) Decision {
	st := c.State(stepID, stepIndex)
	sig := Signature(c.redactor, f)

	if st.Attempts > 0 && sig == st.LastFailureSignature && diffHash == st.LastDiffHash {
		st.ConsecutiveNoProgress++
	} else {
		st.ConsecutiveNoProgress = 0
	}
	st.LastFailureSignature = sig
	st.LastDiffHash = diffHash

	st.Attempts++
	if st.Attempts >= c.budgets.StepMaxAttempts {
		return Decision{
			Class:     c.classify(f, st),
			Strategy:  StrategyQueueRetry,
			Signature: sig,
			Err:       &BudgetError{Kind: BudgetAttempts, Limit: c.budgets.StepMaxAttempts},
		}
	}

	class := c.classify(f, st)
	switch class {
	case ClassDeterministicContract, ClassDeterministicPolicy, ClassDeterministicRepo:
		return Decision{Class: class, Strategy: StrategyOperatorRequest, Signature: sig}
	case ClassStuckNoProgress:
		if err := c.consumeReset(); err != nil {
			return Decision{Class: class, Strategy: StrategyQueueRetry, Signature: sig, Err: err}
		}
		return Decision{Class: class, Strategy: StrategyHardReset, Signature: sig}
	default:
		return Decision{Class: class, Strategy: StrategySoftReset, Signature: sig}
	}
}

// EscalateToHardReset is invoked when a soft reset itself failed; it consumes
// a reset slot or surrenders.
func (c *Controller) EscalateToHardReset() (string, error) {
	if err := c.consumeReset(); err != nil {
		return StrategyQueueRetry, err
	}
	return StrategyHardReset, nil
}

func (c *Controller) consumeReset() error {
	if c.resetsConsumed >= c.budgets.JobMaxResets {
		return &BudgetError{Kind: BudgetHardResets, Limit: c.budgets.JobMaxResets}
	}
	c.resetsConsumed++
	return nil
}

func (c *Controller) classify(f Failure, st *StepState) string {
	if st.ConsecutiveNoProgress >= c.budgets.StepNoProgressLimit {
		return ClassStuckNoProgress
	}
	return Classify(f)
}

// Deterministic repo failures; retrying the same workspace cannot help.
var repoPatterns = []string{
	"merge conflict",
	"conflict",
	"unknown revision",
	"couldn't find remote ref",
	"not a git repository",
	"refusing to merge unrelated histories",
	"pathspec",
}

// Transient tooling failures worth a retry.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"temporary failure",
	"timed out",
	"timeout",
	"tls handshake",
	"rate limit",
	"too many requests",
	"out of memory",
	"killed",
	"service unavailable",
	"502",
	"503",
}

// Classify assigns a failure class from the attempt's hint, exit code and
// message.
func Classify(f Failure) string {
	switch f.Hint {
	case "contract":
		return ClassDeterministicContract
	case "policy":
		return ClassDeterministicPolicy
	case "wall_timeout", "idle_timeout":
		return ClassTransientRuntime
	}

	msg := strings.ToLower(f.Message)
	for _, p := range repoPatterns {
		if strings.Contains(msg, p) {
			return ClassDeterministicRepo
		}
	}
	// 137 = SIGKILL, typically the OOM killer.
	if f.ExitCode == 137 {
		return ClassTransientRuntime
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransientRuntime
		}
	}
	return ClassTransientRuntime
}

// Signature fingerprints a failure: SHA-256 of the redacted, lowercased,
// whitespace-collapsed stepID|skillID|exitCode|hint|message tuple.
func Signature(r *redact.Redactor, f Failure) string {
	raw := fmt.Sprintf("%s|%s|%d|%s|%s", f.StepID, f.SkillID, f.ExitCode, f.Hint, f.Message)
	if r != nil {
		raw = r.Scrub(raw)
	}
	raw = strings.ToLower(strings.Join(strings.Fields(raw), " "))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DiffHash fingerprints the working tree state after a failed attempt.
func DiffHash(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}
