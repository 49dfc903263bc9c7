// Package retry implements the Retry Engine (§4.5): a pure decision
// function over a task's attempt history that picks the next agent to
// run, escalates to a stronger model on repeated failures of the same
// kind, and eventually blocks the task. Grounded on the teacher's
// internal/runner/orchestrator.go retry-count tracking
// (TaskMaxRetries/RetryCount), generalized from a flat retry counter
// into the spec's escalation-ladder-aware decision.
package retry

import (
	"log/slog"

	"opensprint/internal/config"
	"opensprint/internal/taskstore"
)

// Attempt is one historical attempt at a task, as recorded by the
// Orchestrator after each agent invocation.
type Attempt struct {
	AttemptNumber int
	Outcome       taskstore.AgentOutcome
	Agent         string
	Model         string
}

// Decision is what the engine returns: either an agent/model to run
// next, or Block with a reason.
type Decision struct {
	Blocked      bool
	BlockReason  string
	Agent        string
	Model        string
	Escalated    bool
	EscalatedFrom string
}

// Engine picks the next agent for a task attempt. It holds no mutable
// state of its own; Decide is a pure function of its arguments plus the
// injected Config (escalation ladder, hard cap).
type Engine struct {
	Config *config.Config
	Logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Config: cfg, Logger: logger}
}

// isTerminalFailure reports whether an AgentOutcome counts as a failed
// attempt for escalation/hard-cap purposes. success is never a failure;
// an unset outcome (cancellation, §4.4) is never counted either, since
// the Orchestrator never persisted an attempt for it.
func isTerminalFailure(o taskstore.AgentOutcome) bool {
	switch o {
	case taskstore.OutcomeSuccess, "":
		return false
	default:
		return true
	}
}

// Decide implements §4.5's algorithm. complexityClass is the task's
// complexity mapped to an escalation-ladder key ("simple"/"complex").
func (e *Engine) Decide(complexityClass string, attemptNumber int, history []Attempt) Decision {
	ladder := e.Config.EscalationLadder[complexityClass]
	base := baseAgent(ladder)

	failureCount := 0
	for _, a := range history {
		if isTerminalFailure(a.Outcome) {
			failureCount++
		}
	}

	hardCap := e.Config.RetryHardCap
	if hardCap <= 0 {
		hardCap = 6
	}
	if failureCount >= hardCap {
		reason := "retry_hard_cap_exceeded"
		if len(history) > 0 {
			reason = string(history[len(history)-1].Outcome)
		}
		return Decision{Blocked: true, BlockReason: reason}
	}

	if attemptNumber <= 2 || len(ladder) == 0 {
		return Decision{Agent: base.Agent, Model: base.Model}
	}

	sameTypeCount := trailingSameTypeCount(history)
	if sameTypeCount >= 2 && isEscalationCapable(base) {
		if next, ok := nextTier(ladder, history); ok {
			e.Logger.Info("escalating agent tier",
				"from", currentModel(ladder, history),
				"to", next.Model,
				"sameTypeCount", sameTypeCount)
			return Decision{Agent: next.Agent, Model: next.Model, Escalated: true, EscalatedFrom: currentModel(ladder, history)}
		}
	}

	return Decision{Agent: base.Agent, Model: base.Model}
}

// isEscalationCapable reports whether the given base agent belongs to
// the family the ladder can step through. "coder" is the only
// escalation-capable family in the default ladder (§4.5); a reviewer or
// merger agent stays on its fixed tier regardless of failure streaks.
func isEscalationCapable(base config.EscalationTier) bool {
	return base.Agent == "coder"
}

func baseAgent(ladder []config.EscalationTier) config.EscalationTier {
	if len(ladder) == 0 {
		return config.EscalationTier{}
	}
	return ladder[0]
}

// trailingSameTypeCount counts the consecutive trailing attempts (most
// recent first) that share the same failure outcome.
func trailingSameTypeCount(history []Attempt) int {
	if len(history) == 0 {
		return 0
	}
	last := history[len(history)-1]
	if !isTerminalFailure(last.Outcome) {
		return 0
	}
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Outcome != last.Outcome {
			break
		}
		count++
	}
	return count
}

// currentModel returns the model of the most recent attempt, or the
// ladder's base model if there's no history yet.
func currentModel(ladder []config.EscalationTier, history []Attempt) string {
	if len(history) > 0 {
		return history[len(history)-1].Model
	}
	return baseAgent(ladder).Model
}

// nextTier finds the ladder entry one rung above the most recently used
// model, returning ok=false once the ladder is exhausted.
func nextTier(ladder []config.EscalationTier, history []Attempt) (config.EscalationTier, bool) {
	cur := currentModel(ladder, history)
	for i, tier := range ladder {
		if tier.Model == cur && i+1 < len(ladder) {
			return ladder[i+1], true
		}
	}
	if len(ladder) > 1 {
		return ladder[len(ladder)-1], ladder[len(ladder)-1].Model != cur
	}
	return config.EscalationTier{}, false
}
