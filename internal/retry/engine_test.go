package retry

import (
	"testing"

	"opensprint/internal/config"
	"opensprint/internal/taskstore"
)

func testConfig() *config.Config {
	return &config.Config{
		EscalationLadder: map[string][]config.EscalationTier{
			"simple": {
				{Agent: "coder", Model: "claude-sonnet-4"},
				{Agent: "coder", Model: "claude-opus-4"},
			},
			"complex": {
				{Agent: "coder", Model: "claude-sonnet-4"},
				{Agent: "coder", Model: "claude-opus-4"},
			},
		},
		RetryHardCap: 6,
	}
}

func TestDecide_Attempt1UsesBaseAgent(t *testing.T) {
	e := New(testConfig(), nil)
	d := e.Decide("simple", 1, nil)
	if d.Blocked || d.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecide_Attempt2StillBase(t *testing.T) {
	e := New(testConfig(), nil)
	history := []Attempt{{AttemptNumber: 1, Outcome: taskstore.OutcomeTestFailure, Model: "claude-sonnet-4"}}
	d := e.Decide("simple", 2, history)
	if d.Escalated || d.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecide_EscalatesAfterTwoSameTypeFailures(t *testing.T) {
	e := New(testConfig(), nil)
	history := []Attempt{
		{AttemptNumber: 1, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-sonnet-4"},
		{AttemptNumber: 2, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-sonnet-4"},
	}
	d := e.Decide("simple", 3, history)
	if !d.Escalated || d.Model != "claude-opus-4" {
		t.Fatalf("expected escalation to claude-opus-4, got %+v", d)
	}
}

func TestDecide_NoEscalationOnMixedFailureTypes(t *testing.T) {
	e := New(testConfig(), nil)
	history := []Attempt{
		{AttemptNumber: 1, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-sonnet-4"},
		{AttemptNumber: 2, Outcome: taskstore.OutcomeCrash, Agent: "coder", Model: "claude-sonnet-4"},
	}
	d := e.Decide("simple", 3, history)
	if d.Escalated {
		t.Fatalf("should not escalate on differing failure types: %+v", d)
	}
}

func TestDecide_LadderExhaustedStaysAtTop(t *testing.T) {
	e := New(testConfig(), nil)
	history := []Attempt{
		{AttemptNumber: 1, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-opus-4"},
		{AttemptNumber: 2, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-opus-4"},
	}
	d := e.Decide("simple", 3, history)
	if d.Escalated {
		t.Fatalf("should not report escalation once already at top tier: %+v", d)
	}
}

func TestDecide_HardCapBlocks(t *testing.T) {
	e := New(testConfig(), nil)
	var history []Attempt
	for i := 1; i <= 6; i++ {
		history = append(history, Attempt{AttemptNumber: i, Outcome: taskstore.OutcomeTestFailure, Agent: "coder", Model: "claude-sonnet-4"})
	}
	d := e.Decide("simple", 7, history)
	if !d.Blocked {
		t.Fatalf("expected blocked decision after hard cap, got %+v", d)
	}
	if d.BlockReason != string(taskstore.OutcomeTestFailure) {
		t.Fatalf("block reason = %q, want test_failure", d.BlockReason)
	}
}

func TestDecide_SuccessesDoNotCountTowardHardCap(t *testing.T) {
	e := New(testConfig(), nil)
	var history []Attempt
	for i := 1; i <= 10; i++ {
		history = append(history, Attempt{AttemptNumber: i, Outcome: taskstore.OutcomeSuccess, Agent: "coder", Model: "claude-sonnet-4"})
	}
	d := e.Decide("simple", 11, history)
	if d.Blocked {
		t.Fatalf("successes should never trip the hard cap: %+v", d)
	}
}
