package agentrunner

import (
	"encoding/json"
	"os"
	"path/filepath"

	"opensprint/internal/taskstore"
)

// OpenQuestion is one entry of a coding result's open_questions (§6.3).
type OpenQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CodingResult is result.json's shape for phase=coding (§6.3).
type CodingResult struct {
	Status        string         `json:"status"`
	Summary       string         `json:"summary"`
	OpenQuestions []OpenQuestion `json:"open_questions,omitempty"`
}

// ReviewResult is result.json's shape for phase=review (§6.3).
type ReviewResult struct {
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// MergerResult is merge-result.json's shape (§4.6).
type MergerResult struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// ReadCodingResult reads and parses active/<taskId>/result.json for the
// coding phase. A missing or malformed file is reported via ok=false, so
// callers map it to outcome no_result (§4.4, §9's tagged-variant
// redesign note) rather than propagating a parse error.
func ReadCodingResult(activeDir string) (CodingResult, bool) {
	var r CodingResult
	data, err := os.ReadFile(filepath.Join(activeDir, "result.json"))
	if err != nil {
		return r, false
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false
	}
	if r.Status != "success" && r.Status != "failed" {
		return r, false
	}
	return r, true
}

// ReadReviewResult reads and parses active/<taskId>/result.json for the
// review phase.
func ReadReviewResult(activeDir string) (ReviewResult, bool) {
	var r ReviewResult
	data, err := os.ReadFile(filepath.Join(activeDir, "result.json"))
	if err != nil {
		return r, false
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false
	}
	if r.Status != "approved" && r.Status != "rejected" {
		return r, false
	}
	return r, true
}

// ReadMergerResult reads and parses merge-result.json (§4.6).
func ReadMergerResult(dir string) (MergerResult, bool) {
	var r MergerResult
	data, err := os.ReadFile(filepath.Join(dir, "merge-result.json"))
	if err != nil {
		return r, false
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false
	}
	if r.Status != "success" && r.Status != "failed" {
		return r, false
	}
	return r, true
}

// DetermineCodingOutcome maps a Run Result plus an optional parsed
// result.json plus test-command success into an AgentOutcome, per
// §4.4's result-interpretation table and §8's boundary behavior ("coding
// succeeds but tests fail -> outcome test_failure regardless of
// agent-reported status").
func DetermineCodingOutcome(runResult Result, activeDir string, testsRan bool, testsPassed bool) (taskstore.AgentOutcome, CodingResult) {
	switch runResult.Outcome {
	case OutcomeTimeout:
		return taskstore.OutcomeTimeout, CodingResult{}
	case OutcomeCancelled:
		return "", CodingResult{} // no outcome recorded on cancellation (§4.4).
	case OutcomeSpawnError:
		return taskstore.OutcomeCrash, CodingResult{}
	}

	if runResult.ExitCode != 0 {
		result, ok := ReadCodingResult(activeDir)
		if !ok {
			return taskstore.OutcomeCrash, CodingResult{}
		}
		return taskstore.OutcomeCodingFailure, result
	}

	result, ok := ReadCodingResult(activeDir)
	if !ok {
		return taskstore.OutcomeNoResult, CodingResult{}
	}
	if testsRan && !testsPassed {
		return taskstore.OutcomeTestFailure, result
	}
	if result.Status == "failed" {
		return taskstore.OutcomeCodingFailure, result
	}
	return taskstore.OutcomeSuccess, result
}

// DetermineReviewOutcome maps a Run Result plus parsed review result into
// an AgentOutcome.
func DetermineReviewOutcome(runResult Result, activeDir string) (taskstore.AgentOutcome, ReviewResult) {
	switch runResult.Outcome {
	case OutcomeTimeout:
		return taskstore.OutcomeTimeout, ReviewResult{}
	case OutcomeCancelled:
		return "", ReviewResult{}
	case OutcomeSpawnError:
		return taskstore.OutcomeCrash, ReviewResult{}
	}

	if runResult.ExitCode != 0 {
		return taskstore.OutcomeCrash, ReviewResult{}
	}
	result, ok := ReadReviewResult(activeDir)
	if !ok {
		return taskstore.OutcomeNoResult, ReviewResult{}
	}
	if result.Status == "rejected" {
		return taskstore.OutcomeReviewRejection, result
	}
	return taskstore.OutcomeSuccess, result
}

// HasBlockingOpenQuestions reports whether a coding result declares
// open_questions, which the Orchestrator treats as a blocking HIL event
// rather than a normal failure (§4.7, §8's boundary behavior: a failed
// status with empty open_questions is a normal failure, not HIL).
func HasBlockingOpenQuestions(r CodingResult) bool {
	return len(r.OpenQuestions) > 0
}
