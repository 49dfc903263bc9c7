package agentrunner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"opensprint/internal/taskstore"
)

func writeResultFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadCodingResult_Success(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", CodingResult{Status: "success", Summary: "did the thing"})
	r, ok := ReadCodingResult(dir)
	if !ok {
		t.Fatal("expected ok")
	}
	if r.Status != "success" || r.Summary != "did the thing" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestReadCodingResult_MissingFile(t *testing.T) {
	_, ok := ReadCodingResult(t.TempDir())
	if ok {
		t.Fatal("expected not ok for missing file")
	}
}

func TestReadCodingResult_InvalidShape(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(`{"foo":"bar"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok := ReadCodingResult(dir)
	if ok {
		t.Fatal("expected not ok for unrecognized shape")
	}
}

func TestReadCodingResult_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok := ReadCodingResult(dir)
	if ok {
		t.Fatal("expected not ok for malformed json")
	}
}

func TestReadReviewResult_Approved(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", ReviewResult{Status: "approved", Summary: "looks good"})
	r, ok := ReadReviewResult(dir)
	if !ok || r.Status != "approved" {
		t.Fatalf("unexpected: ok=%v result=%+v", ok, r)
	}
}

func TestReadMergerResult(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "merge-result.json", MergerResult{Status: "failed", Summary: "conflict"})
	r, ok := ReadMergerResult(dir)
	if !ok || r.Status != "failed" {
		t.Fatalf("unexpected: ok=%v result=%+v", ok, r)
	}
}

func TestDetermineCodingOutcome_Timeout(t *testing.T) {
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeTimeout}, t.TempDir(), false, false)
	if outcome != taskstore.OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", outcome)
	}
}

func TestDetermineCodingOutcome_CancelledRecordsNoOutcome(t *testing.T) {
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeCancelled}, t.TempDir(), false, false)
	if outcome != "" {
		t.Fatalf("outcome = %v, want empty (no outcome recorded)", outcome)
	}
}

func TestDetermineCodingOutcome_SpawnError(t *testing.T) {
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeSpawnError}, t.TempDir(), false, false)
	if outcome != taskstore.OutcomeCrash {
		t.Fatalf("outcome = %v, want crash", outcome)
	}
}

func TestDetermineCodingOutcome_NonZeroExitWithoutResultFile(t *testing.T) {
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 1}, t.TempDir(), false, false)
	if outcome != taskstore.OutcomeCrash {
		t.Fatalf("outcome = %v, want crash", outcome)
	}
}

func TestDetermineCodingOutcome_ExitZeroNoResultFile(t *testing.T) {
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, t.TempDir(), false, false)
	if outcome != taskstore.OutcomeNoResult {
		t.Fatalf("outcome = %v, want no_result", outcome)
	}
}

func TestDetermineCodingOutcome_SuccessButTestsFail(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", CodingResult{Status: "success", Summary: "done"})
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir, true, false)
	if outcome != taskstore.OutcomeTestFailure {
		t.Fatalf("outcome = %v, want test_failure (tests override agent-reported status)", outcome)
	}
}

func TestDetermineCodingOutcome_SuccessAndTestsPass(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", CodingResult{Status: "success", Summary: "done"})
	outcome, _ := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir, true, true)
	if outcome != taskstore.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
}

func TestDetermineCodingOutcome_FailedWithEmptyOpenQuestionsIsNormalFailure(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", CodingResult{Status: "failed", Summary: "couldn't do it"})
	outcome, result := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir, false, false)
	if outcome != taskstore.OutcomeCodingFailure {
		t.Fatalf("outcome = %v, want coding_failure", outcome)
	}
	if HasBlockingOpenQuestions(result) {
		t.Fatal("empty open_questions must not be treated as blocking")
	}
}

func TestDetermineCodingOutcome_FailedWithOpenQuestionsIsBlocking(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", CodingResult{
		Status:        "failed",
		Summary:       "need input",
		OpenQuestions: []OpenQuestion{{ID: "q1", Text: "which library?"}},
	})
	outcome, result := DetermineCodingOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir, false, false)
	if outcome != taskstore.OutcomeCodingFailure {
		t.Fatalf("outcome = %v, want coding_failure", outcome)
	}
	if !HasBlockingOpenQuestions(result) {
		t.Fatal("non-empty open_questions must be treated as blocking by the caller")
	}
}

func TestDetermineReviewOutcome_Rejected(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", ReviewResult{Status: "rejected", Summary: "needs work", Issues: []string{"missing test"}})
	outcome, result := DetermineReviewOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir)
	if outcome != taskstore.OutcomeReviewRejection {
		t.Fatalf("outcome = %v, want review_rejection", outcome)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("issues = %v", result.Issues)
	}
}

func TestDetermineReviewOutcome_Approved(t *testing.T) {
	dir := t.TempDir()
	writeResultFile(t, dir, "result.json", ReviewResult{Status: "approved", Summary: "ship it"})
	outcome, _ := DetermineReviewOutcome(Result{Outcome: OutcomeExit, ExitCode: 0}, dir)
	if outcome != taskstore.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
}

func TestDetermineReviewOutcome_Timeout(t *testing.T) {
	outcome, _ := DetermineReviewOutcome(Result{Outcome: OutcomeTimeout}, t.TempDir())
	if outcome != taskstore.OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", outcome)
	}
}
