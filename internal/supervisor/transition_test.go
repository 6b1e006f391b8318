package supervisor

import (
	"testing"
	"time"

	"conductor/pkg/models"
)

func runningState() models.WorkflowState {
	st := models.NewWorkflowState("sess-1", "add pagination to the list endpoint")
	st.Status = models.StatusRunning
	return st
}

func okStep(worker models.WorkerKind, summary string) models.StepRecord {
	now := time.Now()
	return models.StepRecord{
		WorkerName:    string(worker),
		StartedAt:     now,
		FinishedAt:    now,
		Outcome:       models.StepOK,
		ResultSummary: summary,
	}
}

func TestNext_PendingStartsWithResearch(t *testing.T) {
	st := models.NewWorkflowState("sess-1", "task")

	got, action := Next(st, DefaultPolicy())
	if action.Kind != ActionInvoke || action.Worker != models.WorkerResearch {
		t.Errorf("action = %+v, want invoke research", action)
	}
	if got.Status != models.StatusAwaitingWorker {
		t.Errorf("status = %q, want awaiting_worker", got.Status)
	}
	// The input state is not mutated.
	if st.Status != models.StatusPending {
		t.Errorf("input state mutated to %q", st.Status)
	}
}

func TestNext_ResumesFromHistory(t *testing.T) {
	st := runningState()
	st.Status = models.StatusAwaitingWorker
	st.StepHistory = []models.StepRecord{
		okStep(models.WorkerResearch, "found it"),
		okStep(models.WorkerDesign, "planned it"),
	}

	_, action := Next(st, DefaultPolicy())
	if action.Worker != models.WorkerImplementation {
		t.Errorf("resume target = %q, want implementation", action.Worker)
	}
}

func TestNext_NeedsRevisionTargetsImplementation(t *testing.T) {
	st := runningState()
	st.Status = models.StatusNeedsRevision
	st.StepHistory = []models.StepRecord{
		okStep(models.WorkerResearch, ""),
		okStep(models.WorkerDesign, ""),
		okStep(models.WorkerImplementation, ""),
		okStep(models.WorkerReview, "needs better tests"),
	}

	_, action := Next(st, DefaultPolicy())
	if action.Worker != models.WorkerImplementation {
		t.Errorf("revision target = %q, want implementation", action.Worker)
	}
}

func TestNext_TerminalFinishes(t *testing.T) {
	st := runningState()
	st.Status = models.StatusSucceeded
	_, action := Next(st, DefaultPolicy())
	if action.Kind != ActionFinish {
		t.Errorf("action = %+v, want finish", action)
	}
}

func TestApplyResult_NonReviewKeepsRunning(t *testing.T) {
	st := runningState()
	now := time.Now()

	got := ApplyResult(st, models.WorkerDesign, now, now, WorkerResult{Summary: "plan"}, []string{"m1"}, DefaultPolicy())
	if got.Status != models.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if len(got.StepHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(got.StepHistory))
	}
	step := got.StepHistory[0]
	if step.ResultSummary != "plan" || len(step.ProducedMemoryIDs) != 1 {
		t.Errorf("step = %+v", step)
	}
	if len(st.StepHistory) != 0 {
		t.Error("input state mutated")
	}
}

func TestApplyResult_ReviewAtThresholdSucceeds(t *testing.T) {
	st := runningState()
	now := time.Now()

	got := ApplyResult(st, models.WorkerReview, now, now,
		WorkerResult{Summary: "looks good", QualityScore: 0.75}, nil, DefaultPolicy())
	if got.Status != models.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
	if got.QualityScore != 0.75 {
		t.Errorf("QualityScore = %v, want 0.75", got.QualityScore)
	}
	if got.ReviewIteration != 0 {
		t.Errorf("ReviewIteration = %d, want 0", got.ReviewIteration)
	}
}

func TestApplyResult_ReviewBelowThresholdNeedsRevision(t *testing.T) {
	st := runningState()
	now := time.Now()

	got := ApplyResult(st, models.WorkerReview, now, now,
		WorkerResult{Summary: "summary", QualityScore: 0.5, Feedback: "add error handling"}, nil, DefaultPolicy())
	if got.Status != models.StatusNeedsRevision {
		t.Errorf("status = %q, want needs_revision", got.Status)
	}
	if got.ReviewIteration != 1 {
		t.Errorf("ReviewIteration = %d, want 1", got.ReviewIteration)
	}
	// Feedback is preserved in the step record for the revision run.
	if got.StepHistory[0].ResultSummary != "add error handling" {
		t.Errorf("review step summary = %q", got.StepHistory[0].ResultSummary)
	}
}

func TestApplyResult_IterationCapFailsWorkflow(t *testing.T) {
	st := runningState()
	st.ReviewIteration = 2
	now := time.Now()

	got := ApplyResult(st, models.WorkerReview, now, now,
		WorkerResult{QualityScore: 0.4}, nil, Policy{QualityThreshold: 0.75, MaxIterations: 3})
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ReviewIteration != 3 {
		t.Errorf("ReviewIteration = %d, want 3", got.ReviewIteration)
	}
	if len(got.ErrorLog) != 1 {
		t.Fatalf("ErrorLog = %v, want one entry", got.ErrorLog)
	}
}

func TestApplyFailure(t *testing.T) {
	st := runningState()
	now := time.Now()

	got := ApplyFailure(st, models.WorkerResearch, now, now, models.StepTimeout, "deadline exceeded")
	if got.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.StepHistory[0].Outcome != models.StepTimeout {
		t.Errorf("outcome = %q, want timeout", got.StepHistory[0].Outcome)
	}
	if len(got.ErrorLog) != 1 {
		t.Errorf("ErrorLog = %v", got.ErrorLog)
	}
}

func TestApplyRetryableFailure_KeepsWorkflowLive(t *testing.T) {
	st := runningState()
	now := time.Now()

	got := ApplyRetryableFailure(st, models.WorkerDesign, now, now, models.StepTimeout, "deadline exceeded")
	if got.Status != models.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.StepHistory[0].Outcome != models.StepTimeout {
		t.Errorf("outcome = %q, want timeout", got.StepHistory[0].Outcome)
	}
}
