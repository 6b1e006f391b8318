// Package supervisor drives a task workflow through the fixed worker
// pipeline. All state changes go through pure transition functions; only
// the driver loop performs I/O and persists the results.
package supervisor

import (
	"fmt"
	"time"

	"conductor/pkg/models"
)

// ActionKind is what the driver loop should do next.
type ActionKind string

const (
	// ActionInvoke tells the driver to call a worker.
	ActionInvoke ActionKind = "invoke"
	// ActionFinish tells the driver the workflow is terminal.
	ActionFinish ActionKind = "finish"
)

// Action is the outcome of a scheduling decision.
type Action struct {
	// Kind selects invoke or finish.
	Kind ActionKind
	// Worker is the pipeline stage to invoke when Kind is ActionInvoke.
	Worker models.WorkerKind
}

// MemoryInput is a memory item a worker asks to have stored.
type MemoryInput struct {
	// Content is the text to store.
	Content string `json:"content"`
	// Kind categorizes the item, such as "finding" or "decision".
	Kind string `json:"kind"`
}

// WorkerResult is the decoded result payload of a successful worker call.
type WorkerResult struct {
	// Summary describes what the worker produced.
	Summary string `json:"summary"`
	// QualityScore is the review worker's score in [0, 1].
	QualityScore float64 `json:"quality_score"`
	// Feedback is the review worker's revision guidance.
	Feedback string `json:"feedback"`
	// Memories are items the worker wants persisted to shared memory.
	Memories []MemoryInput `json:"memories"`
}

// Next decides the next action for a workflow. It returns an updated state
// and the action; the caller persists the state before acting.
func Next(state models.WorkflowState, policy Policy) (models.WorkflowState, Action) {
	state = state.Clone()

	if state.Status.Terminal() {
		return state, Action{Kind: ActionFinish}
	}

	var target models.WorkerKind
	switch state.Status {
	case models.StatusPending:
		target = models.WorkerResearch
	case models.StatusNeedsRevision:
		target = models.WorkerImplementation
	default:
		// Resume from history: the stage after the last completed one.
		target = models.WorkerResearch
		if last := lastOKStep(state); last != nil {
			next := models.NextInPipeline(models.WorkerKind(last.WorkerName))
			if next == "" {
				// Review already completed; Apply decided the outcome, so
				// a non-terminal state here means the snapshot predates
				// that decision. Re-run review.
				next = models.WorkerReview
			}
			target = next
		}
	}

	state.Status = models.StatusAwaitingWorker
	return state, Action{Kind: ActionInvoke, Worker: target}
}

// ApplyResult folds a successful worker call into the state. For the review
// stage it also decides convergence: meeting the quality threshold succeeds
// the workflow, falling short either routes back to implementation or, once
// the iteration cap is hit, fails it.
func ApplyResult(state models.WorkflowState, workerName models.WorkerKind, started, finished time.Time, result WorkerResult, memoryIDs []string, policy Policy) models.WorkflowState {
	policy = policy.normalized()
	state = state.Clone()

	// The review worker's feedback doubles as its summary so revision
	// guidance survives a restart inside the step history.
	summary := result.Summary
	if workerName == models.WorkerReview && result.Feedback != "" {
		summary = result.Feedback
	}

	state.StepHistory = append(state.StepHistory, models.StepRecord{
		WorkerName:        string(workerName),
		StartedAt:         started,
		FinishedAt:        finished,
		Outcome:           models.StepOK,
		ResultSummary:     summary,
		ProducedMemoryIDs: memoryIDs,
	})

	if workerName != models.WorkerReview {
		state.Status = models.StatusRunning
		return state
	}

	state.QualityScore = result.QualityScore
	if result.QualityScore >= policy.QualityThreshold {
		state.Status = models.StatusSucceeded
		return state
	}

	state.ReviewIteration++
	if state.ReviewIteration >= policy.MaxIterations {
		state.Status = models.StatusFailed
		state.ErrorLog = append(state.ErrorLog, fmt.Sprintf(
			"quality %.2f below threshold %.2f after %d review iterations",
			result.QualityScore, policy.QualityThreshold, state.ReviewIteration))
		return state
	}

	state.Status = models.StatusNeedsRevision
	return state
}

// ApplyRetryableFailure records a failed attempt that the driver will retry.
// The workflow stays live.
func ApplyRetryableFailure(state models.WorkflowState, workerName models.WorkerKind, started, finished time.Time, outcome models.StepOutcome, reason string) models.WorkflowState {
	state = state.Clone()
	state.StepHistory = append(state.StepHistory, models.StepRecord{
		WorkerName: string(workerName),
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    outcome,
	})
	state.ErrorLog = append(state.ErrorLog, fmt.Sprintf("%s: %s (retrying)", workerName, reason))
	state.Status = models.StatusRunning
	return state
}

// ApplyFailure records a terminal worker failure and fails the workflow.
func ApplyFailure(state models.WorkflowState, workerName models.WorkerKind, started, finished time.Time, outcome models.StepOutcome, reason string) models.WorkflowState {
	state = state.Clone()
	state.StepHistory = append(state.StepHistory, models.StepRecord{
		WorkerName: string(workerName),
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    outcome,
	})
	state.ErrorLog = append(state.ErrorLog, fmt.Sprintf("%s: %s", workerName, reason))
	state.Status = models.StatusFailed
	return state
}

// lastOKStep returns the most recent successful step, or nil.
func lastOKStep(state models.WorkflowState) *models.StepRecord {
	for i := len(state.StepHistory) - 1; i >= 0; i-- {
		if state.StepHistory[i].Outcome == models.StepOK {
			return &state.StepHistory[i]
		}
	}
	return nil
}
