package models

import "time"

// Status represents the current state of a workflow.
type Status string

const (
	// StatusPending indicates the workflow has been created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the supervisor is driving the workflow.
	StatusRunning Status = "running"
	// StatusAwaitingWorker indicates a worker call is in flight.
	StatusAwaitingWorker Status = "awaiting_worker"
	// StatusNeedsRevision indicates review rejected the work and the
	// implementation worker must run again.
	StatusNeedsRevision Status = "needs_revision"
	// StatusSucceeded indicates the workflow completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the workflow failed.
	StatusFailed Status = "failed"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingWorker, StatusNeedsRevision, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the workflow can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StepOutcome classifies how a single worker step ended.
type StepOutcome string

const (
	// StepOK indicates the worker returned a result.
	StepOK StepOutcome = "ok"
	// StepError indicates the worker reported or caused an error.
	StepError StepOutcome = "error"
	// StepTimeout indicates the worker exceeded its call timeout.
	StepTimeout StepOutcome = "timeout"
)

// StepRecord is an immutable record of one executed worker step.
// Once appended to a workflow's history it is never modified.
type StepRecord struct {
	// WorkerName is the worker that executed this step.
	WorkerName string `json:"worker_name"`
	// StartedAt is when the worker call was issued.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the worker call resolved.
	FinishedAt time.Time `json:"finished_at"`
	// Outcome classifies how the step ended.
	Outcome StepOutcome `json:"outcome"`
	// ResultSummary is the worker's own summary of what it produced.
	ResultSummary string `json:"result_summary,omitempty"`
	// ProducedMemoryIDs lists memory items written during this step.
	ProducedMemoryIDs []string `json:"produced_memory_ids,omitempty"`
}

// WorkflowState is the complete durable state of one in-flight task.
// It is mutated exclusively by the supervisor, and only through pure
// transition functions whose results the driver loop persists.
type WorkflowState struct {
	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`
	// TaskDescription is the immutable natural-language task input.
	TaskDescription string `json:"task_description"`
	// Status is the current workflow status.
	Status Status `json:"status"`
	// StepHistory is the append-only, execution-ordered step log.
	StepHistory []StepRecord `json:"step_history"`
	// ReviewIteration counts completed review-fix cycles.
	ReviewIteration int `json:"review_iteration"`
	// QualityScore is the last review score reported, 0.0 if none.
	QualityScore float64 `json:"quality_score"`
	// ErrorLog collects human-readable error summaries.
	ErrorLog []string `json:"error_log,omitempty"`
}

// NewWorkflowState creates a pending workflow for the given session and task.
func NewWorkflowState(sessionID, taskDescription string) WorkflowState {
	return WorkflowState{
		SessionID:       sessionID,
		TaskDescription: taskDescription,
		Status:          StatusPending,
	}
}

// Clone returns a deep copy. Transition functions operate on clones so the
// caller's value is never mutated in place.
func (w WorkflowState) Clone() WorkflowState {
	c := w
	c.StepHistory = make([]StepRecord, len(w.StepHistory))
	copy(c.StepHistory, w.StepHistory)
	for i := range c.StepHistory {
		ids := c.StepHistory[i].ProducedMemoryIDs
		if len(ids) > 0 {
			c.StepHistory[i].ProducedMemoryIDs = append([]string(nil), ids...)
		}
	}
	if len(w.ErrorLog) > 0 {
		c.ErrorLog = append([]string(nil), w.ErrorLog...)
	}
	return c
}

// LastStep returns the most recent step record, or nil if none exist.
func (w WorkflowState) LastStep() *StepRecord {
	if len(w.StepHistory) == 0 {
		return nil
	}
	return &w.StepHistory[len(w.StepHistory)-1]
}

// LastStepBy returns the most recent step executed by the named worker,
// or nil if that worker has not run.
func (w WorkflowState) LastStepBy(workerName string) *StepRecord {
	for i := len(w.StepHistory) - 1; i >= 0; i-- {
		if w.StepHistory[i].WorkerName == workerName {
			return &w.StepHistory[i]
		}
	}
	return nil
}
