package models

import "time"

// WorkerKind names one of the fixed pipeline roles.
type WorkerKind string

const (
	// WorkerResearch gathers context for the task.
	WorkerResearch WorkerKind = "research"
	// WorkerDesign produces a plan from the research output.
	WorkerDesign WorkerKind = "design"
	// WorkerImplementation carries out the design.
	WorkerImplementation WorkerKind = "implementation"
	// WorkerReview scores the implementation and produces feedback.
	WorkerReview WorkerKind = "review"
)

// Valid returns true if the kind is a known value.
func (k WorkerKind) Valid() bool {
	switch k {
	case WorkerResearch, WorkerDesign, WorkerImplementation, WorkerReview:
		return true
	default:
		return false
	}
}

// PipelineOrder is the fixed execution order of the worker pipeline.
var PipelineOrder = []WorkerKind{
	WorkerResearch,
	WorkerDesign,
	WorkerImplementation,
	WorkerReview,
}

// NextInPipeline returns the worker that follows k, or "" if k is the last
// stage or unknown.
func NextInPipeline(k WorkerKind) WorkerKind {
	for i, w := range PipelineOrder {
		if w == k && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1]
		}
	}
	return ""
}

// WorkerSpec is a capability descriptor from the worker registry. The
// supervisor dispatches against this closed table, never against free-form
// capability strings.
type WorkerSpec struct {
	// Name is the registry key and the pipeline role it fills.
	Name WorkerKind `yaml:"name" json:"name"`
	// Command is the executable plus arguments used to spawn the worker.
	Command []string `yaml:"command" json:"command"`
	// Method is the wire method name sent in requests, defaults to "run".
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Timeout bounds a single call to this worker.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Idempotent marks the worker safe to retry after a timeout, when the
	// first attempt may have partially executed.
	Idempotent bool `yaml:"idempotent" json:"idempotent"`
}
