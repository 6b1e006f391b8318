package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"conductor/internal/memory"
	"conductor/internal/rpc"
	"conductor/pkg/models"
)

// memoriesPerStage caps how many retrieved memory items are injected into
// a worker's parameters.
const memoriesPerStage = 5

// WorkerInvoker issues one worker call. *rpc.Client implements it.
type WorkerInvoker interface {
	Invoke(ctx context.Context, sessionID string, spec models.WorkerSpec, params any) (json.RawMessage, error)
}

// Checkpointer persists workflow snapshots. *checkpoint.Store implements it.
type Checkpointer interface {
	Save(state models.WorkflowState) (int64, error)
}

// MemoryStore is the slice of the memory store the supervisor uses.
// *memory.Store implements it.
type MemoryStore interface {
	Store(content string, meta models.MemoryMetadata) (string, error)
	Search(query string, filter memory.Filter, k int) ([]models.ScoredMemory, error)
}

// Registry resolves worker kinds to capability descriptors.
type Registry interface {
	Lookup(kind models.WorkerKind) (models.WorkerSpec, bool)
}

// TaskParams is the parameter payload sent to every worker.
type TaskParams struct {
	// SessionID names the owning session.
	SessionID string `json:"session_id"`
	// TaskDescription is the original task text.
	TaskDescription string `json:"task_description"`
	// Stage is the pipeline role being invoked.
	Stage string `json:"stage"`
	// PriorSummaries maps earlier stages to their latest result summary.
	PriorSummaries map[string]string `json:"prior_summaries,omitempty"`
	// Feedback carries review guidance when re-running implementation.
	Feedback string `json:"feedback,omitempty"`
	// Memories are retrieved memory contents relevant to the task.
	Memories []string `json:"memories,omitempty"`
}

// Supervisor drives one workflow to a terminal state.
type Supervisor struct {
	invoker     WorkerInvoker
	checkpoints Checkpointer
	memories    MemoryStore
	registry    Registry
	policy      Policy
}

// New creates a Supervisor. The policy is normalized, so zero values get
// defaults.
func New(invoker WorkerInvoker, checkpoints Checkpointer, memories MemoryStore, registry Registry, policy Policy) *Supervisor {
	return &Supervisor{
		invoker:     invoker,
		checkpoints: checkpoints,
		memories:    memories,
		registry:    registry,
		policy:      policy.normalized(),
	}
}

// Run drives the workflow until it reaches a terminal status or the context
// is cancelled. Every decision and every applied result is checkpointed
// before the next step runs. The returned state is the last persisted one.
func (s *Supervisor) Run(ctx context.Context, state models.WorkflowState) (models.WorkflowState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		next, action := Next(state, s.policy)
		if action.Kind == ActionFinish {
			return state, nil
		}
		state = next
		if err := s.persist(state); err != nil {
			return state, err
		}

		spec, ok := s.registry.Lookup(action.Worker)
		if !ok {
			state = ApplyFailure(state, action.Worker, time.Now(), time.Now(),
				models.StepError, "worker not registered")
			if err := s.persist(state); err != nil {
				return state, err
			}
			continue
		}

		state = s.runStep(ctx, state, spec)
		if err := s.persist(state); err != nil {
			return state, err
		}
	}
}

// runStep invokes one worker, retrying once on a retryable failure of an
// idempotent worker, and folds the outcome into the state.
func (s *Supervisor) runStep(ctx context.Context, state models.WorkflowState, spec models.WorkerSpec) models.WorkflowState {
	params := s.buildParams(state, spec.Name)

	for attempt := 0; ; attempt++ {
		started := time.Now()
		raw, err := s.invoker.Invoke(ctx, state.SessionID, spec, params)
		finished := time.Now()

		if err == nil {
			var result WorkerResult
			if decodeErr := json.Unmarshal(raw, &result); decodeErr != nil {
				log.Printf("[supervisor] %s: %s returned an undecodable result: %v",
					state.SessionID, spec.Name, decodeErr)
				return ApplyFailure(state, spec.Name, started, finished, models.StepError,
					fmt.Sprintf("%s: %v", rpc.KindProtocol, decodeErr))
			}
			memoryIDs := s.storeMemories(spec.Name, result)
			return ApplyResult(state, spec.Name, started, finished, result, memoryIDs, s.policy)
		}

		kind := rpc.KindOf(err)
		outcome := models.StepError
		if kind == rpc.KindTimeout {
			outcome = models.StepTimeout
		}

		if attempt == 0 && rpc.Retryable(kind) && spec.Idempotent {
			log.Printf("[supervisor] %s: %s failed (%s), retrying once: %v",
				state.SessionID, spec.Name, kind, err)
			state = ApplyRetryableFailure(state, spec.Name, started, finished, outcome, err.Error())
			if perr := s.persist(state); perr != nil {
				return ApplyFailure(state, spec.Name, started, finished, outcome, perr.Error())
			}
			continue
		}

		log.Printf("[supervisor] %s: %s failed (%s): %v", state.SessionID, spec.Name, kind, err)
		return ApplyFailure(state, spec.Name, started, finished, outcome, err.Error())
	}
}

// buildParams assembles the worker parameters: prior stage summaries, any
// review feedback, and relevant memories retrieved for the task.
func (s *Supervisor) buildParams(state models.WorkflowState, stage models.WorkerKind) TaskParams {
	params := TaskParams{
		SessionID:       state.SessionID,
		TaskDescription: state.TaskDescription,
		Stage:           string(stage),
	}

	summaries := make(map[string]string)
	for _, step := range state.StepHistory {
		if step.Outcome == models.StepOK && step.WorkerName != string(stage) {
			summaries[step.WorkerName] = step.ResultSummary
		}
	}
	if len(summaries) > 0 {
		params.PriorSummaries = summaries
	}

	if stage == models.WorkerImplementation {
		if review := state.LastStepBy(string(models.WorkerReview)); review != nil && review.Outcome == models.StepOK {
			params.Feedback = review.ResultSummary
		}
	}

	if s.memories != nil {
		results, err := s.memories.Search(state.TaskDescription, memory.Filter{}, memoriesPerStage)
		if err != nil {
			log.Printf("[supervisor] %s: memory search failed: %v", state.SessionID, err)
		}
		for _, r := range results {
			params.Memories = append(params.Memories, r.Item.Content)
		}
	}

	return params
}

// storeMemories persists the items a worker returned and collects their IDs
// for the step record. Storage failures are logged, not fatal.
func (s *Supervisor) storeMemories(workerName models.WorkerKind, result WorkerResult) []string {
	if s.memories == nil {
		return nil
	}
	var ids []string
	for _, m := range result.Memories {
		if m.Content == "" {
			continue
		}
		kind := m.Kind
		if kind == "" {
			kind = "finding"
		}
		id, err := s.memories.Store(m.Content, models.MemoryMetadata{
			ProducingWorker: string(workerName),
			Kind:            kind,
			CreatedAt:       time.Now(),
		})
		if err != nil {
			log.Printf("[supervisor] store memory from %s: %v", workerName, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) persist(state models.WorkflowState) error {
	if s.checkpoints == nil {
		return nil
	}
	if _, err := s.checkpoints.Save(state); err != nil {
		return fmt.Errorf("checkpoint workflow %s: %w", state.SessionID, err)
	}
	return nil
}
