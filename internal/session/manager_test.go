package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conductor/internal/checkpoint"
	"conductor/internal/supervisor"
	"conductor/internal/worker"
	"conductor/pkg/models"
)

// fakeClient scripts worker results. The block channel, when set, stalls
// every call until closed.
type fakeClient struct {
	mu     sync.Mutex
	closed []string
	block  chan struct{}
	score  float64
}

func newFakeClient() *fakeClient {
	return &fakeClient{score: 0.9}
}

func (f *fakeClient) Invoke(ctx context.Context, sessionID string, spec models.WorkerSpec, params any) (json.RawMessage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result := supervisor.WorkerResult{
		Summary: fmt.Sprintf("%s finished", spec.Name),
	}
	if spec.Name == models.WorkerReview {
		result.QualityScore = f.score
	}
	return json.Marshal(result)
}

func (f *fakeClient) CloseSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

type mapRegistry map[models.WorkerKind]models.WorkerSpec

func (r mapRegistry) Lookup(kind models.WorkerKind) (models.WorkerSpec, bool) {
	spec, ok := r[kind]
	return spec, ok
}

func testRegistry() mapRegistry {
	r := make(mapRegistry)
	for _, kind := range models.PipelineOrder {
		r[kind] = models.WorkerSpec{Name: kind, Command: []string{"unused"}, Idempotent: true}
	}
	return r
}

func testCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, client WorkerClient) *Manager {
	t.Helper()
	m := NewManager(client, testCheckpoints(t), nil, testRegistry(), supervisor.DefaultPolicy())
	t.Cleanup(m.CloseAll)
	return m
}

// waitForResult drains events until the terminal result arrives.
func waitForResult(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before result")
			}
			if ev.Type == EventResult {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for result event")
		}
	}
}

func TestOpen_WorkspaceUniqueness(t *testing.T) {
	m := newTestManager(t, newFakeClient())

	id, err := m.Open("/tmp/project")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := m.Open("/tmp/project"); !errors.Is(err, ErrWorkspaceBusy) {
		t.Errorf("second Open error = %v, want ErrWorkspaceBusy", err)
	}

	// Closing the session frees the workspace.
	if err := m.Close(id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Open("/tmp/project"); err != nil {
		t.Errorf("Open after Close failed: %v", err)
	}
}

func TestSubmitTask_RunsToCompletion(t *testing.T) {
	m := newTestManager(t, newFakeClient())

	id, err := m.Open("/tmp/project")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	events, err := m.Events(id)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	if err := m.SubmitTask(id, "ship the feature"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	result := waitForResult(t, events)
	if result.Status != models.StatusSucceeded {
		t.Errorf("result status = %q, want succeeded", result.Status)
	}
	if result.Summary != "review finished" {
		t.Errorf("result summary = %q", result.Summary)
	}

	state, err := m.State(id)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Status != models.StatusSucceeded {
		t.Errorf("state status = %q, want succeeded", state.Status)
	}
	if len(state.StepHistory) != 4 {
		t.Errorf("step history length = %d, want 4", len(state.StepHistory))
	}
}

func TestSubmitTask_RejectsConcurrentTask(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	m := newTestManager(t, client)

	id, err := m.Open("/tmp/project")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	events, _ := m.Events(id)

	if err := m.SubmitTask(id, "first task"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if err := m.SubmitTask(id, "second task"); !errors.Is(err, ErrTaskInFlight) {
		t.Errorf("second SubmitTask error = %v, want ErrTaskInFlight", err)
	}

	close(client.block)
	waitForResult(t, events)

	// After the first task terminates, a new one is accepted.
	if err := m.SubmitTask(id, "second task"); err != nil {
		t.Errorf("SubmitTask after completion failed: %v", err)
	}
}

func TestSubmitTask_UnknownSession(t *testing.T) {
	m := newTestManager(t, newFakeClient())
	if err := m.SubmitTask("ghost", "task"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SubmitTask error = %v, want ErrNoSession", err)
	}
}

func TestSessions_AreIsolated(t *testing.T) {
	m := newTestManager(t, newFakeClient())

	idA, _ := m.Open("/tmp/project-a")
	idB, _ := m.Open("/tmp/project-b")
	eventsB, _ := m.Events(idB)

	if err := m.SubmitTask(idA, "task for a"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	// B's stream stays silent while A works.
	select {
	case ev := <-eventsB:
		t.Errorf("session B received event %+v for session A's task", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleProgress_RoutesToOwningSession(t *testing.T) {
	m := newTestManager(t, newFakeClient())

	id, _ := m.Open("/tmp/project")
	events, _ := m.Events(id)

	m.HandleProgress(id, worker.Progress{Message: "compiling", FractionDone: 0.4})

	select {
	case ev := <-events:
		if ev.Type != EventProgress || ev.Message != "compiling" || ev.FractionDone != 0.4 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("progress event not delivered")
	}

	// Unknown sessions are ignored, not a panic.
	m.HandleProgress("ghost", worker.Progress{Message: "noise"})
}

func TestClose_StopsWorkersAndCancelsRun(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	m := newTestManager(t, client)

	id, _ := m.Open("/tmp/project")
	if err := m.SubmitTask(id, "task"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	if err := m.Close(id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	client.mu.Lock()
	closed := append([]string(nil), client.closed...)
	client.mu.Unlock()
	if len(closed) != 1 || closed[0] != id {
		t.Errorf("closed sessions = %v, want [%s]", closed, id)
	}

	if err := m.Close(id); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Close error = %v, want ErrNoSession", err)
	}
}

func TestClose_WhileWorkflowFinishes(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	cps := testCheckpoints(t)
	m := NewManager(client, cps, nil, testRegistry(), supervisor.DefaultPolicy())
	t.Cleanup(m.CloseAll)

	id, err := m.Open("/tmp/project")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.SubmitTask(id, "task"); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}

	// Tear the session down while its worker call is in flight, then let
	// the workflow run to its terminal state and emit the result. A panic
	// in the run goroutine fails the test.
	if err := m.Close(id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(client.block)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, _, err := cps.LoadLatest(id)
		if err == nil && state.Status.Terminal() {
			// Give the run goroutine a moment to emit past the closed
			// emitter.
			time.Sleep(50 * time.Millisecond)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workflow never reached a terminal state after close")
}

func TestRestore_ResumesNonTerminalSessions(t *testing.T) {
	cps := testCheckpoints(t)

	// A session that crashed mid-pipeline: research done, status running.
	crashed := models.NewWorkflowState("sess-crashed", "finish the migration")
	crashed.Status = models.StatusRunning
	now := time.Now()
	crashed.StepHistory = []models.StepRecord{{
		WorkerName: "research", StartedAt: now, FinishedAt: now,
		Outcome: models.StepOK, ResultSummary: "research finished",
	}}
	if _, err := cps.Save(crashed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A finished session that must not be resumed.
	done := models.NewWorkflowState("sess-done", "old task")
	done.Status = models.StatusSucceeded
	if _, err := cps.Save(done); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	m := NewManager(newFakeClient(), cps, nil, testRegistry(), supervisor.DefaultPolicy())
	t.Cleanup(m.CloseAll)

	resumed, err := m.Restore()
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed %d sessions, want 1", resumed)
	}

	events, err := m.Events("sess-crashed")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	result := waitForResult(t, events)
	if result.Status != models.StatusSucceeded {
		t.Errorf("restored session result = %q, want succeeded", result.Status)
	}

	// The resumed run continued after research instead of starting over.
	state, _, err := cps.LoadLatest("sess-crashed")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	researchSteps := 0
	for _, step := range state.StepHistory {
		if step.WorkerName == "research" && step.Outcome == models.StepOK {
			researchSteps++
		}
	}
	if researchSteps != 1 {
		t.Errorf("research ran %d times across restore, want 1", researchSteps)
	}
}
