package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"conductor/internal/checkpoint"
	"conductor/internal/config"
	"conductor/internal/supervisor"
	"conductor/internal/worker"
	"conductor/pkg/models"
)

// eventBufferSize is the per-session event channel capacity.
const eventBufferSize = 64

var (
	// ErrNoSession is returned for operations on unknown session IDs.
	ErrNoSession = errors.New("no such session")
	// ErrWorkspaceBusy is returned when a workspace already has a live
	// session.
	ErrWorkspaceBusy = errors.New("workspace already has an active session")
	// ErrTaskInFlight is returned when a session's workflow has not
	// reached a terminal state yet.
	ErrTaskInFlight = errors.New("session already has a task in flight")
)

// WorkerClient is the slice of the rpc client the manager needs.
type WorkerClient interface {
	Invoke(ctx context.Context, sessionID string, spec models.WorkerSpec, params any) (json.RawMessage, error)
	CloseSession(sessionID string)
}

// CheckpointStore is the slice of the checkpoint store the manager needs.
type CheckpointStore interface {
	Save(state models.WorkflowState) (int64, error)
	LoadLatest(sessionID string) (models.WorkflowState, int64, error)
	ListSessions() ([]checkpoint.SessionSummary, error)
}

// Session is one live client session.
type Session struct {
	// ID is the session identifier.
	ID string
	// WorkspacePath is the workspace this session operates on.
	WorkspacePath string

	emitter *Emitter
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
	state   models.WorkflowState
}

// Manager owns all live sessions and enforces workspace isolation: at most
// one live session per workspace root, at most one in-flight task per
// session.
type Manager struct {
	client      WorkerClient
	checkpoints CheckpointStore
	memories    supervisor.MemoryStore
	registry    supervisor.Registry
	policy      supervisor.Policy

	mu         sync.Mutex
	sessions   map[string]*Session
	workspaces map[string]string
}

// NewManager creates a Manager.
func NewManager(client WorkerClient, checkpoints CheckpointStore, memories supervisor.MemoryStore, registry supervisor.Registry, policy supervisor.Policy) *Manager {
	return &Manager{
		client:      client,
		checkpoints: checkpoints,
		memories:    memories,
		registry:    registry,
		policy:      policy,
		sessions:    make(map[string]*Session),
		workspaces:  make(map[string]string),
	}
}

// Open creates a new session bound to the given workspace root. It fails
// with ErrWorkspaceBusy if a live session already owns that workspace.
func (m *Manager) Open(workspacePath string) (string, error) {
	if workspacePath == "" {
		return "", errors.New("open session: empty workspace path")
	}
	workspacePath = filepath.Clean(workspacePath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.workspaces[workspacePath]; ok {
		return "", fmt.Errorf("%w: %s (session %s)", ErrWorkspaceBusy, workspacePath, owner)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:            uuid.New().String(),
		WorkspacePath: workspacePath,
		emitter:       NewEmitter(eventBufferSize),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.sessions[sess.ID] = sess
	m.workspaces[workspacePath] = sess.ID

	// The session's worker processes run inside its workspace root.
	if b, ok := m.client.(interface{ BindWorkspace(sessionID, dir string) }); ok {
		b.BindWorkspace(sess.ID, workspacePath)
	}

	log.Printf("[session] opened %s for workspace %s", sess.ID, workspacePath)
	return sess.ID, nil
}

// SubmitTask starts a workflow for the session. A session runs one task at
// a time; a second submission before the first terminates fails with
// ErrTaskInFlight.
func (m *Manager) SubmitTask(sessionID, taskDescription string) error {
	if strings.TrimSpace(taskDescription) == "" {
		return errors.New("submit task: empty task description")
	}

	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return ErrTaskInFlight
	}
	sess.running = true
	state := models.NewWorkflowState(sessionID, taskDescription)
	sess.state = state
	sess.mu.Unlock()

	go m.run(sess, state)
	return nil
}

// run drives one workflow to completion and emits the terminal result.
func (m *Manager) run(sess *Session, state models.WorkflowState) {
	sess.emitter.Emit(Event{
		Type:      EventStatus,
		SessionID: sess.ID,
		Status:    models.StatusRunning,
	})

	// Freeze the worker descriptors for the duration of the task so a
	// registry hot reload never changes a running workflow.
	var registry supervisor.Registry = m.registry
	if snap, ok := m.registry.(interface{ Snapshot() config.StaticRegistry }); ok {
		registry = snap.Snapshot()
	}

	sup := supervisor.New(m.client, m.checkpoints, m.memories, registry, m.policy)
	final, err := sup.Run(sess.ctx, state)
	if err != nil {
		log.Printf("[session] %s: run stopped: %v", sess.ID, err)
	}

	sess.mu.Lock()
	sess.running = false
	sess.state = final
	sess.mu.Unlock()

	if final.Status.Terminal() {
		sess.emitter.Emit(Event{
			Type:      EventResult,
			SessionID: sess.ID,
			Status:    final.Status,
			Summary:   resultSummary(final),
		})
	}
}

// resultSummary picks the user-facing summary for a terminal workflow.
func resultSummary(state models.WorkflowState) string {
	if state.Status == models.StatusFailed && len(state.ErrorLog) > 0 {
		return state.ErrorLog[len(state.ErrorLog)-1]
	}
	if last := lastOK(state); last != nil {
		return last.ResultSummary
	}
	return ""
}

func lastOK(state models.WorkflowState) *models.StepRecord {
	for i := len(state.StepHistory) - 1; i >= 0; i-- {
		if state.StepHistory[i].Outcome == models.StepOK {
			return &state.StepHistory[i]
		}
	}
	return nil
}

// Events returns the session's event stream.
func (m *Manager) Events(sessionID string) (<-chan Event, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.emitter.Events(), nil
}

// HandleProgress bridges a worker progress notification into the owning
// session's event stream. Wire this into the rpc client's progress handler.
func (m *Manager) HandleProgress(sessionID string, p worker.Progress) {
	sess, err := m.get(sessionID)
	if err != nil {
		return
	}
	sess.emitter.Emit(Event{
		Type:         EventProgress,
		SessionID:    sessionID,
		Message:      p.Message,
		FractionDone: p.FractionDone,
	})
}

// State returns the session's current workflow state. For sessions without
// an in-memory state it falls back to the latest checkpoint.
func (m *Manager) State(sessionID string) (models.WorkflowState, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return models.WorkflowState{}, err
	}

	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()

	if state.SessionID != "" {
		return state, nil
	}
	if m.checkpoints != nil {
		loaded, _, err := m.checkpoints.LoadLatest(sessionID)
		if err == nil {
			return loaded, nil
		}
	}
	return state, nil
}

// Close tears a session down: the supervisor is cancelled, the session's
// worker processes are stopped, and the event stream is closed.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		delete(m.workspaces, sess.WorkspacePath)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoSession
	}

	sess.cancel()
	if m.client != nil {
		m.client.CloseSession(sessionID)
	}
	sess.emitter.Close()
	log.Printf("[session] closed %s", sessionID)
	return nil
}

// CloseAll tears down every live session, for daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Restore resumes supervision of every non-terminal session found in the
// checkpoint store. Restored sessions are not bound to a workspace and run
// until terminal. Returns the number of sessions resumed.
func (m *Manager) Restore() (int, error) {
	if m.checkpoints == nil {
		return 0, nil
	}
	sums, err := m.checkpoints.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}

	resumed := 0
	for _, sum := range sums {
		if sum.Status.Terminal() {
			continue
		}
		state, _, err := m.checkpoints.LoadLatest(sum.SessionID)
		if err != nil {
			log.Printf("[session] restore %s: %v", sum.SessionID, err)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		sess := &Session{
			ID:      sum.SessionID,
			emitter: NewEmitter(eventBufferSize),
			ctx:     ctx,
			cancel:  cancel,
		}

		m.mu.Lock()
		if _, exists := m.sessions[sess.ID]; exists {
			m.mu.Unlock()
			cancel()
			continue
		}
		m.sessions[sess.ID] = sess
		m.mu.Unlock()

		sess.mu.Lock()
		sess.running = true
		sess.state = state
		sess.mu.Unlock()

		log.Printf("[session] restoring %s from status %s", sess.ID, state.Status)
		go m.run(sess, state)
		resumed++
	}
	return resumed, nil
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}
