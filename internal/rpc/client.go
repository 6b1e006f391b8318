package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"conductor/internal/worker"
	"conductor/pkg/models"
)

// DefaultCallTimeout bounds a worker call when the registry entry does not
// set its own timeout.
const DefaultCallTimeout = 5 * time.Minute

// Starter launches a worker process in a working directory. Tests
// substitute a pipe-backed implementation; production uses worker.Start.
type Starter func(ctx context.Context, name string, command []string, dir string) (*worker.Process, error)

// ProgressFunc receives progress notifications forwarded from workers.
type ProgressFunc func(sessionID string, p worker.Progress)

// Client invokes workers over their process adapters. Processes are cached
// per (session, worker name) and reused across calls; CloseSession stops a
// session's workers.
type Client struct {
	starter    Starter
	onProgress ProgressFunc

	mu         sync.Mutex
	procs      map[string]*worker.Process
	workspaces map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithStarter replaces the process launcher.
func WithStarter(s Starter) Option {
	return func(c *Client) { c.starter = s }
}

// WithProgressHandler sets the sink for forwarded progress notifications.
func WithProgressHandler(fn ProgressFunc) Option {
	return func(c *Client) { c.onProgress = fn }
}

// NewClient creates a Client that spawns real worker processes unless a
// starter option overrides that.
func NewClient(opts ...Option) *Client {
	c := &Client{
		starter:    worker.Start,
		procs:      make(map[string]*worker.Process),
		workspaces: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func procKey(sessionID string, name models.WorkerKind) string {
	return sessionID + "/" + string(name)
}

// BindWorkspace sets the working directory for the session's worker
// processes. Must be called before the session's first Invoke.
func (c *Client) BindWorkspace(sessionID, dir string) {
	c.mu.Lock()
	c.workspaces[sessionID] = dir
	c.mu.Unlock()
}

// Invoke calls the named worker once and classifies any failure. The call
// deadline is the spec's timeout, or DefaultCallTimeout if unset; on
// timeout the worker process is killed and evicted from the cache.
func (c *Client) Invoke(ctx context.Context, sessionID string, spec models.WorkerSpec, params any) (json.RawMessage, error) {
	proc, err := c.acquire(ctx, sessionID, spec)
	if err != nil {
		return nil, &WorkerError{Kind: KindUnavailable, Worker: string(spec.Name), Err: err}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = "run"
	}

	result, err := proc.Call(callCtx, method, params)
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// A timed-out worker may be wedged; kill it so the next call gets
		// a fresh process.
		c.evict(sessionID, spec.Name, proc)
		return nil, &WorkerError{Kind: KindTimeout, Worker: string(spec.Name), Err: err}
	case errors.Is(err, context.Canceled):
		return nil, &WorkerError{Kind: KindUnavailable, Worker: string(spec.Name), Err: err}
	case errors.Is(err, worker.ErrProcessExited):
		c.evict(sessionID, spec.Name, proc)
		return nil, &WorkerError{Kind: KindUnavailable, Worker: string(spec.Name), Err: err}
	default:
		var wireErr *worker.WireError
		if errors.As(err, &wireErr) {
			return nil, &WorkerError{Kind: KindExecution, Worker: string(spec.Name), Err: wireErr}
		}
		return nil, &WorkerError{Kind: KindProtocol, Worker: string(spec.Name), Err: err}
	}
}

// acquire returns the cached process for (session, worker), starting one if
// needed.
func (c *Client) acquire(ctx context.Context, sessionID string, spec models.WorkerSpec) (*worker.Process, error) {
	key := procKey(sessionID, spec.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if proc, ok := c.procs[key]; ok {
		select {
		case <-proc.Done():
			// Stale entry from a dead process.
			delete(c.procs, key)
		default:
			return proc, nil
		}
	}

	proc, err := c.starter(ctx, string(spec.Name), spec.Command, c.workspaces[sessionID])
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	c.procs[key] = proc

	if c.onProgress != nil {
		go c.pumpProgress(sessionID, proc)
	}
	return proc, nil
}

// pumpProgress forwards one process's notifications to the client handler.
func (c *Client) pumpProgress(sessionID string, proc *worker.Process) {
	for prog := range proc.Progress() {
		c.onProgress(sessionID, prog)
	}
}

// evict kills a process and removes it from the cache if still registered.
func (c *Client) evict(sessionID string, name models.WorkerKind, proc *worker.Process) {
	key := procKey(sessionID, name)
	c.mu.Lock()
	if c.procs[key] == proc {
		delete(c.procs, key)
	}
	c.mu.Unlock()

	if err := proc.Kill(); err != nil {
		log.Printf("[rpc] kill worker %s: %v", name, err)
	}
}

// CloseSession stops every cached worker belonging to the session.
func (c *Client) CloseSession(sessionID string) {
	prefix := sessionID + "/"

	c.mu.Lock()
	var victims []*worker.Process
	for key, proc := range c.procs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			victims = append(victims, proc)
			delete(c.procs, key)
		}
	}
	delete(c.workspaces, sessionID)
	c.mu.Unlock()

	for _, proc := range victims {
		if err := proc.Close(); err != nil {
			proc.Kill()
		}
	}
}

// Close stops every cached worker process.
func (c *Client) Close() {
	c.mu.Lock()
	var victims []*worker.Process
	for key, proc := range c.procs {
		victims = append(victims, proc)
		delete(c.procs, key)
	}
	c.mu.Unlock()

	for _, proc := range victims {
		if err := proc.Close(); err != nil {
			proc.Kill()
		}
	}
}
