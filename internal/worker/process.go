package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrProcessExited is returned by Call when the worker process exits before
// delivering a response.
var ErrProcessExited = errors.New("worker process exited")

// Process is one running worker subprocess. Requests are written as JSON
// lines to stdin and responses are matched back to callers by request ID,
// so multiple calls may be in flight at once.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Response
	stderrBuf []byte

	progressCh      chan Progress
	droppedProgress atomic.Uint64

	once sync.Once
	done chan struct{}
}

// Start launches the worker executable in the given working directory and
// begins reading its output. The command slice is the executable followed
// by its arguments; an empty dir inherits the daemon's directory.
func Start(ctx context.Context, name string, command []string, dir string) (*Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("start worker %s: empty command", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}

	p := &Process{
		name:       name,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]chan Response),
		progressCh: make(chan Progress, 100),
		done:       make(chan struct{}),
	}

	go p.readLoop()
	go p.readStderr()
	go func() {
		// Reap the child once the reader is finished.
		<-p.done
		cmd.Wait()
	}()

	return p, nil
}

// Attach builds a Process over existing pipes instead of a spawned
// executable. The caller owns the far ends of the pipes.
func Attach(name string, stdin io.WriteCloser, stdout io.Reader) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		name:       name,
		stdin:      stdin,
		stdout:     stdout,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]chan Response),
		progressCh: make(chan Progress, 100),
		done:       make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// Name returns the worker name this process was started as.
func (p *Process) Name() string {
	return p.name
}

// Call sends one request and blocks until its response arrives, the context
// is done, or the process exits. Worker-reported failures are returned as a
// *WireError.
func (p *Process) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	id := uuid.New().String()
	req := Request{ID: id, Method: method, Params: data}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	respCh := make(chan Response, 1)
	p.mu.Lock()
	p.pending[id] = respCh
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case <-p.done:
		return nil, ErrProcessExited
	default:
	}

	p.writeMu.Lock()
	_, err = p.stdin.Write(append(line, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrProcessExited
	}
}

// Progress returns the channel of progress notifications from this worker.
// Notifications are dropped, with a counter, if the channel is full.
func (p *Process) Progress() <-chan Progress {
	return p.progressCh
}

// DroppedProgress returns the number of progress notifications dropped
// because the channel was full.
func (p *Process) DroppedProgress() uint64 {
	return p.droppedProgress.Load()
}

// Done is closed when the process's output stream ends.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stderr returns any stderr output captured from the process.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stderrBuf)
}

// Kill terminates the process immediately. In-flight calls fail with
// ErrProcessExited once the output stream closes.
func (p *Process) Kill() error {
	p.once.Do(func() {
		p.cancel()
	})
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return p.stdin.Close()
}

// Close shuts the worker down by closing its stdin. Well-behaved workers
// exit on EOF; Kill remains available for the rest.
func (p *Process) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Close()
}

// readLoop reads stdout lines, resolving pending calls and forwarding
// progress notifications. Malformed lines and responses with unknown IDs
// are logged and dropped.
func (p *Process) readLoop() {
	defer func() {
		close(p.done)
		close(p.progressCh)
		p.failPending()
	}()

	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, prog, err := classifyLine(line)
		if err != nil {
			log.Printf("[worker] %s: dropping line: %v", p.name, err)
			continue
		}

		if prog != nil {
			select {
			case p.progressCh <- *prog:
			default:
				n := p.droppedProgress.Add(1)
				if n%10 == 1 {
					log.Printf("[worker] %s: progress channel full, dropped %d notifications", p.name, n)
				}
			}
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		p.mu.Unlock()
		if !ok {
			log.Printf("[worker] %s: dropping response with unknown id %s", p.name, resp.ID)
			continue
		}
		ch <- *resp
	}

	if err := scanner.Err(); err != nil && p.ctx.Err() == nil {
		log.Printf("[worker] %s: read error: %v", p.name, err)
	}
}

// failPending wakes every in-flight call after the stream closes. Callers
// observe the closed done channel and return ErrProcessExited.
func (p *Process) failPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[string]chan Response)
}

func (p *Process) readStderr() {
	scanner := bufio.NewScanner(p.stderr)
	buf := make([]byte, 16*1024)
	scanner.Buffer(buf, 256*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.mu.Lock()
		p.stderrBuf = append(p.stderrBuf, line...)
		p.stderrBuf = append(p.stderrBuf, '\n')
		p.mu.Unlock()
	}
}
