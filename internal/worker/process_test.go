package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// fakeWorker is the far side of an attached process: it reads request
// lines from the adapter and writes whatever the test script decides.
type fakeWorker struct {
	in   *io.PipeReader  // requests from the adapter
	out  *io.PipeWriter  // responses to the adapter
	scan *bufio.Scanner
}

// startFakeWorker wires a Process to an in-memory worker over pipes.
func startFakeWorker(t *testing.T) (*Process, *fakeWorker) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	p := Attach("fake", reqW, respR)
	fw := &fakeWorker{in: reqR, out: respW, scan: bufio.NewScanner(reqR)}
	t.Cleanup(func() {
		respW.Close()
		reqR.Close()
	})
	return p, fw
}

// nextRequest reads one request line from the adapter.
func (f *fakeWorker) nextRequest(t *testing.T) Request {
	t.Helper()
	if !f.scan.Scan() {
		t.Fatalf("fake worker: no request line: %v", f.scan.Err())
	}
	var req Request
	if err := json.Unmarshal(f.scan.Bytes(), &req); err != nil {
		t.Fatalf("fake worker: bad request line: %v", err)
	}
	return req
}

// writeLine writes one raw line to the adapter's stdout reader.
func (f *fakeWorker) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := f.out.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("fake worker: write: %v", err)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		req := fw.nextRequest(t)
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"result":{"summary":"done"}}`, req.ID))
	}()

	result, err := p.Call(context.Background(), "run", map[string]string{"task": "demo"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if out.Summary != "done" {
		t.Errorf("Summary = %q, want done", out.Summary)
	}
}

func TestCall_ConcurrentCallsCorrelateByID(t *testing.T) {
	p, fw := startFakeWorker(t)

	// Serve two requests, answering in reverse order of arrival.
	go func() {
		first := fw.nextRequest(t)
		second := fw.nextRequest(t)
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"result":"for-second"}`, second.ID))
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"result":"for-first"}`, first.ID))
	}()

	type callResult struct {
		tag string
		raw json.RawMessage
		err error
	}
	results := make(chan callResult, 2)

	call := func(tag string) {
		raw, err := p.Call(context.Background(), "run", map[string]string{"tag": tag})
		results <- callResult{tag: tag, raw: raw, err: err}
	}
	go call("first")
	// Give the first request a head start so arrival order is stable.
	time.Sleep(20 * time.Millisecond)
	go call("second")

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("call %s failed: %v", r.tag, r.err)
		}
		var s string
		if err := json.Unmarshal(r.raw, &s); err != nil {
			t.Fatalf("call %s: bad result: %v", r.tag, err)
		}
		got[r.tag] = s
	}
	if got["first"] != "for-first" || got["second"] != "for-second" {
		t.Errorf("responses crossed: %v", got)
	}
}

func TestCall_WireError(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		req := fw.nextRequest(t)
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"error":{"code":"E_FAIL","message":"cannot complete task"}}`, req.ID))
	}()

	_, err := p.Call(context.Background(), "run", nil)
	var wireErr *WireError
	if !errors.As(err, &wireErr) {
		t.Fatalf("Call error = %v, want *WireError", err)
	}
	if wireErr.Code != "E_FAIL" || wireErr.Message != "cannot complete task" {
		t.Errorf("WireError = %+v", wireErr)
	}
}

func TestReadLoop_DropsMalformedAndUnknownLines(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		req := fw.nextRequest(t)
		fw.writeLine(t, `this is not json`)
		fw.writeLine(t, `{"id":"never-issued","result":"orphan"}`)
		fw.writeLine(t, `{"some":"object"}`)
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"result":"survived"}`, req.ID))
	}()

	result, err := p.Call(context.Background(), "run", nil)
	if err != nil {
		t.Fatalf("Call failed after noisy lines: %v", err)
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "survived" {
		t.Errorf("result = %s, err = %v", result, err)
	}
}

func TestCall_ProgressDoesNotResolveCall(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		req := fw.nextRequest(t)
		fw.writeLine(t, `{"type":"progress","session_id":"s1","message":"halfway","fraction_done":0.5}`)
		fw.writeLine(t, fmt.Sprintf(`{"id":%q,"result":"final"}`, req.ID))
	}()

	result, err := p.Call(context.Background(), "run", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "final" {
		t.Fatalf("result = %s, err = %v", result, err)
	}

	select {
	case prog := <-p.Progress():
		if prog.Message != "halfway" || prog.FractionDone != 0.5 || prog.SessionID != "s1" {
			t.Errorf("progress = %+v", prog)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress notification received")
	}
}

func TestCall_ProcessExitFailsPendingCalls(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		fw.nextRequest(t)
		fw.out.Close()
	}()

	_, err := p.Call(context.Background(), "run", nil)
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("Call error = %v, want ErrProcessExited", err)
	}
}

func TestCall_ContextCancellation(t *testing.T) {
	p, fw := startFakeWorker(t)

	go func() {
		fw.nextRequest(t)
		// Never respond.
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Call(ctx, "run", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call error = %v, want DeadlineExceeded", err)
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantResp bool
		wantProg bool
		wantErr  bool
	}{
		{"response", `{"id":"abc","result":"x"}`, true, false, false},
		{"error response", `{"id":"abc","error":{"code":"e1","message":"m"}}`, true, false, false},
		{"progress", `{"type":"progress","session_id":"s","message":"m","fraction_done":0.2}`, false, true, false},
		{"not json", `garbage`, false, false, true},
		{"neither shape", `{"foo":"bar"}`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, prog, err := classifyLine([]byte(tt.line))
			if (resp != nil) != tt.wantResp || (prog != nil) != tt.wantProg || (err != nil) != tt.wantErr {
				t.Errorf("classifyLine(%s) = %v, %v, %v", tt.line, resp, prog, err)
			}
		})
	}
}
