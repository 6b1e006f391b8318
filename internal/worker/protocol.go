// Package worker manages worker subprocesses and the newline-delimited
// JSON protocol spoken over their stdin/stdout.
package worker

import (
	"encoding/json"
	"fmt"
)

// Request is one call sent to a worker, a single JSON line on stdin.
type Request struct {
	// ID correlates the response to this request.
	ID string `json:"id"`
	// Method names the operation, usually "run".
	Method string `json:"method"`
	// Params carries the method arguments.
	Params json.RawMessage `json:"params,omitempty"`
}

// WireError is a worker-reported failure inside a response.
type WireError struct {
	// Code is a worker-defined error code string.
	Code string `json:"code"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("worker error %s: %s", e.Code, e.Message)
}

// Response is a worker's reply to a request, a single JSON line on stdout.
// Exactly one of Result or Error is set.
type Response struct {
	// ID echoes the request ID.
	ID string `json:"id"`
	// Result carries the method result on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes the failure, if any.
	Error *WireError `json:"error,omitempty"`
}

// Progress is an unsolicited notification a worker may emit between a
// request and its response. It has no ID and never resolves a call.
type Progress struct {
	// Type is always "progress".
	Type string `json:"type"`
	// SessionID names the session the work belongs to.
	SessionID string `json:"session_id"`
	// Message is a human-readable progress note.
	Message string `json:"message"`
	// FractionDone is the worker's completion estimate in [0, 1].
	FractionDone float64 `json:"fraction_done"`
}

// envelope is the superset of fields used to classify an incoming line.
type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *WireError      `json:"error"`

	SessionID    string  `json:"session_id"`
	Message      string  `json:"message"`
	FractionDone float64 `json:"fraction_done"`
}

// classifyLine parses one stdout line into either a Response or a Progress.
// It returns an error for lines that are not valid JSON or match neither
// shape; such lines are logged and dropped by the reader.
func classifyLine(line []byte) (*Response, *Progress, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("malformed line: %w", err)
	}

	if env.Type == "progress" {
		return nil, &Progress{
			Type:         env.Type,
			SessionID:    env.SessionID,
			Message:      env.Message,
			FractionDone: env.FractionDone,
		}, nil
	}

	if env.ID != "" {
		return &Response{ID: env.ID, Result: env.Result, Error: env.Error}, nil, nil
	}

	return nil, nil, fmt.Errorf("line is neither a response nor a progress notification")
}
