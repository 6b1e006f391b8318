// Package gateway exposes the client session protocol over a persistent
// websocket. One connection corresponds to one session: the client sends
// an init message naming its workspace, then submits tasks and receives
// streamed progress and terminal results.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"conductor/internal/session"
	"conductor/pkg/models"
)

// ClientMessage is a frame sent by the client.
type ClientMessage struct {
	// Type is "init" or "task".
	Type string `json:"type"`
	// WorkspacePath is the workspace root for init messages.
	WorkspacePath string `json:"workspace_path,omitempty"`
	// Content is the task description for task messages.
	Content string `json:"content,omitempty"`
}

// ServerFrame is a frame sent to the client.
type ServerFrame struct {
	// Type is "opened", "progress", "status", "result", or "error".
	Type string `json:"type"`
	// SessionID is set once the session is opened.
	SessionID string `json:"session_id,omitempty"`
	// Message is the progress note or error description.
	Message string `json:"message,omitempty"`
	// FractionDone accompanies progress frames.
	FractionDone float64 `json:"fraction_done,omitempty"`
	// Status accompanies status and result frames.
	Status models.Status `json:"status,omitempty"`
	// Summary accompanies result frames.
	Summary string `json:"summary,omitempty"`
}

// Config configures the gateway server.
type Config struct {
	// Listen is the address to serve on, e.g. "127.0.0.1:7433".
	Listen string
	// Manager owns the sessions the gateway fronts.
	Manager *session.Manager
}

// Server is the client-facing websocket server.
type Server struct {
	cfg  Config
	http *http.Server
}

// NewServer creates a gateway Server.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the gateway's HTTP handler, usable under httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Printf("[gateway] listening on %s", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleSession runs one websocket connection as one session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()

	// The first frame must be init.
	var init ClientMessage
	if err := wsjson.Read(ctx, conn, &init); err != nil {
		return
	}
	if init.Type != "init" || init.WorkspacePath == "" {
		s.writeError(ctx, conn, "first message must be init with a workspace_path")
		return
	}

	sessionID, err := s.cfg.Manager.Open(init.WorkspacePath)
	if err != nil {
		s.writeError(ctx, conn, err.Error())
		return
	}
	defer s.cfg.Manager.Close(sessionID)

	log.Printf("[gateway] session %s opened for %s", sessionID, init.WorkspacePath)
	if err := wsjson.Write(ctx, conn, ServerFrame{Type: "opened", SessionID: sessionID}); err != nil {
		return
	}

	events, err := s.cfg.Manager.Events(sessionID)
	if err != nil {
		s.writeError(ctx, conn, err.Error())
		return
	}

	// Pump session events to the client until the connection or the
	// session goes away.
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go s.pumpEvents(pumpCtx, conn, events)

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Printf("[gateway] session %s: read error, closing: %v", sessionID, err)
			return
		}

		switch msg.Type {
		case "task":
			if err := s.cfg.Manager.SubmitTask(sessionID, msg.Content); err != nil {
				s.writeError(ctx, conn, err.Error())
			}
		default:
			s.writeError(ctx, conn, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

// pumpEvents forwards session events as server frames.
func (s *Server) pumpEvents(ctx context.Context, conn *websocket.Conn, events <-chan session.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame := ServerFrame{
				Type:         string(ev.Type),
				SessionID:    ev.SessionID,
				Message:      ev.Message,
				FractionDone: ev.FractionDone,
				Status:       ev.Status,
				Summary:      ev.Summary,
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	if err := wsjson.Write(ctx, conn, ServerFrame{Type: "error", Message: msg}); err != nil {
		log.Printf("[gateway] write error frame: %v", err)
	}
}
