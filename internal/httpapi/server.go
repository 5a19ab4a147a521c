// Package httpapi implements C9: the HTTP + WebSocket surface consumed by a
// read-only monitoring UI. It never mutates session state — every write
// path runs through internal/rpc and, beneath that, internal/sessionmgr.
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/sessionmgr"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// Version is stamped into /health; overridden at build time via -ldflags if
// the release process wants a real build identifier.
var Version = "dev"

//go:embed static
var staticFS embed.FS

// Sessions is the subset of *sessionmgr.Manager the HTTP surface needs.
// Declared as an interface so tests can substitute a fake.
type Sessions interface {
	ListSessions(filter store.SessionFilter) ([]*store.Session, error)
	GetSession(id string) (*store.Session, error)
	GetOutput(sessionID string, q sessionmgr.OutputQuery) ([]*store.OutputLine, error)
	Subscribe(sessionID string, sinceSeq *int64) ([]*store.OutputLine, <-chan sessionmgr.Event, func(), error)
}

// Server is the lightweight HTTP+WS server for the monitoring UI. Grounded
// on the teacher's internal/direct/server.go: a net/http.ServeMux started
// over a net.Listener the caller can Close, plus coder/websocket for the
// per-session stream.
type Server struct {
	cfg *config.Config
	mgr Sessions

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server over mgr, using cfg for WSBufferMax and StaleTimeout.
func New(cfg *config.Config, mgr Sessions) *Server {
	return &Server{cfg: cfg, mgr: mgr}
}

// Start begins listening on addr and serves until the listener is closed.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/stale", s.handleStaleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/output", s.handleSessionOutput)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSessionStream)

	assets, err := fs.Sub(staticFS, "static")
	if err == nil {
		mux.Handle("GET /", http.FileServer(http.FS(assets)))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Log.Info("httpapi: listening", "addr", addr)
	return http.Serve(ln, mux)
}

// Close stops the listener, causing Start's http.Serve to return.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var filter store.SessionFilter
	filter.Status = r.URL.Query().Get("status")
	if v := r.URL.Query().Get("slot"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Slot = n
		}
	}
	sessions, err := s.mgr.ListSessions(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list sessions failed"})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStaleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.ListSessions(store.SessionFilter{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list sessions failed"})
		return
	}
	now := time.Now()
	stale := make([]*store.Session, 0)
	for _, sess := range sessions {
		if store.IsTerminal(sess.Status) {
			continue
		}
		if now.Sub(sess.LastPollAt) > s.cfg.StaleTimeout {
			stale = append(stale, sess)
		}
	}
	writeJSON(w, http.StatusOK, stale)
}

func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := sessionmgr.OutputQuery{}
	if v := r.URL.Query().Get("sinceSeq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.SinceSeq = &n
		}
	}
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Tail = &n
		}
	}
	lines, err := s.mgr.GetOutput(id, q)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleSessionStream upgrades to a WebSocket and streams backfill then
// live outputDelta/statusChange frames for one session, per spec.md §4.9.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var sinceSeq *int64
	if v := r.URL.Query().Get("sinceSeq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceSeq = &n
		}
	}

	backfill, events, cancel, err := s.mgr.Subscribe(id, sinceSeq)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Log.Warn("httpapi: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sendBuf := newBufferTracker(s.cfg.WSBufferMax)
	fw := newFrameWriter(ctx, conn, sendBuf)
	defer fw.Close()

	if err := fw.Send(wsFrame{
		Type:      "backfill",
		SessionID: id,
		Lines:     toWireLines(backfill),
	}); err != nil {
		if err == errSlowConsumer {
			conn.Close(websocket.StatusPolicyViolation, "slow-consumer")
		}
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame := eventToFrame(ev)
			if err := fw.Send(frame); err != nil {
				if err == errSlowConsumer {
					conn.Close(websocket.StatusPolicyViolation, "slow-consumer")
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsFrame is the wire shape for one backfill or delta message.
type wsFrame struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId"`
	Lines      []wireLine `json:"lines,omitempty"`
	Status     string     `json:"status,omitempty"`
	PrevStatus string     `json:"prevStatus,omitempty"`
}

type wireLine struct {
	Seq       int64  `json:"seq"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func toWireLines(lines []*store.OutputLine) []wireLine {
	out := make([]wireLine, len(lines))
	for i, l := range lines {
		out[i] = wireLine{Seq: l.Seq, Channel: l.Channel, Text: string(l.Bytes), Timestamp: l.Timestamp.UnixMilli()}
	}
	return out
}

func eventToFrame(ev sessionmgr.Event) wsFrame {
	switch ev.Kind {
	case sessionmgr.EventStatusChange:
		return wsFrame{Type: "statusChange", SessionID: ev.SessionID, Status: ev.Status, PrevStatus: ev.PrevStatus}
	default:
		lines := make([]wireLine, len(ev.Lines))
		for i, l := range ev.Lines {
			lines[i] = wireLine{Seq: l.Seq, Channel: l.Channel, Text: string(l.Bytes), Timestamp: time.Unix(0, l.Timestamp).UnixMilli()}
		}
		return wsFrame{Type: "outputDelta", SessionID: ev.SessionID, Lines: lines}
	}
}
