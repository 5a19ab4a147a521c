package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/bus"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/creds"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/orchestration"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/sessionmgr"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/specreader"
)

// handlerFunc is the per-tool entry in the dispatch table (spec.md §9:
// "dynamic dispatch over tool kinds... implement as a dispatch table
// mapping tool name to a validator + handler pair").
type handlerFunc func(ctx context.Context, s *Server, params json.RawMessage) Envelope

// Server holds every dependency a tool handler may need and the static
// dispatch table built once in New.
type Server struct {
	cfg   *config.Config
	mgr   *sessionmgr.Manager
	bus   *bus.Bus
	gates *orchestration.GateRegistry

	specDir   string
	specCache specCache

	handlers map[string]handlerFunc
}

// New builds a Server wired to the supplied components. specDir is the
// external spec directory root used by get_state and sync_project_state.
func New(cfg *config.Config, mgr *sessionmgr.Manager, b *bus.Bus, gates *orchestration.GateRegistry, specDir string) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		bus:     b,
		gates:   gates,
		specDir: specDir,
	}
	s.handlers = map[string]handlerFunc{
		"start_session":         handleStartSession,
		"list_sessions":         handleListSessions,
		"end_session":           handleEndSession,
		"get_output":            handleGetOutput,
		"get_state":             handleGetState,
		"get_checkpoint":        handleGetCheckpoint,
		"respond_checkpoint":    handleRespondCheckpoint,
		"worker_report":         handleWorkerReport,
		"worker_await":          handleWorkerAwait,
		"respond":               handleRespond,
		"get_pending":           handleGetPending,
		"wait_for_state_change": handleWaitForStateChange,
		"sync_project_state":    handleSyncProjectState,
		"get_credentials":       handleGetCredentials,
	}
	return s
}

// Dispatch looks up method in the table and invokes its handler, or
// returns InvalidArgs for an unknown method.
func (s *Server) Dispatch(ctx context.Context, method string, params json.RawMessage) Envelope {
	h, ok := s.handlers[method]
	if !ok {
		return fail(CodeInvalidArgs, fmt.Sprintf("unknown tool %q", method), nil)
	}
	return h(ctx, s, params)
}

func (s *Server) lookupCredential(service, ctxName string, wanted []string) (map[string]string, error) {
	return creds.Lookup(s.cfg.CredentialsDir, service, ctxName, wanted)
}

func (s *Server) readSpecState() (*specreader.State, error) {
	return specreader.ReadState(s.specDir)
}

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		ms = 30000
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}
