package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/bus"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/orchestration"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/sessionmgr"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Slots = 2
	cfg.RingCapacity = 1000
	cfg.LineSoftMax = 4096
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.RunIdle = 20 * time.Millisecond
	cfg.InputIdle = 50 * time.Millisecond
	cfg.IdleIdle = 200 * time.Millisecond
	cfg.Debounce = 20 * time.Millisecond
	cfg.KillGrace = 200 * time.Millisecond
	cfg.StaleTimeout = time.Hour
	cfg.SweepInterval = time.Hour
	cfg.OrphanTimeout = time.Minute
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	cfg.CredentialsDir = t.TempDir()
	gates := orchestration.NewGateRegistry(st)
	hub := sessionmgr.NewHub()
	mgr := sessionmgr.New(cfg, st, hub, gates)
	b := bus.New(st)

	specDir := t.TempDir()
	return New(cfg, mgr, b, gates, specDir)
}

func dispatch(t *testing.T, s *Server, method string, params any) Envelope {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return s.Dispatch(context.Background(), method, raw)
}

func TestStartSessionListAndGetOutput(t *testing.T) {
	s := newTestServer(t)

	env := dispatch(t, s, "start_session", map[string]any{
		"command": "sh", "args": []string{"-c", "echo hello"}, "cwd": ".",
	})
	if !env.Success {
		t.Fatalf("start_session failed: %+v", env)
	}
	sessMap := env.Data.(sessionEnvelope)
	sessionID := sessMap.SessionID
	if sessionID == "" {
		t.Fatal("expected a sessionId")
	}

	deadline := time.Now().Add(2 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		listEnv := dispatch(t, s, "list_sessions", map[string]any{})
		if !listEnv.Success {
			t.Fatalf("list_sessions failed: %+v", listEnv)
		}
		sessions := listEnv.Data.([]sessionEnvelope)
		for _, sess := range sessions {
			if sess.SessionID == sessionID {
				status = sess.Status
			}
		}
		if status == store.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", status)
	}

	outEnv := dispatch(t, s, "get_output", map[string]any{"sessionId": sessionID, "tail": 10})
	if !outEnv.Success {
		t.Fatalf("get_output failed: %+v", outEnv)
	}
}

func TestStartSessionMissingCommandIsInvalidArgs(t *testing.T) {
	s := newTestServer(t)
	env := dispatch(t, s, "start_session", map[string]any{"cwd": "."})
	if env.Success || env.Code != CodeInvalidArgs {
		t.Fatalf("expected InvalidArgs, got %+v", env)
	}
}

func TestEndSessionUnknownIsUnknownSession(t *testing.T) {
	s := newTestServer(t)
	env := dispatch(t, s, "end_session", map[string]any{"sessionId": "nope"})
	if env.Success || env.Code != "UnknownSession" {
		t.Fatalf("expected UnknownSession, got %+v", env)
	}
}

func TestUnknownMethodIsInvalidArgs(t *testing.T) {
	s := newTestServer(t)
	env := s.Dispatch(context.Background(), "not_a_tool", nil)
	if env.Success || env.Code != CodeInvalidArgs {
		t.Fatalf("expected InvalidArgs for unknown method, got %+v", env)
	}
}

func TestWaitForStateChangeTimesOutAsSuccess(t *testing.T) {
	s := newTestServer(t)
	start := time.Now()
	env := dispatch(t, s, "wait_for_state_change", map[string]any{"timeoutMs": 50})
	if !env.Success {
		t.Fatalf("expected timeout to be success, got %+v", env)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned suspiciously fast for a 50ms timeout")
	}
	data := env.Data.(map[string]any)
	if data["timedOut"] != true {
		t.Fatalf("expected timedOut=true, got %+v", data)
	}
}

func TestWorkerBusRoundTrip(t *testing.T) {
	s := newTestServer(t)

	reportEnv := dispatch(t, s, "worker_report", map[string]any{
		"sessionId": "sess-1", "type": "verification_needed", "payload": `{"q":"looks right?"}`,
	})
	if !reportEnv.Success {
		t.Fatalf("worker_report failed: %+v", reportEnv)
	}
	msg := reportEnv.Data.(*store.Message)

	pendingEnv := dispatch(t, s, "get_pending", map[string]any{"sessionId": "sess-1"})
	if !pendingEnv.Success {
		t.Fatalf("get_pending failed: %+v", pendingEnv)
	}
	pending := pendingEnv.Data.([]*store.Message)
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	respondDone := make(chan Envelope, 1)
	go func() {
		awaitEnv := dispatch(t, s, "worker_await", map[string]any{
			"sessionId": "sess-1", "inResponseTo": msg.ID, "timeoutMs": 2000,
		})
		respondDone <- awaitEnv
	}()

	time.Sleep(20 * time.Millisecond)
	respondEnv := dispatch(t, s, "respond", map[string]any{
		"sessionId": "sess-1", "inResponseTo": msg.ID, "type": "verification_result", "payload": `{"ok":true}`,
	})
	if !respondEnv.Success {
		t.Fatalf("respond failed: %+v", respondEnv)
	}

	select {
	case awaitEnv := <-respondDone:
		if !awaitEnv.Success {
			t.Fatalf("worker_await failed: %+v", awaitEnv)
		}
		reply := awaitEnv.Data.(*store.Message)
		if reply.Payload != `{"ok":true}` {
			t.Fatalf("unexpected reply payload: %q", reply.Payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("worker_await did not wake up within 1s")
	}
}

func TestGetCredentialsReturnsOnlyRequestedKeys(t *testing.T) {
	s := newTestServer(t)
	content := "TOKEN=abc123\n"
	if err := os.WriteFile(filepath.Join(s.cfg.CredentialsDir, "github.env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}

	env := dispatch(t, s, "get_credentials", map[string]any{"service": "github", "keys": []string{"TOKEN"}})
	if !env.Success {
		t.Fatalf("get_credentials failed: %+v", env)
	}
	values := env.Data.(map[string]string)
	if values["TOKEN"] != "abc123" {
		t.Fatalf("TOKEN = %q", values["TOKEN"])
	}
}

func TestWatchSpecDirRefreshesCacheOnEdit(t *testing.T) {
	s := newTestServer(t)
	statePath := filepath.Join(s.specDir, "STATE.md")
	if err := os.WriteFile(statePath, []byte("Status: building\n"), 0o644); err != nil {
		t.Fatalf("write STATE.md: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchSpecDir(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.specCache.get(); ok && st.Status == "building" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st, ok := s.specCache.get(); !ok || st.Status != "building" {
		t.Fatalf("expected cache to pick up initial STATE.md, got %+v ok=%v", st, ok)
	}

	if err := os.WriteFile(statePath, []byte("Status: verifying\n"), 0o644); err != nil {
		t.Fatalf("rewrite STATE.md: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.specCache.get(); ok && st.Status == "verifying" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache did not refresh after STATE.md edit within 2s")
}

func TestServeRoundTripsOneRequest(t *testing.T) {
	s := newTestServer(t)
	req := Request{ID: "1", Method: "list_sessions"}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	in := bytes.NewReader(append(line, '\n'))
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Result.Success {
		t.Fatalf("expected success, got %+v", resp.Result)
	}
}
