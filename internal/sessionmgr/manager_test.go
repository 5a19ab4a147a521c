package sessionmgr

import (
	"testing"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
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

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForStatus(t *testing.T, m *Manager, id, want string, timeout time.Duration) *store.Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sess, err := m.GetSession(id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess != nil && sess.Status == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach status %q within %v", id, want, timeout)
	return nil
}

func TestStartSessionRunsToCompletion(t *testing.T) {
	s := openTestStore(t)
	m := New(testConfig(), s, NewHub(), nil)

	sess, err := m.StartSession(StartRequest{Command: "sh", Args: []string{"-c", "echo hi"}, CWD: "."})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if sess.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", sess.Status)
	}

	done := waitForStatus(t, m, sess.ID, store.StatusCompleted, 2*time.Second)
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %v", done.ExitCode)
	}

	lines, err := m.GetOutput(sess.ID, OutputQuery{Tail: intPtr(10)})
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	found := false
	for _, l := range lines {
		if string(l.Bytes) != "" && containsSubstring(string(l.Bytes), "hi") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected output containing 'hi', got %+v", lines)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestStartSessionNoSlotsAvailable(t *testing.T) {
	s := openTestStore(t)
	cfg := testConfig()
	cfg.Slots = 1
	m := New(cfg, s, NewHub(), nil)

	sess1, err := m.StartSession(StartRequest{Command: "sh", Args: []string{"-c", "sleep 1"}, CWD: "."})
	if err != nil {
		t.Fatalf("start session 1: %v", err)
	}
	defer m.EndSession(sess1.ID)

	_, err = m.StartSession(StartRequest{Command: "sh", Args: []string{"-c", "sleep 1"}, CWD: "."})
	if err == nil {
		t.Fatal("expected NoSlotsAvailable error")
	}
	svcErr, ok := err.(*Error)
	if !ok || svcErr.Code != CodeNoSlotsAvailable {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendInputToUnknownSessionFails(t *testing.T) {
	s := openTestStore(t)
	m := New(testConfig(), s, NewHub(), nil)

	err := m.SendInput("does-not-exist", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	svcErr, ok := err.(*Error)
	if !ok || svcErr.Code != CodeUnknownSession {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	m := New(testConfig(), s, NewHub(), nil)

	sess, err := m.StartSession(StartRequest{Command: "sh", Args: []string{"-c", "true"}, CWD: "."})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitForStatus(t, m, sess.ID, store.StatusCompleted, 2*time.Second)

	if err := m.EndSession(sess.ID); err != nil {
		t.Fatalf("end already-terminal session: %v", err)
	}
}

func TestGateBlocksSpawn(t *testing.T) {
	s := openTestStore(t)
	gate := fakeGate{allow: false, pending: 4, max: 5}
	m := New(testConfig(), s, NewHub(), gate)

	phase := 6
	_, err := m.StartSession(StartRequest{Command: "sh", Args: []string{"-c", "true"}, CWD: ".", SpecID: "spec-1", Phase: &phase})
	if err == nil {
		t.Fatal("expected GateBlocked error")
	}
	svcErr, ok := err.(*Error)
	if !ok || svcErr.Code != CodeGateBlocked {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeGate struct {
	allow   bool
	pending int
	max     int
}

func (g fakeGate) CanExecute(specID string, phase int) (bool, *store.OrchestrationState, error) {
	pending := g.pending
	return g.allow, &store.OrchestrationState{PendingVerifyPhase: &pending}, nil
}
