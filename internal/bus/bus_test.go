package bus

import (
	"context"
	"testing"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReportThenRespondWakesAwait(t *testing.T) {
	s := openTestStore(t)
	b := New(s)

	report, err := b.Report("sess-1", "human-verify", `{"whatBuilt":"x"}`)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	type result struct {
		m   *store.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := b.Await(context.Background(), "sess-1", report.ID, 2*time.Second)
		done <- result{m, err}
	}()

	// Give Await a moment to register its waiter before we respond.
	time.Sleep(20 * time.Millisecond)

	reply, err := b.Respond("sess-1", report.ID, "ack", `{"ok":true}`)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("await: %v", r.err)
		}
		if r.m == nil || r.m.ID != reply.ID {
			t.Fatalf("unexpected await result: %+v", r.m)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not wake within 1s of respond")
	}
}

func TestAwaitFindsReplyAlreadyPosted(t *testing.T) {
	s := openTestStore(t)
	b := New(s)

	report, err := b.Report("sess-2", "decision", `{}`)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := b.Respond("sess-2", report.ID, "ack", `{}`); err != nil {
		t.Fatalf("respond: %v", err)
	}

	m, err := b.Await(context.Background(), "sess-2", report.ID, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if m == nil {
		t.Fatal("expected await to find the already-posted reply immediately")
	}
}

func TestAwaitTimesOutWithoutReply(t *testing.T) {
	s := openTestStore(t)
	b := New(s)

	report, err := b.Report("sess-3", "decision", `{}`)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	start := time.Now()
	m, err := b.Await(context.Background(), "sess-3", report.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil result on timeout, got %+v", m)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("await returned too early: %v", elapsed)
	}
}

func TestAwaitCanceledByContext(t *testing.T) {
	s := openTestStore(t)
	b := New(s)

	report, err := b.Report("sess-4", "decision", `{}`)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = b.Await(ctx, "sess-4", report.ID, 5*time.Second)
	if err == nil {
		t.Fatal("expected await to return an error when context is canceled")
	}
}

func TestPendingAndAck(t *testing.T) {
	s := openTestStore(t)
	b := New(s)

	if _, err := b.Report("sess-5", "report", `{"n":1}`); err != nil {
		t.Fatalf("report: %v", err)
	}

	pending, err := b.Pending("sess-5")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}

	if err := b.Ack(pending[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err = b.Pending("sess-5")
	if err != nil {
		t.Fatalf("pending after ack: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", len(pending))
	}
}
