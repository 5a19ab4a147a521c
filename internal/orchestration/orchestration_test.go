package orchestration

import (
	"testing"

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

func TestGateRecordExecuteThenVerify(t *testing.T) {
	s := openTestStore(t)
	gate := NewGate("spec-1", s)

	can, _, err := gate.CanExecute(1)
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if !can {
		t.Fatal("expected phase 1 executable with empty state")
	}

	if err := gate.RecordExecute(4); err != nil {
		t.Fatalf("record execute: %v", err)
	}
	can, st, err := gate.CanExecute(6)
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if can {
		t.Fatal("expected phase 6 blocked while phase 4 pending")
	}
	if st.PendingVerifyPhase == nil || *st.PendingVerifyPhase != 4 {
		t.Fatalf("expected pending verify phase 4, got %v", st.PendingVerifyPhase)
	}

	if err := gate.RecordVerify(4, true); err != nil {
		t.Fatalf("record verify: %v", err)
	}
	can, _, err = gate.CanExecute(6)
	if err != nil {
		t.Fatalf("can execute: %v", err)
	}
	if !can {
		t.Fatal("expected phase 6 executable after phase 4 verified")
	}
}

func TestDependenciesSchedulableRequiresCompletion(t *testing.T) {
	s := openTestStore(t)
	gate := NewGate("spec-1", s)
	deps := NewDependencies()
	deps.SetPlans([]PlanDescriptor{
		{ID: "1-1", Phase: 1, Files: []string{"a.go"}},
		{ID: "1-2", Phase: 1, Requires: []PlanID{"1-1"}, Files: []string{"b.go"}},
	})

	ok, reason, err := deps.Schedulable("1-2", gate)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if ok {
		t.Fatal("expected 1-2 blocked on incomplete dependency")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}

	deps.MarkComplete("1-1")
	ok, _, err = deps.Schedulable("1-2", gate)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if !ok {
		t.Fatal("expected 1-2 schedulable once 1-1 is complete")
	}
}

func TestDependenciesSchedulableFileConflict(t *testing.T) {
	s := openTestStore(t)
	gate := NewGate("spec-1", s)
	deps := NewDependencies()
	deps.SetPlans([]PlanDescriptor{
		{ID: "1-1", Phase: 1, Files: []string{"shared.go"}},
		{ID: "1-2", Phase: 1, Files: []string{"shared.go"}},
	})
	deps.MarkRunning("1-1", []string{"shared.go"})

	ok, reason, err := deps.Schedulable("1-2", gate)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if ok {
		t.Fatal("expected 1-2 blocked on file conflict with running 1-1")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}

	deps.MarkStopped("1-1")
	ok, _, err = deps.Schedulable("1-2", gate)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if !ok {
		t.Fatal("expected 1-2 schedulable once 1-1 stops running")
	}
}

func TestDependenciesSchedulableGateBlocked(t *testing.T) {
	s := openTestStore(t)
	gate := NewGate("spec-1", s)
	deps := NewDependencies()
	deps.SetPlans([]PlanDescriptor{
		{ID: "6-1", Phase: 6},
	})

	if err := gate.RecordExecute(4); err != nil {
		t.Fatalf("record execute: %v", err)
	}

	ok, reason, err := deps.Schedulable("6-1", gate)
	if err != nil {
		t.Fatalf("schedulable: %v", err)
	}
	if ok {
		t.Fatal("expected 6-1 blocked by the phase-verify gate")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}
}
