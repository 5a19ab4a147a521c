// Package orchestration is the phase-verify gate and plan schedulability
// checker (C6). It is a thin layer over internal/store's orchestration
// state table plus the in-memory bookkeeping needed to answer
// schedulability queries the store has no notion of (dependency
// completion, file-set conflicts between running plans).
package orchestration

import (
	"fmt"
	"sync"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// GateStore is the subset of the store this package needs.
type GateStore interface {
	GetOrchestrationState(specID string) (*store.OrchestrationState, error)
	RecordExecute(specID string, phase int) error
	RecordVerify(specID string, phase int, pass bool) error
}

// Gate answers canExecute queries and records execute/verify outcomes
// for one spec directory, per spec.md §4.6.
type Gate struct {
	specID string
	store  GateStore
}

// NewGate creates a Gate scoped to specID.
func NewGate(specID string, store GateStore) *Gate {
	return &Gate{specID: specID, store: store}
}

// State returns the current orchestration state snapshot.
func (g *Gate) State() (*store.OrchestrationState, error) {
	return g.store.GetOrchestrationState(g.specID)
}

// CanExecute reports whether an execute session may be spawned for phase.
func (g *Gate) CanExecute(phase int) (bool, *store.OrchestrationState, error) {
	st, err := g.store.GetOrchestrationState(g.specID)
	if err != nil {
		return false, nil, err
	}
	return st.CanExecute(phase), st, nil
}

// RecordExecute records that phase has begun executing.
func (g *Gate) RecordExecute(phase int) error {
	return g.store.RecordExecute(g.specID, phase)
}

// RecordVerify records the outcome of verifying phase.
func (g *Gate) RecordVerify(phase int, pass bool) error {
	return g.store.RecordVerify(g.specID, phase, pass)
}

// GateRegistry lazily creates and caches a Gate per spec directory, so
// internal/sessionmgr can check admission for whichever spec a spawn names
// without the caller having to track Gate lifetimes itself.
type GateRegistry struct {
	mu    sync.Mutex
	store GateStore
	gates map[string]*Gate
}

// NewGateRegistry creates an empty registry backed by store.
func NewGateRegistry(store GateStore) *GateRegistry {
	return &GateRegistry{store: store, gates: make(map[string]*Gate)}
}

func (r *GateRegistry) gate(specID string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[specID]
	if !ok {
		g = NewGate(specID, r.store)
		r.gates[specID] = g
	}
	return g
}

// CanExecute satisfies sessionmgr.GateChecker.
func (r *GateRegistry) CanExecute(specID string, phase int) (bool, *store.OrchestrationState, error) {
	return r.gate(specID).CanExecute(phase)
}

// RecordExecute records an execute spawn for specID/phase.
func (r *GateRegistry) RecordExecute(specID string, phase int) error {
	return r.gate(specID).RecordExecute(phase)
}

// RecordVerify records a verify outcome for specID/phase.
func (r *GateRegistry) RecordVerify(specID string, phase int, pass bool) error {
	return r.gate(specID).RecordVerify(phase, pass)
}

// PlanID identifies one plan within a phase, e.g. "3-2" for phase 3 plan 2.
type PlanID string

// PlanDescriptor is the dependency and footprint metadata for a candidate
// plan, as extracted from the spec directory by internal/specreader.
type PlanDescriptor struct {
	ID       PlanID
	Phase    int
	Requires []PlanID
	Files    []string
	Complete bool
}

// Dependencies tracks plan completion and the file sets of currently
// running plans, to answer schedulability queries (spec.md §4.6).
type Dependencies struct {
	mu      sync.RWMutex
	plans   map[PlanID]*PlanDescriptor
	running map[PlanID][]string // plan -> files it's modifying while running
}

// NewDependencies creates an empty dependency tracker.
func NewDependencies() *Dependencies {
	return &Dependencies{
		plans:   make(map[PlanID]*PlanDescriptor),
		running: make(map[PlanID][]string),
	}
}

// SetPlans replaces the known plan set, e.g. after sync_project_state
// re-reads the spec directory.
func (d *Dependencies) SetPlans(plans []PlanDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = make(map[PlanID]*PlanDescriptor, len(plans))
	for i := range plans {
		p := plans[i]
		d.plans[p.ID] = &p
	}
}

// MarkRunning records that plan has started running with the given file
// set, for future conflict checks against other candidates.
func (d *Dependencies) MarkRunning(plan PlanID, files []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[plan] = files
}

// MarkStopped clears plan's running file set once it exits.
func (d *Dependencies) MarkStopped(plan PlanID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, plan)
}

// MarkComplete flags plan as complete so dependents may become
// schedulable.
func (d *Dependencies) MarkComplete(plan PlanID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.plans[plan]; ok {
		p.Complete = true
	}
}

// Schedulable reports whether plan may be spawned now: every required
// plan is complete, the phase-verify gate admits its phase, and its file
// set doesn't intersect any currently-running plan's.
func (d *Dependencies) Schedulable(plan PlanID, gate *Gate) (bool, string, error) {
	d.mu.RLock()
	p, ok := d.plans[plan]
	if !ok {
		d.mu.RUnlock()
		return false, "", fmt.Errorf("unknown plan %q", plan)
	}
	for _, req := range p.Requires {
		dep, exists := d.plans[req]
		if !exists || !dep.Complete {
			d.mu.RUnlock()
			return false, fmt.Sprintf("requires incomplete plan %s", req), nil
		}
	}
	for other, files := range d.running {
		if other == plan {
			continue
		}
		if intersects(p.Files, files) {
			d.mu.RUnlock()
			return false, fmt.Sprintf("file conflict with running plan %s", other), nil
		}
	}
	phase := p.Phase
	d.mu.RUnlock()

	canExecute, st, err := gate.CanExecute(phase)
	if err != nil {
		return false, "", err
	}
	if !canExecute {
		pending := 0
		if st.PendingVerifyPhase != nil {
			pending = *st.PendingVerifyPhase
		}
		return false, fmt.Sprintf("gate blocked: phase %d pending verification", pending), nil
	}
	return true, "", nil
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}
