package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// OrchestrationState is the verify-gate position for one spec directory
// (C6, spec.md §4.6). maxExecutePhase is derived, never persisted: it is
// pendingVerifyPhase+1 when a phase is awaiting verification, or
// unbounded otherwise.
type OrchestrationState struct {
	SpecID               string
	HighestExecutedPhase int
	HighestVerifiedPhase int
	PendingVerifyPhase   *int
	UpdatedAt            time.Time
}

// GetOrchestrationState returns the state row for specID, or a fresh
// zero-value state if none exists yet.
func (s *Store) GetOrchestrationState(specID string) (*OrchestrationState, error) {
	row := s.db.QueryRow(`SELECT spec_id, highest_executed_phase, highest_verified_phase,
		pending_verify_phase, updated_at FROM orchestration_state WHERE spec_id = ?`, specID)

	st := &OrchestrationState{}
	var updatedAt string
	err := row.Scan(&st.SpecID, &st.HighestExecutedPhase, &st.HighestVerifiedPhase,
		&st.PendingVerifyPhase, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &OrchestrationState{SpecID: specID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestration state: %w", err)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// RecordExecute advances highestExecutedPhase to max(highestExecutedPhase,
// phase). If phase has no corresponding verify yet, pendingVerifyPhase
// becomes min(pendingVerifyPhase, phase), defaulting to phase if unset.
func (s *Store) RecordExecute(specID string, phase int) error {
	st, err := s.GetOrchestrationState(specID)
	if err != nil {
		return err
	}

	highestExecuted := st.HighestExecutedPhase
	if phase > highestExecuted {
		highestExecuted = phase
	}

	// "has no corresponding verify yet" == phase hasn't been verified.
	pending := st.PendingVerifyPhase
	if phase > st.HighestVerifiedPhase {
		if pending == nil || phase < *pending {
			pending = &phase
		}
	}

	_, err = s.db.Exec(`INSERT INTO orchestration_state
		(spec_id, highest_executed_phase, highest_verified_phase, pending_verify_phase, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(spec_id) DO UPDATE SET
			highest_executed_phase = excluded.highest_executed_phase,
			pending_verify_phase = excluded.pending_verify_phase,
			updated_at = excluded.updated_at`,
		specID, highestExecuted, st.HighestVerifiedPhase, nullableIntPtr(pending, false),
		fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record execute: %w", err)
	}
	return nil
}

// RecordVerify records the outcome of verifying phase. If pass, advances
// highestVerifiedPhase to max(highestVerifiedPhase, phase) and clears
// pendingVerifyPhase iff it currently equals phase.
func (s *Store) RecordVerify(specID string, phase int, pass bool) error {
	if !pass {
		return nil
	}
	st, err := s.GetOrchestrationState(specID)
	if err != nil {
		return err
	}

	highestVerified := st.HighestVerifiedPhase
	if phase > highestVerified {
		highestVerified = phase
	}

	pending := st.PendingVerifyPhase
	clear := pending != nil && *pending == phase

	_, err = s.db.Exec(`INSERT INTO orchestration_state
		(spec_id, highest_executed_phase, highest_verified_phase, pending_verify_phase, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(spec_id) DO UPDATE SET
			highest_verified_phase = excluded.highest_verified_phase,
			pending_verify_phase = excluded.pending_verify_phase,
			updated_at = excluded.updated_at`,
		specID, st.HighestExecutedPhase, highestVerified, nullableIntPtr(pending, clear),
		fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record verify: %w", err)
	}
	return nil
}

func nullableIntPtr(p *int, clear bool) any {
	if clear || p == nil {
		return nil
	}
	return *p
}

// MaxExecutePhase is pendingVerifyPhase+1 once a phase is pending
// verification, or unbounded (math.MaxInt) otherwise.
func (st *OrchestrationState) MaxExecutePhase() int {
	if st.PendingVerifyPhase != nil {
		return *st.PendingVerifyPhase + 1
	}
	return math.MaxInt
}

// CanExecute reports whether phase may begin execution: phase <=
// maxExecutePhase. Verify is always admissible; this gate only applies
// to execute spawns.
func (st *OrchestrationState) CanExecute(phase int) bool {
	return phase <= st.MaxExecutePhase()
}
