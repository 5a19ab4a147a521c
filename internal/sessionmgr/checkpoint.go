package sessionmgr

import (
	"fmt"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/waitstate"
)

// GetCheckpoint returns the CheckpointRecord current for sessionID, or a
// NotWaiting error if the session isn't paused on one (spec.md §4.8).
func (m *Manager) GetCheckpoint(sessionID string) (*waitstate.CheckpointRecord, error) {
	h, ok := m.liveHandle(sessionID)
	if !ok {
		sess, err := m.store.GetSession(sessionID)
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		if sess == nil {
			return nil, errUnknownSession(sessionID)
		}
		return nil, errNotWaiting(sessionID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.classifier.Checkpoint()
	if rec == nil {
		return nil, errNotWaiting(sessionID)
	}
	copyRec := *rec
	return &copyRec, nil
}

// RespondCheckpoint is sendInput(session, response) composed with clearing
// the current checkpoint, returning the session to running (spec.md §4.8).
func (m *Manager) RespondCheckpoint(sessionID, response string) error {
	h, ok := m.liveHandle(sessionID)
	if !ok {
		return errUnknownSession(sessionID)
	}

	h.mu.Lock()
	if h.classifier.Checkpoint() == nil {
		h.mu.Unlock()
		return errNotWaiting(sessionID)
	}
	h.mu.Unlock()

	if err := m.SendInput(sessionID, response); err != nil {
		return err
	}

	now := time.Now()
	h.mu.Lock()
	h.classifier.ClearCheckpoint(now)
	h.status = "running"
	h.mu.Unlock()

	if err := m.store.UpdateStatus(sessionID, "running", nil); err != nil {
		logger.Session(sessionID).Warn("update status after checkpoint response failed", "err", err)
	}

	return nil
}
