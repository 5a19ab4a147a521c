package sessionmgr

import (
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// StartStaleSweep launches the periodic tick (spec.md §4.5, default every
// SweepInterval) that ends any non-terminal session whose last_poll_at has
// exceeded StaleTimeout. Call StopStaleSweep to terminate it during shutdown.
func (m *Manager) StartStaleSweep() {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
}

// StopStaleSweep stops the sweep goroutine and waits for it to exit.
func (m *Manager) StopStaleSweep() {
	if m.sweepStop == nil {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone
}

func (m *Manager) sweepOnce() {
	sessions, err := m.store.ListSessions(store.SessionFilter{})
	if err != nil {
		logger.Log.Error("stale sweep: list sessions failed", "err", err)
		return
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if store.IsTerminal(sess.Status) {
			continue
		}
		if now.Sub(sess.LastPollAt) <= m.cfg.StaleTimeout {
			continue
		}
		logger.Session(sess.ID).Warn("ending stale session", "idle_for", now.Sub(sess.LastPollAt))
		if err := m.EndSession(sess.ID); err != nil {
			logger.Session(sess.ID).Error("stale sweep: end session failed", "err", err)
		}
	}
}
