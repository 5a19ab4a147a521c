package sessionmgr

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// Recover performs the startup reconciliation sweep (spec.md §4.4): every
// non-terminal session row whose PID is gone, or whose last_poll_at is
// older than OrphanTimeout, is transitioned to killed with exitCode null
// and an audit line is appended to its output log. Must run before the
// tool surface or HTTP server start accepting requests.
//
// Store I/O on this path retries with backoff like everywhere else
// (spec.md §7), but here exhaustion is fatal: Recover's caller aborts
// startup rather than serving a tool surface over a store it can't read.
func (m *Manager) Recover() error {
	var sessions []*store.Session
	if err := m.withStoreRetry(func() error {
		var err error
		sessions, err = m.store.ListNonTerminal()
		return err
	}); err != nil {
		return fmt.Errorf("list non-terminal sessions: %w", err)
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		orphaned := !pidAlive(sess.PID) || now.Sub(sess.LastPollAt) >= m.cfg.OrphanTimeout
		if !orphaned {
			continue
		}
		if err := m.reap(sess, now); err != nil {
			return fmt.Errorf("reap session %s: %w", sess.ID, err)
		}
	}
	return nil
}

func (m *Manager) reap(sess *store.Session, now time.Time) error {
	if err := m.withStoreRetry(func() error { return m.store.UpdateStatus(sess.ID, store.StatusKilled, nil) }); err != nil {
		return err
	}

	var seq int64
	var exists bool
	if err := m.withStoreRetry(func() error {
		var err error
		seq, exists, err = m.store.LastSeq(sess.ID)
		return err
	}); err != nil {
		return err
	}
	nextSeq := int64(0)
	if exists {
		nextSeq = seq + 1
	}
	if err := m.withStoreRetry(func() error {
		return m.store.AppendOutput(&store.OutputLine{
			SessionID: sess.ID,
			Seq:       nextSeq,
			Timestamp: now,
			Channel:   "system",
			Bytes:     []byte("reaped on startup"),
		})
	}); err != nil {
		return err
	}
	return nil
}

// pidAlive reports whether pid names a live process, using the
// signal-zero liveness probe rather than trusting the process table to
// reuse PIDs slowly (spec.md §4.4).
func pidAlive(pid *int) bool {
	if pid == nil || *pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(*pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
