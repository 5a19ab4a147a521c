package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const timeFmt = time.RFC3339Nano

// Status values for a Session, per spec.md §3.
const (
	StatusStarting          = "starting"
	StatusRunning           = "running"
	StatusAwaitingInput     = "awaiting_input"
	StatusWaitingCheckpoint = "waiting_checkpoint"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusKilled            = "killed"
)

// IsTerminal reports whether status is one of the sink states.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// Session is the durable row for one supervised child process.
type Session struct {
	ID         string
	Slot       int
	Command    string
	Args       []string
	CWD        string
	Env        map[string]string
	Status     string
	PID        *int
	ExitCode   *int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	LastPollAt time.Time
	Phase      *int
	Plan       *int
}

// CreateSession persists a new session row. The row is written before the
// child is spawned, per spec.md §4.5.
func (s *Store) CreateSession(sess *Session) error {
	argsJSON, err := json.Marshal(sess.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	envJSON, err := json.Marshal(sess.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, slot, command, args_json, cwd, env_json, status, pid, exit_code, created_at, started_at, ended_at, last_poll_at, phase, plan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Slot, sess.Command, string(argsJSON), sess.CWD, string(envJSON), sess.Status,
		sess.PID, sess.ExitCode, fmtTime(sess.CreatedAt), fmtTimePtr(sess.StartedAt), fmtTimePtr(sess.EndedAt),
		fmtTime(sess.LastPollAt), sess.Phase, sess.Plan)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or nil if it doesn't exist.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(sessionSelect+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SessionFilter narrows ListSessions; zero value matches everything.
type SessionFilter struct {
	Status string
	Slot   int // 0 means "any slot"
}

// ListSessions returns a snapshot of all sessions matching filter, ordered
// by slot then creation time.
func (s *Store) ListSessions(filter SessionFilter) ([]*Session, error) {
	query := sessionSelect + " WHERE 1=1"
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Slot != 0 {
		query += " AND slot = ?"
		args = append(args, filter.Slot)
	}
	query += " ORDER BY slot, created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListNonTerminal returns every session whose status is not a sink state,
// used by startup reconciliation.
func (s *Store) ListNonTerminal() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelect + " WHERE status NOT IN (?, ?, ?)",
		StatusCompleted, StatusFailed, StatusKilled)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a session's status. If status is terminal,
// exitCode is stored and endedAt is stamped; startedAt is left alone
// (MarkStarted stamps it).
func (s *Store) UpdateStatus(id, status string, exitCode *int) error {
	now := fmtTime(time.Now().UTC())
	if IsTerminal(status) {
		_, err := s.db.Exec(`UPDATE sessions SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
			status, exitCode, now, id)
		return err
	}
	_, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	return err
}

// MarkStarted stamps started_at the first time a session becomes running.
func (s *Store) MarkStarted(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET started_at = ? WHERE id = ? AND started_at IS NULL`,
		fmtTime(time.Now().UTC()), id)
	return err
}

// SetPID records the child process's PID once the PTY has spawned it, so
// a restart can tell a genuinely running child from an orphaned row
// (spec.md §4.4's startup reconciliation).
func (s *Store) SetPID(id string, pid int) error {
	_, err := s.db.Exec(`UPDATE sessions SET pid = ? WHERE id = ?`, pid, id)
	return err
}

// TouchLastPoll advances last_poll_at to now; called on every output read
// (get_output, the HTTP output route, a WS subscription's backfill) via
// sessionmgr's GetOutput (spec.md §3). Listing sessions or reading a
// checkpoint does not advance it.
func (s *Store) TouchLastPoll(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_poll_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	return err
}

const sessionSelect = `SELECT id, slot, command, args_json, cwd, env_json, status, pid, exit_code,
	created_at, started_at, ended_at, last_poll_at, phase, plan FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var argsJSON, envJSON string
	var createdAt, lastPollAt string
	var startedAt, endedAt *string

	if err := row.Scan(&sess.ID, &sess.Slot, &sess.Command, &argsJSON, &sess.CWD, &envJSON,
		&sess.Status, &sess.PID, &sess.ExitCode, &createdAt, &startedAt, &endedAt, &lastPollAt,
		&sess.Phase, &sess.Plan); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &sess.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &sess.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastPollAt = parseTime(lastPollAt)
	sess.StartedAt = parseTimePtr(startedAt)
	sess.EndedAt = parseTimePtr(endedAt)
	return sess, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFmt)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}
