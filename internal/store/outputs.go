package store

import (
	"fmt"
	"time"
)

// OutputLine is one persisted chunk/line from a session's PTY stream
// (spec.md §4.2). Channel is "stdout" for PTY output or "system" for lines
// the harness itself appends (such as the startup reap notice).
type OutputLine struct {
	SessionID string
	Seq       int64
	Timestamp time.Time
	Channel   string
	Bytes     []byte
}

// AppendOutput persists the next line for a session. seq must be supplied
// by the caller (the in-memory ring in internal/outputlog owns sequencing)
// so that replays after a restart resume at the right offset.
func (s *Store) AppendOutput(line *OutputLine) error {
	_, err := s.db.Exec(`INSERT INTO outputs (session_id, seq, timestamp, channel, bytes)
		VALUES (?, ?, ?, ?, ?)`,
		line.SessionID, line.Seq, fmtTime(line.Timestamp), line.Channel, line.Bytes)
	if err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	return nil
}

// TailOutput returns the last n lines for a session, oldest first.
func (s *Store) TailOutput(sessionID string, n int) ([]*OutputLine, error) {
	rows, err := s.db.Query(`SELECT session_id, seq, timestamp, channel, bytes FROM (
		SELECT session_id, seq, timestamp, channel, bytes FROM outputs
		WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("tail output: %w", err)
	}
	defer rows.Close()
	return scanOutputRows(rows)
}

// SinceOutput returns every line with seq strictly greater than after, for
// incremental polling and WS backfill-since-seq.
func (s *Store) SinceOutput(sessionID string, after int64) ([]*OutputLine, error) {
	rows, err := s.db.Query(`SELECT session_id, seq, timestamp, channel, bytes FROM outputs
		WHERE session_id = ? AND seq > ? ORDER BY seq ASC`, sessionID, after)
	if err != nil {
		return nil, fmt.Errorf("since output: %w", err)
	}
	defer rows.Close()
	return scanOutputRows(rows)
}

// RangeOutput returns lines with seq in [lo, hi], inclusive.
func (s *Store) RangeOutput(sessionID string, lo, hi int64) ([]*OutputLine, error) {
	rows, err := s.db.Query(`SELECT session_id, seq, timestamp, channel, bytes FROM outputs
		WHERE session_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`, sessionID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("range output: %w", err)
	}
	defer rows.Close()
	return scanOutputRows(rows)
}

// LastSeq returns the highest persisted seq for a session and whether any
// output row exists at all. The caller must check the bool: a session that
// crashed before its first output line has no rows, not a row with seq 0,
// and those two cases must not collapse into the same return value.
func (s *Store) LastSeq(sessionID string) (int64, bool, error) {
	var seq *int64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM outputs WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("last seq: %w", err)
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

func scanOutputRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*OutputLine, error) {
	var out []*OutputLine
	for rows.Next() {
		line := &OutputLine{}
		var ts string
		if err := rows.Scan(&line.SessionID, &line.Seq, &ts, &line.Channel, &line.Bytes); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		line.Timestamp = parseTime(ts)
		out = append(out, line)
	}
	return out, rows.Err()
}
