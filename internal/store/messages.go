package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is a single entry in either the worker->orchestrator or
// orchestrator->worker queue (C7, spec.md §4.7). InResponseTo links a
// reply back to the message it answers; empty for a fresh report.
type Message struct {
	ID           string
	SessionID    string
	Type         string
	Payload      string
	InResponseTo string
	CreatedAt    time.Time
	ConsumedAt   *time.Time
}

// PostWorkerMessage enqueues a message from the session's child process to
// the orchestrator (workerReport).
func (s *Store) PostWorkerMessage(m *Message) error {
	return s.postMessage("worker_messages", m)
}

// PostOrchestratorMessage enqueues a message from the orchestrator back to
// a waiting session (orchestratorRespond).
func (s *Store) PostOrchestratorMessage(m *Message) error {
	return s.postMessage("orchestrator_messages", m)
}

func (s *Store) postMessage(table string, m *Message) error {
	var inResponseTo any
	if m.InResponseTo != "" {
		inResponseTo = m.InResponseTo
	}
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s
		(id, session_id, type, payload_json, in_response_to, created_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`, table),
		m.ID, m.SessionID, m.Type, m.Payload, inResponseTo, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// PendingOrchestratorMessages returns every orchestrator message for a
// session that hasn't been consumed yet, oldest first, used by the worker
// side of the bus.
func (s *Store) PendingOrchestratorMessages(sessionID string) ([]*Message, error) {
	return s.pendingMessages("orchestrator_messages", sessionID)
}

// PendingWorkerMessages returns every unconsumed worker message for a
// session, used by the orchestrator side of the bus (getPending).
func (s *Store) PendingWorkerMessages(sessionID string) ([]*Message, error) {
	return s.pendingMessages("worker_messages", sessionID)
}

func (s *Store) pendingMessages(table, sessionID string) ([]*Message, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, session_id, type, payload_json,
		COALESCE(in_response_to, ''), created_at, consumed_at FROM %s
		WHERE session_id = ? AND consumed_at IS NULL ORDER BY id`, table), sessionID)
	if err != nil {
		return nil, fmt.Errorf("pending messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var createdAt string
		var consumedAt *string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Payload, &m.InResponseTo, &createdAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		m.ConsumedAt = parseTimePtr(consumedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AckOrchestratorMessage marks an orchestrator message consumed.
func (s *Store) AckOrchestratorMessage(id string) error {
	return s.ackMessage("orchestrator_messages", id)
}

// AckWorkerMessage marks a worker message consumed (ack).
func (s *Store) AckWorkerMessage(id string) error {
	return s.ackMessage("worker_messages", id)
}

func (s *Store) ackMessage(table, id string) error {
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET consumed_at = ? WHERE id = ?`, table),
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// FindWorkerReply looks up the worker message, if any, that answers
// inResponseTo.
func (s *Store) FindWorkerReply(sessionID, inResponseTo string) (*Message, error) {
	return s.findReply("worker_messages", sessionID, inResponseTo)
}

// FindOrchestratorReply looks up the orchestrator message, if any, that
// answers inResponseTo — the poll side of workerAwait's wait-for-reply
// contract.
func (s *Store) FindOrchestratorReply(sessionID, inResponseTo string) (*Message, error) {
	return s.findReply("orchestrator_messages", sessionID, inResponseTo)
}

func (s *Store) findReply(table, sessionID, inResponseTo string) (*Message, error) {
	row := s.db.QueryRow(fmt.Sprintf(`SELECT id, session_id, type, payload_json,
		COALESCE(in_response_to, ''), created_at, consumed_at FROM %s
		WHERE session_id = ? AND in_response_to = ? ORDER BY id LIMIT 1`, table), sessionID, inResponseTo)

	m := &Message{}
	var createdAt string
	var consumedAt *string
	err := row.Scan(&m.ID, &m.SessionID, &m.Type, &m.Payload, &m.InResponseTo, &createdAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reply: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.ConsumedAt = parseTimePtr(consumedAt)
	return m, nil
}
