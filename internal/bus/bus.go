// Package bus is the typed worker<->orchestrator message queue (C7,
// spec.md §4.7). Reports and responses persist through internal/store for
// durability and replay, but workerAwait never busy-polls the store: a
// waiter registers a channel keyed on (sessionId, inResponseTo) and respond
// signals it directly.
package bus

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// idSource produces monotonically increasing ULIDs even when two messages
// land in the same millisecond, so worker_messages/orchestrator_messages'
// ORDER BY id (internal/store/messages.go) is a real delivery order rather
// than incidental row-scan order.
var idSource = ulid.Monotonic(rand.Reader, 0)

var idMu sync.Mutex

func newMessageID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idSource).String()
}

// MessageStore is the subset of the store this package needs.
type MessageStore interface {
	PostWorkerMessage(m *store.Message) error
	PostOrchestratorMessage(m *store.Message) error
	PendingOrchestratorMessages(sessionID string) ([]*store.Message, error)
	PendingWorkerMessages(sessionID string) ([]*store.Message, error)
	AckOrchestratorMessage(id string) error
	AckWorkerMessage(id string) error
	FindOrchestratorReply(sessionID, inResponseTo string) (*store.Message, error)
}

// waitKey identifies one outstanding workerAwait call.
type waitKey struct {
	sessionID    string
	inResponseTo string
}

// Bus wires sessions' child processes to the orchestrator through a
// durable, session-scoped message queue.
type Bus struct {
	store MessageStore

	mu      sync.Mutex
	waiters map[waitKey]chan *store.Message
}

// New creates a Bus backed by store.
func New(store MessageStore) *Bus {
	return &Bus{
		store:   store,
		waiters: make(map[waitKey]chan *store.Message),
	}
}

// Report enqueues a fresh message from a session's child process to the
// orchestrator (workerReport) and returns the stored message, including
// its generated ID.
func (b *Bus) Report(sessionID, msgType, payload string) (*store.Message, error) {
	m := &store.Message{
		ID:        newMessageID(),
		SessionID: sessionID,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.PostWorkerMessage(m); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	return m, nil
}

// Await blocks until an orchestrator reply to inResponseTo arrives, ctx is
// canceled, or deadline elapses — whichever comes first (workerAwait). It
// never polls the store on a timer: Respond signals the registered waiter
// directly.
func (b *Bus) Await(ctx context.Context, sessionID, inResponseTo string, deadline time.Duration) (*store.Message, error) {
	// A reply may already have landed before Await was called.
	if existing, err := b.store.FindOrchestratorReply(sessionID, inResponseTo); err != nil {
		return nil, fmt.Errorf("await: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	key := waitKey{sessionID: sessionID, inResponseTo: inResponseTo}
	ch := make(chan *store.Message, 1)

	b.mu.Lock()
	b.waiters[key] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if cur, ok := b.waiters[key]; ok && cur == ch {
			delete(b.waiters, key)
		}
		b.mu.Unlock()
	}()

	// Close the window where the reply was posted between the FindOrchestratorReply
	// check above and the waiter being registered.
	if existing, err := b.store.FindOrchestratorReply(sessionID, inResponseTo); err != nil {
		return nil, fmt.Errorf("await: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case m := <-ch:
		return m, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond posts the orchestrator's reply to a worker message (orchestratorRespond)
// and wakes any goroutine blocked in Await on the same (sessionId, inResponseTo).
func (b *Bus) Respond(sessionID, inResponseTo, msgType, payload string) (*store.Message, error) {
	m := &store.Message{
		ID:           newMessageID(),
		SessionID:    sessionID,
		Type:         msgType,
		Payload:      payload,
		InResponseTo: inResponseTo,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.store.PostOrchestratorMessage(m); err != nil {
		return nil, fmt.Errorf("respond: %w", err)
	}

	key := waitKey{sessionID: sessionID, inResponseTo: inResponseTo}
	b.mu.Lock()
	ch, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.mu.Unlock()
	if ok {
		ch <- m
	}
	return m, nil
}

// Pending returns the orchestrator-facing queue of unconsumed worker
// messages for a session (getPending).
func (b *Bus) Pending(sessionID string) ([]*store.Message, error) {
	return b.store.PendingWorkerMessages(sessionID)
}

// PendingForWorker returns the worker-facing queue of unconsumed
// orchestrator messages for a session.
func (b *Bus) PendingForWorker(sessionID string) ([]*store.Message, error) {
	return b.store.PendingOrchestratorMessages(sessionID)
}

// Ack marks an orchestrator-bound worker message consumed, once the
// orchestrator has acted on it.
func (b *Bus) Ack(id string) error {
	return b.store.AckWorkerMessage(id)
}

// AckForWorker marks a worker-bound orchestrator message consumed, once
// the worker has observed the reply.
func (b *Bus) AckForWorker(id string) error {
	return b.store.AckOrchestratorMessage(id)
}
