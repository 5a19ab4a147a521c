// Package sessionmgr is the session supervisor and single writer of
// in-memory session state (C5, spec.md §4.5). It owns the slot table and
// the PTY master handles, and is the hub all other components route
// mutations through: it spawns via internal/ptysession, captures output
// via internal/outputlog, classifies activity via internal/waitstate,
// consults internal/orchestration's verify gate before admitting an
// execute spawn, and persists every transition via internal/store.
package sessionmgr

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/config"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/outputlog"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/ptysession"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/waitstate"
)

// defaultTerminalSize falls back to the daemon's own controlling terminal
// size when a caller omits cols/rows, matching the teacher's
// IsTerminal-then-GetSize-else-fallback chain; headless runs (no
// controlling tty) get a fixed 120x30 default.
func defaultTerminalSize() (cols, rows int) {
	cols, rows = 120, 30
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}
	return cols, rows
}

// Store is the subset of internal/store this package needs. It is a
// superset of internal/outputlog's Persister interface, so the same
// *store.Store satisfies both and can be handed to NewLog directly.
type Store interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	ListSessions(filter store.SessionFilter) ([]*store.Session, error)
	ListNonTerminal() ([]*store.Session, error)
	UpdateStatus(id, status string, exitCode *int) error
	MarkStarted(id string) error
	TouchLastPoll(id string) error
	SetPID(id string, pid int) error
	AppendOutput(line *store.OutputLine) error
	TailOutput(sessionID string, n int) ([]*store.OutputLine, error)
	SinceOutput(sessionID string, after int64) ([]*store.OutputLine, error)
	LastSeq(sessionID string) (int64, bool, error)
}

// GateChecker is the phase-verify admission check a spawn consults when
// the caller supplies a phase (spec.md §4.6).
type GateChecker interface {
	CanExecute(specID string, phase int) (bool, *store.OrchestrationState, error)
}

// handle is the in-memory machinery for one live (non-terminal) session.
// The store row is the durable source of truth; handle wraps the live
// process, log, and classifier around it.
type handle struct {
	mu sync.Mutex

	id     string
	slot   int
	specID string

	pty        *ptysession.Session
	log        *outputlog.Log
	classifier *waitstate.Classifier

	status string
}

// Manager is the single writer of in-memory session state.
type Manager struct {
	cfg   *config.Config
	store Store
	hub   *Hub
	gate  GateChecker // nil disables the verify-gate check on spawn

	mu    sync.Mutex
	slots map[int]*handle
	byID  map[string]*handle

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a Manager with cfg.Slots idle slots. gate may be nil when no
// phase-verify admission is required.
func New(cfg *config.Config, st Store, hub *Hub, gate GateChecker) *Manager {
	return &Manager{
		cfg:   cfg,
		store: st,
		hub:   hub,
		gate:  gate,
		slots: make(map[int]*handle),
		byID:  make(map[string]*handle),
	}
}

// StartRequest describes a spawn request (spec.md §4.5).
type StartRequest struct {
	Command string
	Args    []string
	CWD     string
	Env     map[string]string
	SpecID  string // required only when Phase is set
	Phase   *int
	Plan    *int
	Cols    int
	Rows    int
}

// StartSession allocates the lowest-numbered idle slot, persists the
// session row, then spawns the child. On spawn failure the row is
// transitioned to failed with a null exit code.
func (m *Manager) StartSession(req StartRequest) (*store.Session, error) {
	if req.Command == "" {
		return nil, newError(CodeInvalidArgs, "command must not be empty", nil)
	}
	if req.CWD == "" {
		return nil, newError(CodeInvalidArgs, "cwd must be an absolute existing path", nil)
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 || rows <= 0 {
		dcols, drows := defaultTerminalSize()
		if cols <= 0 {
			cols = dcols
		}
		if rows <= 0 {
			rows = drows
		}
	}

	if req.Phase != nil && m.gate != nil {
		can, st, err := m.gate.CanExecute(req.SpecID, *req.Phase)
		if err != nil {
			return nil, fmt.Errorf("check verify gate: %w", err)
		}
		if !can {
			pending := 0
			if st.PendingVerifyPhase != nil {
				pending = *st.PendingVerifyPhase
			}
			return nil, errGateBlocked(pending, st.MaxExecutePhase())
		}
	}

	slot, err := m.reserveSlot()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	sess := &store.Session{
		ID:         id,
		Slot:       slot,
		Command:    req.Command,
		Args:       req.Args,
		CWD:        req.CWD,
		Env:        req.Env,
		Status:     store.StatusStarting,
		CreatedAt:  now,
		LastPollAt: now,
		Phase:      req.Phase,
		Plan:       req.Plan,
	}
	if err := m.withStoreRetry(func() error { return m.store.CreateSession(sess) }); err != nil {
		m.releaseSlot(slot)
		return nil, err
	}

	h := &handle{id: id, slot: slot, specID: req.SpecID, status: store.StatusStarting}
	m.mu.Lock()
	m.slots[slot] = h
	m.byID[id] = h
	m.mu.Unlock()

	proc, err := ptysession.Spawn(id, req.Command, req.Args, req.CWD, req.Env, cols, rows)
	if err != nil {
		m.abortSpawn(id, slot)
		return nil, errSpawnError(err.Error())
	}

	log, err := outputlog.NewLog(id, m.store, m.cfg.RingCapacity, m.cfg.LineSoftMax, m.cfg.FlushInterval, cols, rows)
	if err != nil {
		proc.Kill(m.cfg.KillGrace)
		m.abortSpawn(id, slot)
		return nil, fmt.Errorf("open output log: %w", err)
	}
	log.OnPersistError = func(err error) {
		logger.Session(id).Error("persist output line failed", "err", err)
	}

	h.mu.Lock()
	h.pty = proc
	h.log = log
	h.classifier = waitstate.NewClassifier(m.classifierConfig(), now)
	h.mu.Unlock()

	log.OnLine = func(line outputlog.Line) { m.onLine(h, line) }

	if err := m.store.SetPID(id, proc.PID()); err != nil {
		logger.Session(id).Warn("record pid failed", "err", err)
	}
	if err := m.store.MarkStarted(id); err != nil {
		logger.Session(id).Warn("mark started failed", "err", err)
	}
	if err := m.store.UpdateStatus(id, store.StatusRunning, nil); err != nil {
		logger.Session(id).Warn("mark running failed", "err", err)
	}
	h.mu.Lock()
	h.status = store.StatusRunning
	h.mu.Unlock()

	go m.drain(h)

	m.hub.Publish(Event{SessionID: id, Kind: EventStatusChange, Status: store.StatusRunning, PrevStatus: store.StatusStarting})

	return m.store.GetSession(id)
}

func (m *Manager) abortSpawn(id string, slot int) {
	if err := m.store.UpdateStatus(id, store.StatusFailed, nil); err != nil {
		logger.Session(id).Error("mark failed after spawn error failed", "err", err)
	}
	m.mu.Lock()
	delete(m.slots, slot)
	delete(m.byID, id)
	m.mu.Unlock()
}

func (m *Manager) reserveSlot() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []int
	for slot := 1; slot <= m.cfg.Slots; slot++ {
		if _, ok := m.slots[slot]; ok {
			active = append(active, slot)
			continue
		}
		m.slots[slot] = nil
		return slot, nil
	}
	return 0, errNoSlotsAvailable(active)
}

func (m *Manager) releaseSlot(slot int) {
	m.mu.Lock()
	delete(m.slots, slot)
	m.mu.Unlock()
}

// withStoreRetry runs op with exponential backoff up to cfg.StoreRetryMax
// retries (spec.md §7). Exhaustion is classified as CodeStoreError rather
// than surfaced as the raw driver error, so the tool surface never leaks
// SQLite-specific detail to a controller.
func (m *Manager) withStoreRetry(op func() error) error {
	if err := store.WithRetry(m.cfg.StoreRetryMax, op); err != nil {
		return errStoreError(err.Error())
	}
	return nil
}

func (m *Manager) classifierConfig() waitstate.Config {
	return waitstate.Config{
		Window:        m.cfg.DetectWindow,
		RunIdle:       m.cfg.RunIdle,
		InputIdle:     m.cfg.InputIdle,
		IdleIdle:      m.cfg.IdleIdle,
		Debounce:      m.cfg.Debounce,
		PromptGlyphs:  m.cfg.PromptGlyphs,
		SpinnerGlyphs: m.cfg.SpinnerGlyphs,
		SpinnerWindow: m.cfg.SpinnerWindow,
	}
}

// drain owns the single draining reader for h's PTY master (spec.md §4.1's
// concurrency requirement: exactly one reader, never blocking the
// supervisor). It runs until EOF, then finalizes the session.
func (m *Manager) drain(h *handle) {
	reader := h.pty.Reader()
	buf := make([]byte, 4096)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.log.Write("stdout", chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	tick := time.NewTicker(m.cfg.Debounce)
	defer tick.Stop()

loop:
	for {
		select {
		case <-readDone:
			break loop
		case now := <-tick.C:
			m.maybeTransition(h, now)
		}
	}

	h.log.Flush()
	exit := h.pty.Wait()
	m.finish(h, exit)
}

// onLine is outputlog.Log's per-line hook: feed the classifier, publish
// the delta, and re-evaluate the wait state immediately (spec.md §4.3's
// rule that a running transition is reported without debounce).
func (m *Manager) onLine(h *handle, line outputlog.Line) {
	now := time.Now()
	h.mu.Lock()
	h.classifier.Observe(line.Bytes, now)
	h.mu.Unlock()

	m.hub.Publish(Event{
		SessionID: h.id,
		Kind:      EventOutputDelta,
		Lines:     []OutputLine{{Seq: line.Seq, Channel: line.Channel, Bytes: line.Bytes, Timestamp: line.Timestamp}},
	})

	m.maybeTransition(h, now)
}

func (m *Manager) maybeTransition(h *handle, now time.Time) {
	h.mu.Lock()
	prev := h.status
	next := h.classifier.Tick(now)
	nextStatus := waitStateToStatus(next, prev)
	changed := nextStatus != prev
	if changed {
		h.status = nextStatus
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	if err := m.store.UpdateStatus(h.id, nextStatus, nil); err != nil {
		logger.Session(h.id).Warn("update status failed", "err", err)
	}
	m.hub.Publish(Event{SessionID: h.id, Kind: EventStatusChange, Status: nextStatus, PrevStatus: prev})
}

// waitStateToStatus projects the detector's four-way classification onto
// the session status machine. Idle is a C3-only concept — it never
// appears in store.Session.Status (spec.md §3), so it leaves the
// previously reported status untouched.
func waitStateToStatus(s waitstate.State, prev string) string {
	switch s {
	case waitstate.Running:
		return store.StatusRunning
	case waitstate.AwaitingInput:
		return store.StatusAwaitingInput
	case waitstate.WaitingCheckpoint:
		return store.StatusWaitingCheckpoint
	default:
		return prev
	}
}

// finish records a session's terminal transition once its child has
// exited, whether by natural exit or by Kill.
func (m *Manager) finish(h *handle, exit ptysession.ExitInfo) {
	status := store.StatusCompleted
	var exitCode *int
	switch {
	case exit.Err != nil:
		status = store.StatusFailed
	case exit.Signaled:
		status = store.StatusKilled
	case exit.ExitCode != 0:
		status = store.StatusFailed
		code := exit.ExitCode
		exitCode = &code
	default:
		code := exit.ExitCode
		exitCode = &code
	}

	h.mu.Lock()
	prev := h.status
	h.status = status
	h.log.Close()
	h.mu.Unlock()

	if err := m.store.UpdateStatus(h.id, status, exitCode); err != nil {
		logger.Session(h.id).Error("record terminal status failed", "err", err)
	}
	m.hub.Publish(Event{SessionID: h.id, Kind: EventStatusChange, Status: status, PrevStatus: prev})

	m.mu.Lock()
	delete(m.slots, h.slot)
	delete(m.byID, h.id)
	m.mu.Unlock()
}

// ListSessions returns a durable snapshot matching filter.
func (m *Manager) ListSessions(filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(filter)
}

// GetSession returns one session by ID, or nil if unknown.
func (m *Manager) GetSession(id string) (*store.Session, error) {
	return m.store.GetSession(id)
}

// OutputQuery selects which output lines to return; exactly one of
// SinceSeq, Tail, Lines is honored, in that precedence (spec.md §4.5).
type OutputQuery struct {
	SinceSeq *int64
	Tail     *int
	Lines    *int
}

// GetOutput returns output lines for sessionID per q, and advances
// last_poll_at as any output read must (spec.md §3).
func (m *Manager) GetOutput(sessionID string, q OutputQuery) ([]*store.OutputLine, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, errUnknownSession(sessionID)
	}
	if err := m.store.TouchLastPoll(sessionID); err != nil {
		logger.Session(sessionID).Warn("touch last poll failed", "err", err)
	}

	if q.SinceSeq != nil {
		if lines, ok := m.liveLinesSince(sessionID, *q.SinceSeq); ok {
			return lines, nil
		}
		return m.store.SinceOutput(sessionID, *q.SinceSeq)
	}

	n := m.cfg.RingCapacity
	switch {
	case q.Tail != nil:
		n = *q.Tail
	case q.Lines != nil:
		n = *q.Lines
	}

	if lines, ok := m.liveTail(sessionID, n); ok {
		return lines, nil
	}
	return m.store.TailOutput(sessionID, n)
}

// liveTail and liveLinesSince serve a still-running session's output from
// its in-memory ring; ok is false only when the session has no live
// handle (terminal, or not yet spawned), signaling GetOutput to fall back
// to the durable store.
func (m *Manager) liveTail(sessionID string, n int) ([]*store.OutputLine, bool) {
	h, ok := m.liveHandle(sessionID)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return toOutputLines(sessionID, h.log.Tail(n)), true
}

func (m *Manager) liveLinesSince(sessionID string, after int64) ([]*store.OutputLine, bool) {
	h, ok := m.liveHandle(sessionID)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return toOutputLines(sessionID, h.log.Since(after)), true
}

func (m *Manager) liveHandle(sessionID string) (*handle, bool) {
	m.mu.Lock()
	h, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	ready := h.log != nil
	h.mu.Unlock()
	if !ready {
		return nil, false
	}
	return h, true
}

func toOutputLines(sessionID string, lines []outputlog.Line) []*store.OutputLine {
	out := make([]*store.OutputLine, len(lines))
	for i, l := range lines {
		out[i] = &store.OutputLine{
			SessionID: sessionID,
			Seq:       l.Seq,
			Timestamp: time.Unix(0, l.Timestamp),
			Channel:   l.Channel,
			Bytes:     l.Bytes,
		}
	}
	return out
}

// SendInput writes text plus a trailing newline to the session's PTY.
// Fails with InvalidSessionState if the session cannot currently accept
// input (spec.md §4.5).
func (m *Manager) SendInput(sessionID, text string) error {
	m.mu.Lock()
	h, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.GetSession(sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if sess == nil {
			return errUnknownSession(sessionID)
		}
		return errInvalidSessionState(sess.Status)
	}

	h.mu.Lock()
	status := h.status
	pty := h.pty
	classifier := h.classifier
	h.mu.Unlock()

	if !canAcceptInput(status) {
		return errInvalidSessionState(status)
	}

	if _, err := pty.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write input: %w", err)
	}

	now := time.Now()
	h.mu.Lock()
	classifier.Observe([]byte(text), now)
	h.mu.Unlock()
	m.maybeTransition(h, now)

	return nil
}

func canAcceptInput(status string) bool {
	switch status {
	case store.StatusRunning, store.StatusAwaitingInput, store.StatusWaitingCheckpoint:
		return true
	default:
		return false
	}
}

// EndSession signals the session to stop: SIGTERM, escalating to SIGKILL
// after KillGrace (spec.md §4.1, §4.5). Idempotent: ending an
// already-terminal session succeeds as a no-op.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	h, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.GetSession(sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if sess == nil {
			return errUnknownSession(sessionID)
		}
		return nil // already terminal: idempotent no-op
	}

	h.mu.Lock()
	pty := h.pty
	h.mu.Unlock()

	if err := pty.Kill(m.cfg.KillGrace); err != nil {
		return fmt.Errorf("kill session %s: %w", sessionID, err)
	}
	return nil
}

// Subscribe registers sessionID's subscriber channel for fan-out, with a
// backfill of up to the ring's capacity (or since sinceSeq, if given).
func (m *Manager) Subscribe(sessionID string, sinceSeq *int64) ([]*store.OutputLine, <-chan Event, func(), error) {
	var backfill []*store.OutputLine
	var err error
	if sinceSeq != nil {
		backfill, err = m.GetOutput(sessionID, OutputQuery{SinceSeq: sinceSeq})
	} else {
		backfill, err = m.GetOutput(sessionID, OutputQuery{Tail: intPtr(m.cfg.RingCapacity)})
	}
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := m.hub.Subscribe(sessionID, 256)
	return backfill, ch, cancel, nil
}

// SubscribeAll registers a wildcard subscriber receiving every session's
// events, used by wait_for_state_change when no sessionId is given
// (spec.md §4.8, §11).
func (m *Manager) SubscribeAll() (<-chan Event, func()) {
	return m.hub.SubscribeAll(256)
}

func intPtr(v int) *int { return &v }
