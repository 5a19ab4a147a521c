package outputlog

import (
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// Persister is the subset of the store this package needs: appending
// durable output rows and recovering a ring's tail on restart.
type Persister interface {
	AppendOutput(line *store.OutputLine) error
	TailOutput(sessionID string, n int) ([]*store.OutputLine, error)
}

// Log is the per-session output pipeline: PTY bytes in, sequenced lines
// out, both buffered in a Ring and persisted via Persister.
type Log struct {
	SessionID string

	ring    *Ring
	chunker *Chunker
	vterm   *VTerm
	store   Persister

	// OnPersistError, if set, is called when a line fails to write to the
	// durable log. The ring still holds the line either way.
	OnPersistError func(err error)

	// OnLine, if set, is called with every line once it's buffered and
	// persisted, so a caller (internal/sessionmgr) can feed it to the
	// wait-state detector and the subscription hub without polling.
	OnLine func(Line)
}

// NewLog creates a Log for sessionID, recovering its ring tail from the
// store if prior lines exist (startup reconciliation, spec.md §4.2).
func NewLog(sessionID string, store Persister, ringCapacity, lineSoftMax int, flushInterval time.Duration, cols, rows int) (*Log, error) {
	l := &Log{
		SessionID: sessionID,
		ring:      NewRing(ringCapacity),
		store:     store,
		vterm:     NewVTerm(cols, rows),
	}

	prior, err := store.TailOutput(sessionID, ringCapacity)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		lines := make([]Line, len(prior))
		for i, p := range prior {
			lines[i] = Line{Seq: p.Seq, Channel: p.Channel, Bytes: p.Bytes, Timestamp: p.Timestamp.UnixNano()}
		}
		l.ring.Seed(lines)
		for _, p := range prior {
			l.vterm.Write(p.Bytes)
		}
	}

	l.chunker = NewChunker(lineSoftMax, flushInterval, l.onLine)
	return l, nil
}

// Write feeds a chunk of PTY bytes on channel into the chunk→line
// pipeline and the live terminal emulator.
func (l *Log) Write(channel string, p []byte) {
	l.vterm.Write(p)
	l.chunker.Write(channel, p)
}

// Resize forwards a terminal size change to the emulator so its snapshot
// stays accurate for the next reconnecting client.
func (l *Log) Resize(cols, rows int) {
	l.vterm.Resize(cols, rows)
}

// onLine is the chunker's flush callback: assign a seq, persist, buffer.
func (l *Log) onLine(channel string, bytes []byte) {
	line := l.ring.Append(channel, bytes, time.Now().UnixNano())
	if err := l.store.AppendOutput(&store.OutputLine{
		SessionID: l.SessionID,
		Seq:       line.Seq,
		Timestamp: time.Unix(0, line.Timestamp),
		Channel:   line.Channel,
		Bytes:     line.Bytes,
	}); err != nil && l.OnPersistError != nil {
		l.OnPersistError(err)
	}
	if l.OnLine != nil {
		l.OnLine(line)
	}
}

// AppendSystem injects a synthetic system-channel line not derived from
// PTY bytes, e.g. "reaped on startup" during crash recovery.
func (l *Log) AppendSystem(message string) {
	l.onLine("system", []byte(message))
}

// Flush forces out any pending partial line, called on session Exit so
// the final carry is never lost.
func (l *Log) Flush() {
	l.chunker.Flush()
}

// Close stops the chunker's idle-flush loop and releases the emulator.
func (l *Log) Close() {
	l.chunker.Close()
	l.vterm.Close()
}

// Tail returns the last n buffered lines, oldest first.
func (l *Log) Tail(n int) []Line {
	return l.ring.Tail(n)
}

// Since returns every buffered line after seq after.
func (l *Log) Since(after int64) []Line {
	return l.ring.Since(after)
}

// Slice returns buffered lines with seq in [lo, hi].
func (l *Log) Slice(lo, hi int64) []Line {
	return l.ring.Slice(lo, hi)
}

// LastSeq returns the most recently assigned seq, or -1 if none yet.
func (l *Log) LastSeq() int64 {
	return l.ring.LastSeq()
}

// Snapshot renders the live terminal grid as ANSI for a reconnecting
// monitor client.
func (l *Log) Snapshot() []byte {
	return l.vterm.Snapshot()
}
