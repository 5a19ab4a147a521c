// Package waitstate classifies a session's live output tail into a
// coarse activity state (C3): running, awaiting input, paused on a
// checkpoint, or idle. It never touches the store; callers feed it lines
// and read back a debounced State.
package waitstate

import (
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// State is the detector's classification of a session's recent activity.
type State int

const (
	Running State = iota
	AwaitingInput
	WaitingCheckpoint
	Idle
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case AwaitingInput:
		return "awaiting_input"
	case WaitingCheckpoint:
		return "waiting_checkpoint"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Config holds the glyphs and timers the classifier uses, sourced from
// internal/config so every session shares one tuned set.
type Config struct {
	Window        int
	RunIdle       time.Duration
	InputIdle     time.Duration
	IdleIdle      time.Duration
	Debounce      time.Duration
	PromptGlyphs  []string
	SpinnerGlyphs []string
	SpinnerWindow time.Duration
}

// Classifier tracks one session's rolling tail and debounced state.
type Classifier struct {
	cfg Config

	window      []string // last cfg.Window non-empty, ANSI-stripped lines
	lastOutput  time.Time
	lastSpinner time.Time

	candidate      State
	candidateSince time.Time
	reported       State
	checkpoint     *CheckpointRecord
}

// NewClassifier creates a Classifier seeded as Running at now.
func NewClassifier(cfg Config, now time.Time) *Classifier {
	return &Classifier{cfg: cfg, lastOutput: now, candidate: Running, candidateSince: now, reported: Running}
}

// Observe feeds a new line of output (any channel) at time now. Raw bytes
// are stripped of ANSI before joining the rolling window, per the rule
// that any classification parsing strips ANSI on a copy.
func (c *Classifier) Observe(line []byte, now time.Time) {
	c.lastOutput = now
	stripped := ansi.Strip(string(line))
	stripped = strings.TrimRight(stripped, "\r\n")
	if stripped == "" {
		return
	}
	if containsAnyGlyph(stripped, c.cfg.SpinnerGlyphs) {
		c.lastSpinner = now
	}

	c.window = append(c.window, stripped)
	if len(c.window) > c.cfg.Window {
		c.window = c.window[len(c.window)-c.cfg.Window:]
	}
}

// Tick re-evaluates the classification at time now, applying the debounce
// rule, and returns the currently reported State. running transitions are
// reported immediately; every other transition must hold for Debounce.
func (c *Classifier) Tick(now time.Time) State {
	next, block := c.classify(now)

	if next != c.candidate {
		c.candidate = next
		c.candidateSince = now
	}

	if next == Running {
		c.reported = Running
		c.checkpoint = nil
		return c.reported
	}

	if now.Sub(c.candidateSince) >= c.cfg.Debounce {
		if c.reported != WaitingCheckpoint && next == WaitingCheckpoint {
			rec := ParseCheckpoint(block)
			c.checkpoint = &rec
		} else if next != WaitingCheckpoint {
			c.checkpoint = nil
		}
		c.reported = c.candidate
	}
	return c.reported
}

// Checkpoint returns the CheckpointRecord extracted for the current
// reported WaitingCheckpoint state, or nil if the session isn't paused
// on one.
func (c *Classifier) Checkpoint() *CheckpointRecord {
	return c.checkpoint
}

// ClearCheckpoint discards the current checkpoint and forces the next
// Tick to re-evaluate from Running, used by respond_checkpoint.
func (c *Classifier) ClearCheckpoint(now time.Time) {
	c.checkpoint = nil
	c.reported = Running
	c.candidate = Running
	c.candidateSince = now
	c.lastOutput = now
}

func (c *Classifier) classify(now time.Time) (State, string) {
	idleFor := now.Sub(c.lastOutput)

	if idleFor < c.cfg.RunIdle {
		return Running, ""
	}

	if block, ok := matchCheckpoint(c.window); ok {
		return WaitingCheckpoint, block
	}

	if idleFor >= c.cfg.InputIdle && c.tailHasPrompt() && now.Sub(c.lastSpinner) >= c.cfg.SpinnerWindow {
		return AwaitingInput, ""
	}

	if idleFor >= c.cfg.IdleIdle {
		return Idle, ""
	}

	return Running, ""
}

func (c *Classifier) tailHasPrompt() bool {
	if len(c.window) == 0 {
		return false
	}
	last := c.window[len(c.window)-1]
	for _, glyph := range c.cfg.PromptGlyphs {
		if strings.HasSuffix(strings.TrimRight(last, " "), glyph) {
			return true
		}
	}
	return false
}

func containsAnyGlyph(line string, glyphs []string) bool {
	for _, g := range glyphs {
		if strings.Contains(line, g) {
			return true
		}
	}
	return false
}
