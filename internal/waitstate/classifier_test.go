package waitstate

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Window:        8,
		RunIdle:       500 * time.Millisecond,
		InputIdle:     1500 * time.Millisecond,
		IdleIdle:      5 * time.Second,
		Debounce:      200 * time.Millisecond,
		PromptGlyphs:  []string{"❯"},
		SpinnerGlyphs: []string{"⠋", "⠙"},
		SpinnerWindow: 300 * time.Millisecond,
	}
}

func TestClassifierReportsRunningImmediately(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("building...\n"), now)
	if got := c.Tick(now); got != Running {
		t.Fatalf("got %v, want Running", got)
	}
}

func TestClassifierAwaitingInputAfterPromptAndIdle(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("$ ❯ \n"), now)

	later := now.Add(2 * time.Second)
	c.Tick(later)
	state := c.Tick(later.Add(250 * time.Millisecond))
	if state != AwaitingInput {
		t.Fatalf("got %v, want AwaitingInput", state)
	}
}

func TestClassifierDebouncesTransition(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("❯ \n"), now)

	justPastIdle := now.Add(1600 * time.Millisecond)
	state := c.Tick(justPastIdle)
	if state == AwaitingInput {
		t.Fatal("expected debounce to delay the AwaitingInput transition")
	}

	afterDebounce := justPastIdle.Add(250 * time.Millisecond)
	state = c.Tick(afterDebounce)
	if state != AwaitingInput {
		t.Fatalf("got %v, want AwaitingInput after debounce elapses", state)
	}
}

func TestClassifierCheckpointTakesPriority(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("checkpoint:decision\n"), now)
	c.Observe([]byte("Options:\n"), now)
	c.Observe([]byte("1) yes\n"), now)
	c.Observe([]byte("2) no\n"), now)
	c.Observe([]byte("❯ \n"), now)

	later := now.Add(2 * time.Second)
	c.Tick(later)
	state := c.Tick(later.Add(250 * time.Millisecond))
	if state != WaitingCheckpoint {
		t.Fatalf("got %v, want WaitingCheckpoint", state)
	}

	rec := c.Checkpoint()
	if rec == nil {
		t.Fatal("expected a checkpoint record")
	}
	if rec.Type != Decision {
		t.Fatalf("type = %v, want %v", rec.Type, Decision)
	}
	if len(rec.Options) != 2 || rec.Options[0] != "yes" || rec.Options[1] != "no" {
		t.Fatalf("unexpected options: %v", rec.Options)
	}
}

func TestClassifierSpinnerSuppressesAwaitingInput(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.SpinnerWindow = 3 * time.Second // keep the glyph recent at both ticks
	c := NewClassifier(cfg, now)
	c.Observe([]byte("⠋ working ❯ \n"), now)

	later := now.Add(2 * time.Second)
	c.Tick(later)
	state := c.Tick(later.Add(250 * time.Millisecond))
	if state == AwaitingInput {
		t.Fatal("expected recent spinner glyph to suppress AwaitingInput")
	}
}

func TestClassifierIdleAfterLongSilence(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("working\n"), now)

	later := now.Add(6 * time.Second)
	c.Tick(later)
	state := c.Tick(later.Add(250 * time.Millisecond))
	if state != Idle {
		t.Fatalf("got %v, want Idle", state)
	}
}

func TestClassifierResumesRunningOnNewOutput(t *testing.T) {
	now := time.Now()
	c := NewClassifier(testConfig(), now)
	c.Observe([]byte("❯ \n"), now)
	later := now.Add(2 * time.Second)
	c.Tick(later)
	c.Tick(later.Add(250 * time.Millisecond))

	c.Observe([]byte("more output\n"), later.Add(300*time.Millisecond))
	state := c.Tick(later.Add(300 * time.Millisecond))
	if state != Running {
		t.Fatalf("got %v, want Running after new output", state)
	}
}
