package outputlog

import (
	"bytes"
	"sync"
	"time"
)

// Chunker accumulates raw bytes from a PTY into discrete lines, per
// spec.md §4.2's chunk→line policy: flush on newline, flush early if the
// carry exceeds softMax with no newline, and flush on idle after
// flushInterval even without either.
type Chunker struct {
	softMax       int
	flushInterval time.Duration
	onFlush       func(channel string, line []byte)

	mu       sync.Mutex
	carry    map[string][]byte // per channel, e.g. "stdout"
	lastByte time.Time
	stop     chan struct{}
}

// NewChunker creates a Chunker that calls onFlush with each completed line
// (newline included when the flush was newline-triggered, omitted for a
// synthetic soft-max or idle flush).
func NewChunker(softMax int, flushInterval time.Duration, onFlush func(channel string, line []byte)) *Chunker {
	c := &Chunker{
		softMax:       softMax,
		flushInterval: flushInterval,
		onFlush:       onFlush,
		carry:         make(map[string][]byte),
		stop:          make(chan struct{}),
	}
	go c.idleLoop()
	return c
}

// Write feeds a chunk of bytes for channel (e.g. "stdout") through the
// chunk→line policy, calling onFlush for every line the chunk completes.
func (c *Chunker) Write(channel string, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastByte = time.Now()
	buf := append(c.carry[channel], p...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i+1]
		c.emit(channel, line)
		buf = buf[i+1:]
	}
	for len(buf) > c.softMax {
		line := buf[:c.softMax]
		c.emit(channel, line)
		buf = buf[c.softMax:]
	}
	c.carry[channel] = buf
}

func (c *Chunker) emit(channel string, line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)
	c.onFlush(channel, cp)
}

// Flush forces out any non-empty carry for every channel, used on Exit so
// the final partial line is not lost (spec.md §4.2's guarantee).
func (c *Chunker) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, buf := range c.carry {
		if len(buf) > 0 {
			c.emit(channel, buf)
			c.carry[channel] = nil
		}
	}
}

// Close stops the idle-flush loop.
func (c *Chunker) Close() {
	close(c.stop)
}

func (c *Chunker) idleLoop() {
	// Poll at a finer grain than flushInterval so idleness is detected
	// close to the deadline rather than up to a full interval late.
	tick := c.flushInterval / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := !c.lastByte.IsZero() && time.Since(c.lastByte) >= c.flushInterval
			c.mu.Unlock()
			if idle {
				c.Flush()
			}
		}
	}
}
