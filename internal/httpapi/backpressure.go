package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"
)

// errSlowConsumer is returned when a connection's outstanding queued bytes
// exceed WSBufferMax, per spec.md §4.9: "if a client's send buffer exceeds
// WS_BUFFER_MAX the client is disconnected with reason slow-consumer."
var errSlowConsumer = errors.New("slow consumer")

// bufferTracker counts bytes reserved for frames still in flight: enqueued
// but not yet written to the socket. A frameWriter's goroutine releases
// each frame's bytes only once conn.Write for it actually returns, so
// pending reflects real accumulated backlog across several small frames,
// not just the size of whichever single frame is currently being sent.
type bufferTracker struct {
	max int

	mu      sync.Mutex
	pending int
}

func newBufferTracker(max int) *bufferTracker {
	if max <= 0 {
		max = 1 * 1024 * 1024
	}
	return &bufferTracker{max: max}
}

func (bt *bufferTracker) reserve(n int) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.pending+n > bt.max {
		return false
	}
	bt.pending += n
	return true
}

func (bt *bufferTracker) release(n int) {
	bt.mu.Lock()
	bt.pending -= n
	bt.mu.Unlock()
}

// frameWriter decouples a WS connection's event consumer from its socket
// writes: Send enqueues a frame and returns immediately (or reports
// errSlowConsumer if the connection can't keep up), while a single
// goroutine drains the queue and performs the actual blocking writes.
type frameWriter struct {
	conn *websocket.Conn
	bt   *bufferTracker
	out  chan []byte
	errC chan error
	done chan struct{}
}

func newFrameWriter(ctx context.Context, conn *websocket.Conn, bt *bufferTracker) *frameWriter {
	fw := &frameWriter{
		conn: conn,
		bt:   bt,
		out:  make(chan []byte, 64),
		errC: make(chan error, 1),
		done: make(chan struct{}),
	}
	go fw.run(ctx)
	return fw
}

func (fw *frameWriter) run(ctx context.Context) {
	defer close(fw.done)
	for data := range fw.out {
		err := fw.conn.Write(ctx, websocket.MessageText, data)
		fw.bt.release(len(data))
		if err != nil {
			select {
			case fw.errC <- err:
			default:
			}
			return
		}
	}
}

// Send marshals frame and queues it for the writer goroutine. It reports
// errSlowConsumer without blocking if admitting the frame would push the
// connection's outstanding bytes past WSBufferMax, or if the outbound
// queue itself is full.
func (fw *frameWriter) Send(frame wsFrame) error {
	select {
	case err := <-fw.errC:
		return err
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if !fw.bt.reserve(len(data)) {
		return errSlowConsumer
	}
	select {
	case fw.out <- data:
		return nil
	default:
		fw.bt.release(len(data))
		return errSlowConsumer
	}
}

// Close stops accepting new frames and waits for the writer goroutine to
// drain or fail.
func (fw *frameWriter) Close() {
	close(fw.out)
	<-fw.done
}
