package mux

import (
	"sync"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// writeScheduler is the per-session outbound queue. Connection-level frames
// (heartbeats, credit, acknowledgements) go out first; stream frames are
// taken one at a time from each active stream in round-robin order so a busy
// stream cannot starve the others. Stream queues are bounded by the credit
// window, which writers must hold before pushing Data. Callers may hold a
// stream mutex while pushing; the scheduler never takes one.
type writeScheduler struct {
	mu      sync.Mutex
	control []*tunnel.Frame
	queues  map[uint32][]*tunnel.Frame
	ring    []uint32
	signal  chan struct{}
	closed  bool
}

func newWriteScheduler() *writeScheduler {
	return &writeScheduler{
		queues: make(map[uint32][]*tunnel.Frame),
		signal: make(chan struct{}, 1),
	}
}

func (q *writeScheduler) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushControl queues a connection-level frame.
func (q *writeScheduler) pushControl(f *tunnel.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.control = append(q.control, f)
	q.mu.Unlock()
	q.notify()
	return true
}

// pushStream queues a frame behind earlier frames of the same stream.
func (q *writeScheduler) pushStream(f *tunnel.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	queue, active := q.queues[f.StreamID]
	if !active {
		q.ring = append(q.ring, f.StreamID)
	}
	q.queues[f.StreamID] = append(queue, f)
	q.mu.Unlock()
	q.notify()
	return true
}

// purge drops queued Data and half-close frames of a stream and returns the
// number of Data payload bytes removed. Terminate frames stay queued.
func (q *writeScheduler) purge(streamID uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, ok := q.queues[streamID]
	if !ok {
		return 0
	}

	dropped := 0
	kept := queue[:0]
	for _, f := range queue {
		switch {
		case f.Kind == tunnel.KindData:
			dropped += len(f.Payload)
		case f.Kind == tunnel.KindClose && isFin(f):
		default:
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(queue); i++ {
		queue[i] = nil
	}

	if len(kept) == 0 {
		delete(q.queues, streamID)
		q.removeFromRing(streamID)
	} else {
		q.queues[streamID] = kept
	}
	return dropped
}

func (q *writeScheduler) removeFromRing(streamID uint32) {
	for i, id := range q.ring {
		if id == streamID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			return
		}
	}
}

// tryNext pops the next frame without blocking.
func (q *writeScheduler) tryNext() *tunnel.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.control) > 0 {
		f := q.control[0]
		q.control[0] = nil
		q.control = q.control[1:]
		return f
	}

	for len(q.ring) > 0 {
		id := q.ring[0]
		q.ring = q.ring[1:]

		queue := q.queues[id]
		if len(queue) == 0 {
			delete(q.queues, id)
			continue
		}
		f := queue[0]
		queue[0] = nil
		queue = queue[1:]
		if len(queue) == 0 {
			delete(q.queues, id)
		} else {
			q.queues[id] = queue
			q.ring = append(q.ring, id)
		}
		return f
	}
	return nil
}

// next blocks until a frame is available or done is closed.
func (q *writeScheduler) next(done <-chan struct{}) *tunnel.Frame {
	for {
		if f := q.tryNext(); f != nil {
			return f
		}
		select {
		case <-q.signal:
		case <-done:
			return nil
		}
	}
}

// dropStreams discards every queued stream frame and keeps control frames.
func (q *writeScheduler) dropStreams() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[uint32][]*tunnel.Frame)
	q.ring = nil
}

// pending reports whether any frame is queued.
func (q *writeScheduler) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.control) > 0 || len(q.ring) > 0
}

// close rejects further pushes and drops everything queued.
func (q *writeScheduler) close() {
	q.mu.Lock()
	q.closed = true
	q.control = nil
	q.queues = make(map[uint32][]*tunnel.Frame)
	q.ring = nil
	q.mu.Unlock()
	q.notify()
}

func isFin(f *tunnel.Frame) bool {
	_, fin, err := tunnel.ParseClose(f.Payload)
	return err == nil && fin
}
