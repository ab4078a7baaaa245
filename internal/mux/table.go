package mux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// ErrStreamsExhausted is returned when a session has no free stream id.
var ErrStreamsExhausted = errors.New("stream ids exhausted")

// streamTable maps stream ids to streams for one session. Ids are allocated
// by the opener from its own parity class, so both ends can open streams
// without coordination. An id stays in the table until its close handshake
// completes, which keeps stale frames from reaching a reused id.
type streamTable struct {
	mu         sync.Mutex
	streams    map[uint32]*Stream
	localOdd   bool
	next       uint32
	maxStreams int
	closed     bool
}

func newStreamTable(role Role, maxStreams int) *streamTable {
	t := &streamTable{
		streams:    make(map[uint32]*Stream),
		localOdd:   role == RoleClient,
		maxStreams: maxStreams,
	}
	if t.localOdd {
		t.next = 1
	} else {
		t.next = 2
	}
	return t
}

// isLocalID reports whether id belongs to this side's parity class.
func (t *streamTable) isLocalID(id uint32) bool {
	return id != 0 && (id%2 == 1) == t.localOdd
}

// allocate reserves a fresh local id and stores the stream built for it.
func (t *streamTable) allocate(build func(id uint32) *Stream) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, tunnel.ErrSessionLost
	}
	if len(t.streams) >= t.maxStreams {
		return nil, ErrStreamsExhausted
	}

	for tries := 0; tries < 1<<31; tries++ {
		id := t.next
		t.next += 2
		if t.next < 2 {
			// wrapped; restart in our parity class
			if t.localOdd {
				t.next = 1
			} else {
				t.next = 2
			}
		}
		if _, used := t.streams[id]; used {
			continue
		}
		st := build(id)
		t.streams[id] = st
		return st, nil
	}
	return nil, ErrStreamsExhausted
}

// insert stores a stream opened by the peer.
func (t *streamTable) insert(st *Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return tunnel.ErrSessionLost
	}
	if t.isLocalID(st.id) {
		return fmt.Errorf("%w: peer opened stream %d in local id space", tunnel.ErrProtocol, st.id)
	}
	if _, used := t.streams[st.id]; used {
		return fmt.Errorf("%w: stream %d already open", tunnel.ErrProtocol, st.id)
	}
	if len(t.streams) >= t.maxStreams {
		return ErrStreamsExhausted
	}
	t.streams[st.id] = st
	return nil
}

func (t *streamTable) get(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

// remove releases id if it still maps to st.
func (t *streamTable) remove(st *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.streams[st.id]; ok && cur == st {
		delete(t.streams, st.id)
	}
}

// closeAll empties the table, refuses further streams and returns what was
// in it. Callers act on the streams after the table lock is released.
func (t *streamTable) closeAll() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	all := make([]*Stream, 0, len(t.streams))
	for _, st := range t.streams {
		all = append(all, st)
	}
	t.streams = make(map[uint32]*Stream)
	return all
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
