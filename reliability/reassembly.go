package reliability

import (
	"sync"
	"time"
)

// Reassembler accumulates fragments keyed by (operator, request id) and
// emits the reconstructed payload once the final fragment has arrived
// and every index below it is present. Incomplete buffers are discarded
// by Sweep after the reassembly window so lost fragments cannot pin
// memory forever. Duplicate fragments overwrite their slot, which keeps
// at-least-once delivery invisible above this layer.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[reassemblyKey]*reassemblyBuffer
	window  time.Duration
}

type reassemblyKey struct {
	operator  string
	requestID string
}

type reassemblyBuffer struct {
	slots      map[uint32][]byte
	finalIndex int64 // -1 until the final fragment arrives
	createdAt  time.Time
}

// NewReassembler creates a reassembler that Sweep considers buffers
// stale after window.
func NewReassembler(window time.Duration) *Reassembler {
	return &Reassembler{
		buffers: make(map[reassemblyKey]*reassemblyBuffer),
		window:  window,
	}
}

// Add stores one fragment. When the fragment completes its payload the
// reconstructed bytes are returned and the buffer is destroyed.
func (r *Reassembler) Add(frag *Fragment, now time.Time) ([]byte, bool) {
	key := reassemblyKey{operator: frag.Operator, requestID: frag.RequestID}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[key]
	if !ok {
		buf = &reassemblyBuffer{
			slots:      make(map[uint32][]byte),
			finalIndex: -1,
			createdAt:  now,
		}
		r.buffers[key] = buf
	}
	buf.slots[frag.Index] = frag.Data
	if frag.Final {
		buf.finalIndex = int64(frag.Index)
	}

	if buf.finalIndex < 0 || int64(len(buf.slots)) != buf.finalIndex+1 {
		return nil, false
	}
	var size int
	for i := int64(0); i <= buf.finalIndex; i++ {
		part, ok := buf.slots[uint32(i)]
		if !ok {
			return nil, false
		}
		size += len(part)
	}
	payload := make([]byte, 0, size)
	for i := int64(0); i <= buf.finalIndex; i++ {
		payload = append(payload, buf.slots[uint32(i)]...)
	}
	delete(r.buffers, key)
	return payload, true
}

// Sweep discards buffers older than the reassembly window and returns
// how many were dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for key, buf := range r.buffers {
		if now.Sub(buf.createdAt) >= r.window {
			delete(r.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Pending reports the number of incomplete buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
