package dqenginetest

import (
	"sync"

	"github.com/gordian-engine/dqengine/dqconn"
)

// BufferSink is a [dqconn.Sink] double that accepts every datagram offered
// to it and records each batch for later assertions. Accept, when set,
// overrides how many entries of the next Send call are accepted, to
// simulate backpressure (spec.md §8 scenario 2); it is reset to -1 (accept
// all) after each call.
type BufferSink struct {
	mu sync.Mutex

	// Accept, if >= 0, caps how many entries the next Send call reports as
	// sent. Negative means accept everything offered. The zero value of a
	// fresh BufferSink is 0, which would otherwise silently reject
	// everything, so callers should use [NewBufferSink].
	Accept int

	batches [][]dqconn.BatchEntry
}

// NewBufferSink returns a BufferSink that accepts every datagram offered to
// it until Accept is set to a non-negative value.
func NewBufferSink() *BufferSink {
	return &BufferSink{Accept: -1}
}

// Send implements [dqconn.Sink].
func (s *BufferSink) Send(batch []dqconn.BatchEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, append([]dqconn.BatchEntry(nil), batch...))
	accept := s.Accept
	s.Accept = -1
	if accept < 0 || accept >= len(batch) {
		return len(batch), nil
	}
	return accept, nil
}

// Batches returns every batch handed to Send so far.
func (s *BufferSink) Batches() [][]dqconn.BatchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]dqconn.BatchEntry(nil), s.batches...)
}

// Calls reports how many times Send has been invoked.
func (s *BufferSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// NopAllocator is an [dqconn.Allocator] double for tests that never
// actually need distinct buffers, since [EchoConn] never encrypts.
type NopAllocator struct{}

func (NopAllocator) Alloc(any, int, bool) []byte { return nil }
func (NopAllocator) Release(any, []byte, bool)   {}
func (NopAllocator) Return(any, []byte, bool)    {}
