package degress

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/internal/dflags"
	"github.com/gordian-engine/dqengine/internal/dsched"
)

// Batch size bounds and the engine's initial value.
const (
	MinBatchSize     = 4
	MaxBatchSize     = 1024
	InitialBatchSize = 32
)

// resumeSendingDelay is the failsafe window after which a blocked sink is
// retried even without an external prod.
const resumeSendingDelay = time.Second

// Result reports the outcome of one [Batcher.Run] call: the adapted batch
// size, which connections need end-of-round bookkeeping, and whether
// sending should be suspended.
type Result struct {
	NewBatchSize int

	// NothingMoreToSend lists connections that reported no further packets
	// this round; the caller clears their HasOutgoing flag (a potential
	// destruction).
	NothingMoreToSend []*dflags.State

	// BadCrypto lists connections an EncryptPacket call fatally failed on;
	// the caller tears them down.
	BadCrypto []*dflags.State

	// CanSend reports whether sending remains armed. When false, the
	// caller records ResumeSendingAt as the failsafe retry time.
	CanSend         bool
	ResumeSendingAt time.Time

	// Sent is the total number of datagrams actually handed to the sink
	// across every flush this Run performed.
	Sent int

	// DeadlineExceeded reports whether the engine's clock had passed
	// deadline by the time this Run call stopped batching new packets.
	// Checked against a fresh clock read rather than the now parameter,
	// since a blocking Sink is exactly the scenario the deadline exists to
	// bound (§4.4 step 7, §4.6 earliest_adv_tick).
	DeadlineExceeded bool
}

type packetRef struct {
	state *dflags.State
	pkt   dqconn.Packet
	isIPv6 bool
}

// Batcher drains an outgoing heap into sink-sized batches.
type Batcher struct {
	sink   dqconn.Sink
	alloc  dqconn.Allocator
	logger *slog.Logger
	clock  func() time.Time
}

// New returns a Batcher writing to sink and using alloc for buffer
// lifecycle management. clock is consulted to check the processing
// deadline against a blocking sink's actual elapsed time (§4.4 step 7);
// if nil, time.Now is used. It must be the same clock source the caller
// derived deadline from, or the deadline check is meaningless.
func New(sink dqconn.Sink, alloc dqconn.Allocator, logger *slog.Logger, clock func() time.Time) *Batcher {
	if clock == nil {
		clock = time.Now
	}
	return &Batcher{sink: sink, alloc: alloc, logger: logger, clock: clock}
}

// Run drains outgoing round-robin until it empties or the batcher decides
// to stop (a short flush, or the processing deadline passed). Connections
// still active when Run stops are pushed back onto outgoing; connections
// with nothing more to send and connections whose encryption failed are
// left out of it and named in the returned Result for the caller's
// bookkeeping.
func (b *Batcher) Run(now, deadline time.Time, batchSize int, outgoing *dsched.OutgoingHeap) Result {
	active := list.New()
	inactive := list.New()
	activeElems := make(map[*dflags.State]*list.Element)
	inactiveElems := make(map[*dflags.State]*list.Element)

	for outgoing.Len() > 0 {
		s := outgoing.Pop()
		activeElems[s] = active.PushBack(s)
	}

	var (
		batch        []dqconn.BatchEntry
		batchPackets []packetRef
		badCrypto    []*dflags.State

		flushesCompleted int
		sentTotal        int
		shrink           bool
		canSend          = true
		resumeAt         time.Time
		deadlineExceeded bool
	)

	popActiveFront := func() *dflags.State {
		e := active.Front()
		active.Remove(e)
		s := e.Value.(*dflags.State)
		delete(activeElems, s)
		return s
	}
	pushActiveBack := func(s *dflags.State) {
		activeElems[s] = active.PushBack(s)
	}
	reactivate := func(s *dflags.State) {
		if _, ok := activeElems[s]; ok {
			return
		}
		if e, ok := inactiveElems[s]; ok {
			inactive.Remove(e)
			delete(inactiveElems, s)
		}
		pushActiveBack(s)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		nSent, err := b.sink.Send(batch)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("sink send failed", "error", err)
			}
			nSent = 0
		}
		if nSent < 0 {
			nSent = 0
		}

		if nSent < len(batch) {
			canSend = false
			resumeAt = now.Add(resumeSendingDelay)
			shrink = true
		}

		for i := 0; i < nSent; i++ {
			ref := batchPackets[i]
			ref.state.Conn.PacketSent(ref.pkt)
			ref.state.LastSent = now.Add(time.Duration(i+1) * time.Microsecond)
			b.alloc.Release(ref.state.Conn.PeerContext(), ref.pkt.Payload(), ref.isIPv6)
		}
		for i := len(batchPackets) - 1; i >= nSent; i-- {
			ref := batchPackets[i]
			ref.state.Conn.PacketNotSent(ref.pkt)
			reactivate(ref.state)
		}

		flushesCompleted++
		sentTotal += nSent
		batch = batch[:0]
		batchPackets = batchPackets[:0]
	}

	stop := false
	for active.Len() > 0 && !stop {
		s := popActiveFront()

		pkt := s.Conn.NextPacketToSend()
		if pkt == nil {
			inactiveElems[s] = inactive.PushBack(s)
			continue
		}

		isIPv6 := s.Conn.PeerAddrIsIPv6()
		addrChanged := pkt.Encrypted() && pkt.EncryptedForIPv6() != isIPv6
		if addrChanged {
			b.alloc.Return(s.Conn.PeerContext(), pkt.Payload(), pkt.EncryptedForIPv6())
		}

		if pkt.RequiresEncryption() && (!pkt.Encrypted() || addrChanged) {
			switch s.Conn.EncryptPacket(pkt) {
			case dqconn.EncryptNoMem:
				s.Conn.PacketNotSent(pkt)
				pushActiveBack(s)
				flush()
				stop = true
				continue
			case dqconn.EncryptBadCrypto:
				s.Conn.PacketNotSent(pkt)
				badCrypto = append(badCrypto, s)
				continue
			}
		}

		batch = append(batch, dqconn.BatchEntry{
			Payload:     pkt.Payload(),
			ECN:         pkt.ECN(),
			LocalAddr:   s.LocalAddr,
			PeerAddr:    s.PeerAddr,
			PeerContext: s.Conn.PeerContext(),
		})
		batchPackets = append(batchPackets, packetRef{state: s, pkt: pkt, isIPv6: isIPv6})
		pushActiveBack(s)

		if len(batch) == batchSize {
			flush()
			if b.clock().After(deadline) {
				deadlineExceeded = true
			}
			if shrink || deadlineExceeded {
				stop = true
			}
		}
	}
	flush()
	if !deadlineExceeded && b.clock().After(deadline) {
		deadlineExceeded = true
	}

	newBatchSize := batchSize
	switch {
	case shrink:
		newBatchSize = batchSize >> 1
		if newBatchSize < MinBatchSize {
			newBatchSize = MinBatchSize
		}
	case flushesCompleted >= 2 && !deadlineExceeded:
		newBatchSize = batchSize << 1
		if newBatchSize > MaxBatchSize {
			newBatchSize = MaxBatchSize
		}
	}

	result := Result{
		NewBatchSize:     newBatchSize,
		BadCrypto:        badCrypto,
		CanSend:          canSend,
		Sent:             sentTotal,
		DeadlineExceeded: deadlineExceeded,
	}
	if !canSend {
		result.ResumeSendingAt = resumeAt
	}

	for e := active.Front(); e != nil; e = e.Next() {
		outgoing.Push(e.Value.(*dflags.State))
	}
	for e := inactive.Front(); e != nil; e = e.Next() {
		result.NothingMoreToSend = append(result.NothingMoreToSend, e.Value.(*dflags.State))
	}

	return result
}
