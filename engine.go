package dqengine

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/dqwire"
	"github.com/gordian-engine/dqengine/internal/degress"
	"github.com/gordian-engine/dqengine/internal/dflags"
	"github.com/gordian-engine/dqengine/internal/dingress"
	"github.com/gordian-engine/dqengine/internal/dreg"
	"github.com/gordian-engine/dqengine/internal/dsched"
)

// Engine owns every live connection in one address space: it routes incoming
// datagrams to them, ticks them in priority order, and batches their
// outgoing packets onto a caller-supplied [Sink]. See SPEC_FULL.md §2-§5 for
// the component breakdown this type wires together.
//
// An Engine is not safe for concurrent use. Callers serialize externally;
// [Engine.ProcessConns], [Engine.SendUnsentPackets], [Engine.Connect], and
// [Engine.PacketIn] additionally assert against re-entrant calls (§5).
type Engine struct {
	settings Settings
	logger   *slog.Logger

	reg      *dreg.Registry
	tickable *dsched.TickableHeap
	outgoing *dsched.OutgoingHeap
	attq     *dsched.Attq

	ingress *dingress.Dispatcher
	egress  *degress.Batcher

	// byConn reverse-resolves a caller-held dqconn.Connection back to its
	// internal State, needed by the entry points (AddCID, RetireCID) that
	// only receive the Connection, not the State the rest of the engine
	// threads through.
	byConn map[dqconn.Connection]*dflags.State
	nConns int

	batchSize int

	canSend         bool
	pastDeadline    bool
	resumeSendingAt time.Time

	processing bool

	clock func() time.Time

	counters counters
}

// New validates settings and constructs an Engine. sink and alloc must be
// non-nil; logger may be nil, in which case the engine logs nothing.
func New(settings Settings, sink Sink, alloc Allocator, logger *slog.Logger) (*Engine, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("dqengine: invalid settings: %w", err)
	}
	if sink == nil {
		return nil, fmt.Errorf("dqengine: sink must not be nil")
	}
	if alloc == nil {
		return nil, fmt.Errorf("dqengine: alloc must not be nil")
	}

	mode := dreg.ModeCID
	if settings.hashByAddress() {
		mode = dreg.ModeAddress
	}

	reg := dreg.New(mode)
	tickable := dsched.NewTickableHeap()

	clock := settings.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		settings:  settings,
		logger:    logger,
		reg:       reg,
		tickable:  tickable,
		outgoing:  dsched.NewOutgoingHeap(),
		attq:      dsched.NewAttq(),
		ingress:   dingress.New(reg, tickable, settings.SCIDLen, settings.HonorPRST, logger),
		egress:    degress.New(sink, alloc, logger, clock),
		byConn:    make(map[dqconn.Connection]*dflags.State),
		batchSize: degress.InitialBatchSize,
		canSend:   true,
		clock:     clock,
	}
	return e, nil
}

func (e *Engine) now() time.Time { return e.clock() }

func (e *Engine) guard() {
	if e.processing {
		contractViolation("%w", ErrReentrant)
	}
	e.processing = true
}

func (e *Engine) unguard() { e.processing = false }

// Stats returns a snapshot of the engine's lifetime counters. It reads only
// atomic counters, so it may be called from another goroutine while other
// Engine methods run.
func (e *Engine) Stats() Stats { return e.counters.snapshot() }

// QUICVersions reports the bitmask of QUIC versions this engine was
// configured to offer or accept.
func (e *Engine) QUICVersions() dqwire.VersionSet { return e.settings.Versions }

// HasUnsentPackets reports whether any connection currently has a pending
// entry in the Outgoing Heap.
func (e *Engine) HasUnsentPackets() bool { return e.outgoing.Len() > 0 }

// CountAttq reports how many ATTQ entries are scheduled at or before
// now+fromNow, without removing them.
func (e *Engine) CountAttq(fromNow time.Duration) int {
	return e.attq.CountBefore(e.now().Add(fromNow))
}

// EarliestAdvTick reports the delay until the engine next has something to
// do (§4.6 earliest_adv_tick): zero if a tickable connection already waits,
// or if the processing deadline has already passed with outgoing work
// pending; otherwise the time until the earliest ATTQ entry or, while
// sending is suspended, the resume-sending failsafe, whichever is sooner.
// The bool return is false only when the engine has nothing scheduled at
// all.
func (e *Engine) EarliestAdvTick() (time.Duration, bool) {
	now := e.now()

	if e.tickable.Len() > 0 {
		return 0, true
	}
	if e.pastDeadline && e.outgoing.Len() > 0 {
		return 0, true
	}

	var (
		have  bool
		delay time.Duration
	)
	if t, ok := e.attq.PeekTime(); ok {
		delay = t.Sub(now)
		have = true
	}
	if !e.canSend {
		d := e.resumeSendingAt.Sub(now)
		if !have || d < delay {
			delay = d
			have = true
		}
	}
	if !have {
		return 0, false
	}
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// Connect registers a freshly constructed client-side connection's initial
// CID set, giving the engine its first reference (HASHED). Mirrors
// InsertAllCIDs's one ErrPortInUse case for address-keyed registries
// (§8 "CID-less address mode").
func (e *Engine) Connect(conn dqconn.Connection, localAddr, peerAddr net.Addr, cids []dqconn.CID) error {
	e.guard()
	defer e.unguard()

	s := dflags.New(conn, e.logger)
	s.LocalAddr = localAddr
	s.PeerAddr = peerAddr

	if ierr := e.reg.InsertAllCIDs(s, cids); ierr != nil {
		if ierr == dreg.ErrPortInUse {
			return ErrPortInUse
		}
		return fmt.Errorf("dqengine: connect: %w", ierr)
	}

	s.Incref(dflags.Hashed)
	e.byConn[conn] = s
	e.nConns++
	e.counters.connsCreated.Add(1)
	conn.SetAddrs(localAddr, peerAddr)
	return nil
}

// PacketIn hands a received datagram to the Ingress Dispatcher. It returns
// §4.5 step 4's three-way outcome: 0 if at least one coalesced packet in
// buf reached an owning connection, 1 if none did but the datagram was
// otherwise handled, and -1 (with a non-nil error wrapping ErrParse) if a
// header failed to parse.
func (e *Engine) PacketIn(buf []byte, localAddr, peerAddr net.Addr, peerCtx any, ecn uint8) (int, error) {
	e.guard()
	defer e.unguard()

	status, err := e.ingress.Dispatch(buf, localAddr, peerAddr, peerCtx, ecn, e.now())
	if status == 0 {
		e.counters.packetsIn.Add(1)
	}
	if err != nil {
		e.counters.parseErrors.Add(1)
		return status, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return status, nil
}

// RegisterResetToken makes tok resolve to conn for future stateless-reset
// matching.
func (e *Engine) RegisterResetToken(conn dqconn.Connection, tok [dqwire.StatelessResetTokenLen]byte) {
	s, ok := e.byConn[conn]
	if !ok {
		contractViolation("RegisterResetToken on unknown connection")
	}
	e.ingress.RegisterResetToken(tok, s)
}

// UnregisterResetToken removes a previously registered stateless-reset token.
func (e *Engine) UnregisterResetToken(tok [dqwire.StatelessResetTokenLen]byte) {
	e.ingress.UnregisterResetToken(tok)
}

// AddCID publishes an additional CID for conn at slot idx (the connection
// having issued a new CID after construction).
func (e *Engine) AddCID(conn dqconn.Connection, idx int, cid dqconn.CID) error {
	s, ok := e.byConn[conn]
	if !ok {
		return fmt.Errorf("dqengine: AddCID: unknown connection")
	}
	if err := e.reg.InsertCID(s, idx, cid); err != nil {
		return fmt.Errorf("dqengine: AddCID: %w", err)
	}
	return nil
}

// RetireCID unpublishes conn's CID at slot idx.
func (e *Engine) RetireCID(conn dqconn.Connection, idx int) {
	s, ok := e.byConn[conn]
	if !ok {
		return
	}
	e.reg.RetireCID(s, idx)
}

// ProcessConns runs one iteration of the Process Loop (§4.6): it pops due
// ATTQ entries, ticks every tickable connection in priority order, drives
// the Egress Batcher if sending is armed and outgoing work exists, then
// drains the transient closing and ticked sets.
func (e *Engine) ProcessConns() {
	e.guard()
	defer e.unguard()

	now := e.now()

	for _, s := range e.attq.PopDue(now) {
		if e.decref(s, dflags.Attq) {
			continue
		}
		if !s.Has(dflags.Tickable) {
			s.Incref(dflags.Tickable)
			e.tickable.Push(s)
		}
	}

	if !e.canSend && now.After(e.resumeSendingAt) {
		e.canSend = true
	}

	deadline := now.Add(e.settings.ProcTimeThresh)

	var closing, ticked []*dflags.State
	i := 0
	for e.tickable.Len() > 0 {
		s := e.tickable.Pop()
		if e.decref(s, dflags.Tickable) {
			continue
		}
		if s.Has(dflags.Attq) {
			e.attq.Remove(s)
			if e.decref(s, dflags.Attq) {
				continue
			}
		}

		ind := s.Conn.Tick(now)
		s.LastTicked = now.Add(time.Duration(i+1) * time.Microsecond)
		i++

		if ind.Has(dqconn.Send) && !s.Has(dflags.HasOutgoing) {
			s.Incref(dflags.HasOutgoing)
			e.outgoing.Push(s)
		}
		e.counters.ticks.Add(1)

		if ind.Has(dqconn.Close) {
			// Take the Closing reference first so dropping Hashed cannot
			// destroy the connection before the end-of-round drain.
			s.Incref(dflags.Closing)
			closing = append(closing, s)
			if s.Has(dflags.Hashed) {
				e.reg.RemoveAllCIDs(s)
				e.decref(s, dflags.Hashed)
			}
			continue
		}

		s.Incref(dflags.Ticked)
		ticked = append(ticked, s)
	}

	if e.canSend && e.outgoing.Len() > 0 {
		res := e.egress.Run(now, deadline, e.batchSize, e.outgoing)
		e.applyEgressResult(res, &closing)
		e.pastDeadline = res.DeadlineExceeded
	}

	for _, s := range closing {
		e.decref(s, dflags.Closing)
	}

	for _, s := range ticked {
		if !s.Has(dflags.Ticked) {
			// Already de-ticked by a BADCRYPT egress failure this round.
			continue
		}
		if e.decref(s, dflags.Ticked) {
			continue
		}
		if s.Conn.IsTickable() {
			s.Incref(dflags.Tickable)
			e.tickable.Push(s)
			continue
		}
		t := s.Conn.NextTickTime()
		if t.IsZero() {
			contractViolation("connection reported no next tick time while not otherwise tickable")
		}
		s.Incref(dflags.Attq)
		e.attq.Push(s, t)
	}
}

// applyEgressResult folds a [degress.Result] into engine state: the adaptive
// batch size, the can_send/resume_sending_at failsafe, connections with
// nothing further to send, and connections whose encryption failed fatally.
func (e *Engine) applyEgressResult(res degress.Result, closing *[]*dflags.State) {
	e.batchSize = res.NewBatchSize
	e.counters.packetsOut.Add(uint64(res.Sent))
	if !res.CanSend {
		e.canSend = false
		e.resumeSendingAt = res.ResumeSendingAt
		e.counters.backpressureEvents.Add(1)
	}

	for _, s := range res.NothingMoreToSend {
		e.decref(s, dflags.HasOutgoing)
	}

	for _, s := range res.BadCrypto {
		alreadyClosing := s.Has(dflags.Closing)
		if !alreadyClosing {
			// Take the Closing reference first so the connection cannot be
			// destroyed mid-unwind by the decrefs below.
			s.Incref(dflags.Closing)
		}

		// The batcher already dropped s out of the outgoing iteration
		// (never reinserted into active/inactive); the flag must follow.
		if s.Has(dflags.HasOutgoing) {
			e.decref(s, dflags.HasOutgoing)
		}
		if s.Has(dflags.Hashed) {
			e.reg.RemoveAllCIDs(s)
			e.decref(s, dflags.Hashed)
		}
		if s.Has(dflags.Ticked) {
			e.decref(s, dflags.Ticked)
		}

		if !alreadyClosing {
			*closing = append(*closing, s)
		}
	}
}

// SendUnsentPackets drives the Egress Batcher directly, outside a full
// process-loop iteration (§6 send_unsent_packets).
func (e *Engine) SendUnsentPackets() {
	e.guard()
	defer e.unguard()

	now := e.now()
	if !e.canSend && now.After(e.resumeSendingAt) {
		e.canSend = true
	}
	if !e.canSend || e.outgoing.Len() == 0 {
		return
	}

	deadline := now.Add(e.settings.ProcTimeThresh)
	res := e.egress.Run(now, deadline, e.batchSize, e.outgoing)
	var closing []*dflags.State
	e.applyEgressResult(res, &closing)
	e.pastDeadline = res.DeadlineExceeded
	for _, s := range closing {
		e.decref(s, dflags.Closing)
	}
}

// Destroy force-closes every connection the engine still references,
// regardless of which transient queue currently holds it, then asserts the
// connection count reached zero: drain the outgoing heap, the tickable
// heap, and the ATTQ, then sweep whatever remains.
func (e *Engine) Destroy() {
	for e.outgoing.Len() > 0 {
		e.forceClose(e.outgoing.Pop())
	}
	for e.tickable.Len() > 0 {
		e.forceClose(e.tickable.Pop())
	}
	for _, s := range e.attq.DrainAll() {
		e.forceClose(s)
	}
	for _, s := range e.byConn {
		e.forceClose(s)
	}

	if e.nConns != 0 {
		contractViolation("engine destroy left %d connections alive", e.nConns)
	}
}

func (e *Engine) forceClose(s *dflags.State) {
	if _, ok := e.byConn[s.Conn]; !ok {
		return
	}
	s.ForceClose()
	delete(e.byConn, s.Conn)
	e.nConns--
	e.counters.connsDestroyed.Add(1)
}

// decref clears flag on s and performs the engine-level bookkeeping
// [dflags.State.Decref] cannot: removing the connection from byConn and
// adjusting nConns/counters when this was its last reference. Reports
// whether this call destroyed the connection, so callers know to stop
// touching s.
func (e *Engine) decref(s *dflags.State, flag dflags.Flag) bool {
	if s.Decref(flag) {
		delete(e.byConn, s.Conn)
		e.nConns--
		e.counters.connsDestroyed.Add(1)
		return true
	}
	return false
}
