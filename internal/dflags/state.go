package dflags

import (
	"log/slog"
	"net"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
)

// State is the per-connection record every other internal package operates
// on: the connection itself, its published CIDs, its addresses, its
// scheduling timestamps, and its membership flags.
type State struct {
	Conn dqconn.Connection

	CIDs      [dqconn.MaxCIDsPerConn]dqconn.CID
	Published dqconn.CIDSet

	LocalAddr, PeerAddr net.Addr

	// LastTicked and LastSent are monotonic order-preserving stamps, not
	// wall-clock readings: LastTicked is now.Add((i+1) * time.Microsecond)
	// for the connection's 0-based position i in the round's tick order, and
	// LastSent is the same offset for the position i of its last sent
	// packet within a flushed batch, so heap draws stay deterministic even
	// when many events share the same now.
	LastTicked time.Time
	LastSent   time.Time

	flags         Flag
	neverTickable bool

	logger *slog.Logger

	// TickableIdx, OutgoingIdx, and AttqIdx are heap.Interface slice
	// positions maintained by internal/dsched's three priority queues. -1
	// means "not currently in that heap". AttqTime is the scheduled tick
	// time backing the ATTQ entry, valid only while AttqIdx >= 0.
	TickableIdx int
	OutgoingIdx int
	AttqIdx     int
	AttqTime    time.Time
}

// New returns a freshly allocated State with no flags set. The caller is
// responsible for the first Incref (normally Hashed, from the registry
// insert that creates the connection).
func New(conn dqconn.Connection, logger *slog.Logger) *State {
	return &State{
		Conn:        conn,
		logger:      logger,
		TickableIdx: -1,
		OutgoingIdx: -1,
		AttqIdx:     -1,
	}
}

// Flags returns the current membership set.
func (s *State) Flags() Flag { return s.flags }

// Has reports whether flag is currently set.
func (s *State) Has(flag Flag) bool { return s.flags.Has(flag) }

// NeverTickable reports whether this connection has begun destruction and
// must reject any further Tickable incref (blocks recursive inserts from
// user callbacks invoked during destruction).
func (s *State) NeverTickable() bool { return s.neverTickable }

// Incref asserts flag was not already set, sets it, and logs the
// transition. Double-inserting the same flag on a connection is a contract
// violation.
func (s *State) Incref(flag Flag) {
	if flag == Tickable && s.neverTickable {
		contractViolation("attempted to make a never-tickable (destroying) connection tickable again")
	}
	if s.flags.Has(flag) {
		contractViolation("double-insert of flag %s (current flags %s)", flag, s.flags)
	}

	old := s.flags
	s.flags |= flag
	s.logTransition(old, s.flags)
}

// Decref asserts flag was set, clears it, and logs the transition. If the
// flag set becomes empty, the connection is destroyed: neverTickable is
// latched first (blocking recursive inserts from the destroy callback
// itself), then Conn.Destroy is invoked. Decref reports whether this call
// destroyed the connection.
func (s *State) Decref(flag Flag) (destroyed bool) {
	if !s.flags.Has(flag) {
		contractViolation("decref of absent flag %s (current flags %s)", flag, s.flags)
	}

	old := s.flags
	s.flags &^= flag
	s.logTransition(old, s.flags)

	if s.flags == 0 {
		s.neverTickable = true
		s.Conn.Destroy()
		return true
	}
	return false
}

// ForceClose tears the connection down immediately, bypassing the normal
// per-flag decref discipline. Used only by the engine's destructor, which
// must reclaim every remaining connection regardless of which transient
// queues still reference it.
func (s *State) ForceClose() {
	old := s.flags
	s.neverTickable = true
	s.flags = 0
	s.logTransition(old, 0)
	s.Conn.Destroy()
}

func (s *State) logTransition(from, to Flag) {
	if s.logger == nil {
		return
	}
	s.logger.Debug("conn ref changed", "from", from.String(), "to", to.String())
}
