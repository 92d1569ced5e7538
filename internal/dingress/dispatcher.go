package dingress

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gordian-engine/dqengine/dqwire"
	"github.com/gordian-engine/dqengine/internal/dflags"
	"github.com/gordian-engine/dqengine/internal/dreg"
	"github.com/gordian-engine/dqengine/internal/dsched"
)

// ErrParse is wrapped into the error [Dispatcher.Dispatch] returns when a
// datagram's header fails to parse (§4.7 ProtocolParseError).
var ErrParse = errors.New("dingress: malformed packet header")

// Dispatcher implements the Ingress Dispatcher (§4.5): it resolves each
// (possibly coalesced) packet in a received datagram to an owning
// connection, making that connection tickable, or else attempts a
// stateless-reset match.
type Dispatcher struct {
	reg      *dreg.Registry
	tickable *dsched.TickableHeap

	scidLen   int
	honorPRST bool

	logger *slog.Logger

	resetTokens map[[dqwire.StatelessResetTokenLen]byte]*dflags.State
}

// New returns a Dispatcher resolving packets against reg and marking
// resolved connections tickable in tickable.
func New(reg *dreg.Registry, tickable *dsched.TickableHeap, scidLen int, honorPRST bool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:         reg,
		tickable:    tickable,
		scidLen:     scidLen,
		honorPRST:   honorPRST,
		logger:      logger,
		resetTokens: make(map[[dqwire.StatelessResetTokenLen]byte]*dflags.State),
	}
}

// RegisterResetToken makes tok resolve to s for future stateless-reset
// matching. Called whenever a connection hands the engine a newly issued
// reset token (outside this package's scope to generate).
func (d *Dispatcher) RegisterResetToken(tok [dqwire.StatelessResetTokenLen]byte, s *dflags.State) {
	d.resetTokens[tok] = s
}

// UnregisterResetToken removes a previously registered token, e.g. when its
// owning CID is retired.
func (d *Dispatcher) UnregisterResetToken(tok [dqwire.StatelessResetTokenLen]byte) {
	delete(d.resetTokens, tok)
}

// Dispatch walks every coalesced packet in buf, routing each to its owning
// connection. It returns spec.md §4.5 step 4's three-way outcome: 0 if at
// least one coalesced packet reached an owning connection, 1 if none did
// but the datagram was otherwise handled (a stateless-reset match, an
// ignored public reset, or an unrecognized CID), and -1 if a header failed
// to parse. A header failure on a later coalesced packet does not undo the
// delivery of an earlier one in the same datagram — it only changes what
// this call reports, since the do-loop matches §4.5's own "stop and report
// the failure" behavior rather than backfilling a partial count.
func (d *Dispatcher) Dispatch(
	buf []byte,
	localAddr, peerAddr net.Addr,
	peerCtx any,
	ecn uint8,
	now time.Time,
) (status int, err error) {
	parser, err := d.selectParser(localAddr)
	if err != nil {
		return -1, err
	}

	off := 0
	delivered := false
	for off < len(buf) {
		hdr, perr := parser.ParseHeader(buf[off:], d.scidLen)
		if perr != nil {
			return -1, fmt.Errorf("%w: %v", ErrParse, perr)
		}

		raw := buf[off : off+hdr.PacketLen]
		if d.processPacketIn(hdr, raw, localAddr, peerAddr, peerCtx, ecn, now) {
			delivered = true
		}
		off += hdr.PacketLen
	}
	if delivered {
		return 0, nil
	}
	return 1, nil
}

// selectParser implements §4.5 step 1: in address-keyed registry mode the
// parser is chosen from the already-known owning connection's negotiated
// version; otherwise a version-sniffing generic parser is used.
func (d *Dispatcher) selectParser(localAddr net.Addr) (dqwire.Parser, error) {
	if d.reg.Mode() != dreg.ModeAddress {
		return dqwire.GenericParser{}, nil
	}

	port, err := dreg.LocalPort(localAddr)
	if err != nil {
		return nil, fmt.Errorf("dingress: resolving local port: %w", err)
	}
	s, ok := d.reg.LookupByPort(port)
	if !ok {
		return nil, fmt.Errorf("dingress: no connection on local port %d to select a parser from", port)
	}
	return dqwire.SelectParser(dqwire.Version(s.Conn.NegotiatedVersion()))
}

// processPacketIn implements the per-packet logic of §4.5's
// `process_packet_in`. It returns true iff the packet reached a connection.
func (d *Dispatcher) processPacketIn(
	hdr dqwire.Header,
	raw []byte,
	localAddr, peerAddr net.Addr,
	peerCtx any,
	ecn uint8,
	now time.Time,
) bool {
	if hdr.IsPublicReset && !d.honorPRST {
		return false
	}

	var localPort uint16
	if d.reg.Mode() == dreg.ModeAddress {
		localPort, _ = dreg.LocalPort(localAddr)
	}

	s, ok := d.reg.Lookup(hdr.DestCID, localPort)
	if !ok {
		d.tryStatelessReset(raw)
		return false
	}

	d.makeTickable(s)
	s.LocalAddr = localAddr
	s.PeerAddr = peerAddr
	s.Conn.SetAddrs(localAddr, peerAddr)

	pkt := &incomingPacket{
		destCID:     hdr.DestCID,
		receivedAt:  now,
		ecn:         ecn,
		data:        raw[hdr.HeaderLen:],
		shortHeader: !hdr.IsLongHeader,
	}
	s.Conn.PacketIn(pkt)
	return true
}

// tryStatelessReset implements the reset-token fallback for short-header
// datagrams that matched no connection (§4.5): if the packet is at least
// [dqwire.MinStatelessResetSize] and its trailing token matches a
// registration, the owning connection is notified and made tickable.
func (d *Dispatcher) tryStatelessReset(raw []byte) {
	if !dqwire.IsShortHeaderPacket(raw) || len(raw) < dqwire.MinStatelessResetSize {
		return
	}
	tok, ok := dqwire.ExtractStatelessResetToken(raw)
	if !ok {
		return
	}
	s, ok := d.resetTokens[tok]
	if !ok {
		return
	}
	s.Conn.StatelessReset()
	d.makeTickable(s)
}

// makeTickable pushes s onto the tickable heap and sets its Tickable flag,
// unless it is already there (§4.2: "A connection already flagged TICKABLE
// must never be inserted again").
func (d *Dispatcher) makeTickable(s *dflags.State) {
	if s.Has(dflags.Tickable) {
		return
	}
	s.Incref(dflags.Tickable)
	d.tickable.Push(s)
}
