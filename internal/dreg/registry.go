package dreg

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/internal/dflags"
)

// Mode selects how the registry keys connections.
type Mode int

const (
	// ModeCID keys connections by the CID bytes of each published CID
	// entry: the normal case.
	ModeCID Mode = iota

	// ModeAddress keys connections by the 2-byte local port, used when a
	// forced-TCID0 version is offered, a legacy-header version is combined
	// with TCID0 support, or the configured source CID length is zero.
	ModeAddress
)

// ErrPortInUse is returned by InsertAllCIDs in [ModeAddress] when another
// connection already occupies the requested local port.
var ErrPortInUse = errors.New("dreg: cannot have more than one connection on the same port")

// ErrCIDInUse is returned by InsertCID / InsertAllCIDs in [ModeCID] when a
// CID is already published by another connection.
var ErrCIDInUse = errors.New("dreg: connection ID already registered")

// Registry is the engine's connection lookup table.
type Registry struct {
	mode   Mode
	byCID  map[dqconn.CID]*dflags.State
	byPort map[uint16]*dflags.State
}

// New returns an empty registry operating in the given mode.
func New(mode Mode) *Registry {
	r := &Registry{mode: mode}
	if mode == ModeCID {
		r.byCID = make(map[dqconn.CID]*dflags.State)
	} else {
		r.byPort = make(map[uint16]*dflags.State)
	}
	return r
}

// Mode reports the registry's keying mode.
func (r *Registry) Mode() Mode { return r.mode }

// InsertAllCIDs publishes every CID in cids for s. In [ModeCID], partial
// inserts are rolled back on the first conflict, leaving the registry
// exactly as it was before the call. In [ModeAddress], cids[0] becomes the
// connection's sole on-the-wire identity for lookup-verification purposes,
// and the connection is keyed by s.LocalAddr's port instead.
func (r *Registry) InsertAllCIDs(s *dflags.State, cids []dqconn.CID) error {
	if r.mode == ModeAddress {
		port, err := localPort(s.LocalAddr)
		if err != nil {
			return fmt.Errorf("dreg: insert: %w", err)
		}
		if _, exists := r.byPort[port]; exists {
			return ErrPortInUse
		}
		r.byPort[port] = s
		for i, cid := range cids {
			s.CIDs[i] = cid
			s.Published = s.Published.With(i)
		}
		return nil
	}

	inserted := make([]int, 0, len(cids))
	for i, cid := range cids {
		if _, exists := r.byCID[cid]; exists {
			for _, idx := range inserted {
				delete(r.byCID, s.CIDs[idx])
				s.Published = s.Published.Without(idx)
			}
			return ErrCIDInUse
		}
		r.byCID[cid] = s
		s.CIDs[i] = cid
		s.Published = s.Published.With(i)
		inserted = append(inserted, i)
	}
	return nil
}

// RemoveAllCIDs unpublishes everything s currently has registered.
func (r *Registry) RemoveAllCIDs(s *dflags.State) {
	if r.mode == ModeAddress {
		if port, err := localPort(s.LocalAddr); err == nil {
			delete(r.byPort, port)
		}
		s.Published = 0
		return
	}

	for _, idx := range s.Published.Indices() {
		delete(r.byCID, s.CIDs[idx])
	}
	s.Published = 0
}

// InsertCID publishes a single additional CID at slot idx, used when a
// connection issues a new CID after construction. Only meaningful in
// [ModeCID]; a no-op in [ModeAddress] beyond recording the slot.
func (r *Registry) InsertCID(s *dflags.State, idx int, cid dqconn.CID) error {
	if r.mode == ModeAddress {
		s.CIDs[idx] = cid
		s.Published = s.Published.With(idx)
		return nil
	}

	if _, exists := r.byCID[cid]; exists {
		return ErrCIDInUse
	}
	r.byCID[cid] = s
	s.CIDs[idx] = cid
	s.Published = s.Published.With(idx)
	return nil
}

// RetireCID unpublishes the CID at slot idx.
func (r *Registry) RetireCID(s *dflags.State, idx int) {
	if !s.Published.Has(idx) {
		return
	}
	if r.mode == ModeCID {
		delete(r.byCID, s.CIDs[idx])
	}
	s.Published = s.Published.Without(idx)
	s.CIDs[idx] = ""
}

// Lookup resolves a received packet to the connection that owns it.
// parsedCID is the destination CID parsed from the packet header (may be
// empty); localPort is the packet's destination port, used only in
// [ModeAddress]. In [ModeAddress], a match is additionally required to have
// a primary CID equal to parsedCID whenever parsedCID is non-empty,
// otherwise the lookup reports not-found even though the port matched.
func (r *Registry) Lookup(parsedCID dqconn.CID, localPort uint16) (*dflags.State, bool) {
	if r.mode == ModeAddress {
		s, ok := r.byPort[localPort]
		if !ok {
			return nil, false
		}
		if parsedCID != "" && s.Conn.PrimaryCID() != parsedCID {
			return nil, false
		}
		return s, true
	}

	s, ok := r.byCID[parsedCID]
	return s, ok
}

// LocalPort extracts the 2-byte port an address-keyed registry hashes on.
func LocalPort(addr net.Addr) (uint16, error) {
	return localPort(addr)
}

// LookupByPort resolves a connection purely by local port, skipping the
// primary-CID verification [Lookup] performs. Meaningful only in
// [ModeAddress]; used by the ingress path to pick a header parser before a
// packet has even been parsed.
func (r *Registry) LookupByPort(port uint16) (*dflags.State, bool) {
	s, ok := r.byPort[port]
	return s, ok
}

func localPort(addr net.Addr) (uint16, error) {
	if addr == nil {
		return 0, fmt.Errorf("nil local address")
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("parsing port from %q: %w", addr.String(), err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing port from %q: %w", addr.String(), err)
	}
	return uint16(port), nil
}
