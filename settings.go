package dqengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/dqengine/dqconn"
	"github.com/gordian-engine/dqengine/dqwire"
)

// Minimum and maximum bounds referenced by [Settings.validate].
const (
	// MinFlowControlWindow is the smallest connection/stream flow-control
	// window this engine accepts; below this, a connection could stall on
	// its own receive window before a single full-size packet arrives.
	MinFlowControlWindow = 16 * 1024

	// MaxIdleTimeout is the largest idle timeout this engine accepts.
	MaxIdleTimeout = 600 * time.Second

	// MaxH3Placeholders bounds Settings.H3Placeholders to the capacity of an
	// HTTP/3 priority tree built on top of this engine; the engine itself
	// never builds that tree, but it validates the setting on the layer's
	// behalf since the value flows through engine construction.
	MaxH3Placeholders = 128
)

// Settings configures an [Engine]. It is validated once, in [New]; the
// Engine treats it as immutable afterward.
type Settings struct {
	// Versions is the bitmask of QUIC versions this engine offers or
	// accepts. Must intersect a version dqwire recognizes.
	Versions dqwire.VersionSet

	// SCIDLen is the source connection ID length this engine's connections
	// publish. Zero is legal only in [RoleClient] (it forces address-keyed
	// registry mode); otherwise it must be in [dqconn.MinCIDLen,
	// dqconn.MaxCIDLen].
	SCIDLen int

	// Role distinguishes client- and server-side engines; only a client may
	// set SCIDLen to zero.
	Role Role

	// CFCW and SFCW are the connection- and stream-level flow-control
	// window sizes offered to peers, in bytes.
	CFCW, SFCW uint64

	// IdleTimeout is the negotiated connection idle timeout. Must not
	// exceed [MaxIdleTimeout].
	IdleTimeout time.Duration

	// ProcTimeThresh bounds how long a single [Engine.ProcessConns] call may
	// spend batching egress before the Egress Batcher stops starting new
	// batches (§4.4, §4.6).
	ProcTimeThresh time.Duration

	// SupportTCID0 enables the legacy TCID0 address-keyed registry mode
	// when combined with a legacy-header version offer (§4.1).
	SupportTCID0 bool

	// HonorPRST enables recognizing and acting on legacy public-reset
	// datagrams (§4.5).
	HonorPRST bool

	// PacePackets hints that the caller wants packets paced rather than
	// sent in a burst; the core does not pace itself, but records the
	// setting for the Connection Interface to consult.
	PacePackets bool

	// ECN is stored with the settings but not consulted by the engine: ECN
	// codepoints are recorded on ingress and passed to the sink on egress
	// whatever its value.
	ECN bool

	// InitMaxStreamsUni and InitMaxStreamsBidi are the initial
	// unidirectional/bidirectional stream limits offered to peers.
	InitMaxStreamsUni, InitMaxStreamsBidi uint64

	// H3Placeholders is the number of HTTP/3 priority-tree placeholder
	// nodes reserved at construction. Must not exceed [MaxH3Placeholders].
	H3Placeholders int

	// Clock, if non-nil, replaces time.Now as the engine's source of the
	// current time everywhere §4 refers to "now" (tick ordering, ATTQ
	// scheduling, the resume-sending failsafe). Left nil in production;
	// tests that need to control scheduling deterministically (e.g. the
	// deadline-trip and ATTQ-count scenarios in §8) supply one instead of
	// sleeping real wall-clock time.
	Clock func() time.Time
}

// Role distinguishes a client engine (may omit CIDs, initiates connections)
// from a server engine (always hashes by CID unless forced otherwise).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// hashByAddress reports whether this configuration forces the registry into
// [dreg.ModeAddress] (§4.1): a forced-TCID0 version is offered, a
// legacy-header version is combined with TCID0 support, or the configured
// source CID length is explicitly zero.
func (s Settings) hashByAddress() bool {
	if s.SCIDLen == 0 {
		return true
	}
	if s.Versions.HasForcedTCID0() {
		return true
	}
	if s.SupportTCID0 && s.Versions.HasLegacyHeader() {
		return true
	}
	return false
}

// validate checks s for internal consistency, aggregating every violation
// it finds via errors.Join so a caller sees every problem in one report
// rather than fixing settings one compile-fail at a time.
func (s Settings) validate() error {
	var errs error

	if s.Versions == 0 {
		errs = errors.Join(errs, errors.New("Settings.Versions must offer at least one version"))
	} else if !s.Versions.Intersects(dqwire.SupportedVersions) {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.Versions (%#x) does not intersect any version this engine recognizes (%#x)",
			uint64(s.Versions), uint64(dqwire.SupportedVersions),
		))
	}

	if s.SCIDLen == 0 {
		if s.Role != RoleClient {
			errs = errors.Join(errs, errors.New("Settings.SCIDLen may only be zero for a client engine"))
		}
	} else if s.SCIDLen < dqconn.MinCIDLen || s.SCIDLen > dqconn.MaxCIDLen {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.SCIDLen must be 0 or in [%d, %d]; got %d",
			dqconn.MinCIDLen, dqconn.MaxCIDLen, s.SCIDLen,
		))
	}

	if s.CFCW < MinFlowControlWindow {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.CFCW must be at least %d; got %d", MinFlowControlWindow, s.CFCW,
		))
	}
	if s.SFCW < MinFlowControlWindow {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.SFCW must be at least %d; got %d", MinFlowControlWindow, s.SFCW,
		))
	}

	if s.IdleTimeout <= 0 || s.IdleTimeout > MaxIdleTimeout {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.IdleTimeout must be in (0, %s]; got %s", MaxIdleTimeout, s.IdleTimeout,
		))
	}

	if s.ProcTimeThresh <= 0 {
		errs = errors.Join(errs, errors.New("Settings.ProcTimeThresh must be positive"))
	}

	if s.H3Placeholders < 0 || s.H3Placeholders > MaxH3Placeholders {
		errs = errors.Join(errs, fmt.Errorf(
			"Settings.H3Placeholders must be in [0, %d]; got %d",
			MaxH3Placeholders, s.H3Placeholders,
		))
	}

	return errs
}
