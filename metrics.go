package dqengine

import "sync/atomic"

// Stats is a cheap read-only snapshot of the engine's lifetime counters.
// This is not the statistics-aggregation subsystem spec.md keeps out of
// scope (§1: "Statistics aggregation and logging" is an external
// collaborator's job, not the core's); it is the core's own raw counters,
// grounded on the C source's `eng_hist` per-second history ring, flattened
// here to plain monotonic totals since the core does no aggregation or
// export of its own.
type Stats struct {
	// Ticks is the number of times any connection's Tick method has been
	// invoked.
	Ticks uint64

	// PacketsIn is the number of incoming datagrams for which at least one
	// coalesced packet reached [dqconn.Connection.PacketIn] on some
	// connection (PacketIn's status-0 outcome, §4.5 step 4).
	PacketsIn uint64

	// PacketsOut is the number of packets a [Sink] accepted.
	PacketsOut uint64

	// ParseErrors is the number of datagrams dropped for failing header
	// parsing (§4.7 ProtocolParseError).
	ParseErrors uint64

	// ConnsCreated and ConnsDestroyed track the connection population over
	// the engine's lifetime; ConnsCreated - ConnsDestroyed is the current
	// live count.
	ConnsCreated, ConnsDestroyed uint64

	// StatelessResetsSent always reads zero: the engine does not count
	// stateless-reset token matches or
	// [dqconn.Connection.StatelessReset] calls.
	StatelessResetsSent uint64

	// BackpressureEvents counts flushes where the sink accepted fewer
	// datagrams than offered (§4.4 flush rules).
	BackpressureEvents uint64
}

// counters is the mutable, concurrency-safe storage behind [Engine.Stats].
// The engine itself is single-threaded per §5, but Stats is documented as
// safe to read from another goroutine (e.g. a metrics exporter) while
// ProcessConns runs, so every field uses atomic addressing.
type counters struct {
	ticks               atomic.Uint64
	packetsIn           atomic.Uint64
	packetsOut          atomic.Uint64
	parseErrors         atomic.Uint64
	connsCreated        atomic.Uint64
	connsDestroyed      atomic.Uint64
	statelessResetsSent atomic.Uint64
	backpressureEvents  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Ticks:               c.ticks.Load(),
		PacketsIn:           c.packetsIn.Load(),
		PacketsOut:          c.packetsOut.Load(),
		ParseErrors:         c.parseErrors.Load(),
		ConnsCreated:        c.connsCreated.Load(),
		ConnsDestroyed:      c.connsDestroyed.Load(),
		StatelessResetsSent: c.statelessResetsSent.Load(),
		BackpressureEvents:  c.backpressureEvents.Load(),
	}
}
