// Package dsched implements the engine's three priority queues: the
// Advisory Tick-Time Queue (ATTQ), the Tickable Heap, and the Outgoing
// Heap. All three are min-heaps over *dflags.State built on container/heap;
// they differ only in what they're keyed by and which index field on
// [dflags.State] they maintain.
package dsched
