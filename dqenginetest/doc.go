// Package dqenginetest provides reusable test doubles for exercising an
// [github.com/gordian-engine/dqengine.Engine]: a no-op echo connection, a
// buffering sink, and a test-bound logger. A companion *test package holding
// fixtures, rather than burying them in _test.go files, keeps them usable
// from every package's tests without import-cycle games.
package dqenginetest
