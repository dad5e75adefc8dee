// Package scheduler drives the devices of one generation.
//
// A Manager launches CheckState for every polled device whose interval has
// elapsed, on its own goroutine, and never lets two polls of the same device
// overlap: a device that is still busy when it falls due again is skipped
// with a warning. Stop ends scheduling, waits (bounded) for in-flight polls,
// then cleans up sensors, actuators, shared drivers and channels, in that
// order.
//
// A Manager runs once. Reloading configuration builds a new Manager around
// a new generation; see package reporter.
//
// Lifecycle:
//
//	created ──Start──▶ running ──Stop──▶ stopping ──▶ stopped
package scheduler
