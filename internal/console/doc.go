// Package console implements the per-device console session registry.
//
// Each connected board gets one Session record keyed by its device
// identifier (the serial port name). The Manager is the single writer of
// Session state: transport events, input submission and the HTTP surface
// all mutate sessions through Manager operations, which makes concurrent
// reads from multiple rendering surfaces safe.
//
// Bounds:
//   - Full output log capped at MaxOutput bytes, trimmed from the front
//   - Entry list capped at MaxEntries, trimmed from the front
//   - Command history capped at MaxHistory, no consecutive duplicates
//
// Output produced since the last drain accumulates in a pending delta that
// is consumed exactly once via DrainPending. Exactly one rendering surface
// should drain a given device at a time; the pane binding invariant in
// package panes enforces this structurally.
package console
