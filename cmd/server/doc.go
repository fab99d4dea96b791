// Package main is the entry point for the BoardLab console backend.
//
// The backend sits between the IDE front end and the device service that
// owns the serial ports:
//
//	Front end (IDE) → console backend → device service (boards)
//
// It provides:
//   - Per-device console sessions with bounded logs and history
//   - A single multiplexed event channel to the device service
//   - Keystroke composition, paste gating and history recall per pane
//   - A fixed pane pool with split modes and linked scrolling
//   - Change notification push and session log export
//
// Configuration comes from environment variables; see the config
// package for the full list. A -dev flag switches to colored debug
// logging.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
