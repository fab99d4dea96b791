package console

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Capacity bounds for a single session. Overflow is resolved by trimming
// the oldest data, never surfaced as an error.
const (
	// MaxOutput is the cap on the retained output log, in bytes.
	MaxOutput = 500_000
	// MaxEntries is the cap on the structured entry list.
	MaxEntries = 10_000
	// MaxHistory is the cap on the command history.
	MaxHistory = 100
)

// EntryKind classifies a log entry.
type EntryKind string

const (
	EntryOutput EntryKind = "output"
	EntryInput  EntryKind = "input"
	EntrySystem EntryKind = "system"
)

// LogEntry is one timestamped line of session traffic.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"type"`
	Text      string    `json:"text"`
}

// Session is the registry's per-device state record. All fields are
// guarded by mu; access goes through Manager operations.
type Session struct {
	Device    string
	StartedAt time.Time

	mu            sync.Mutex
	fullLog       []byte
	pendingDelta  []byte
	entries       []LogEntry
	history       []string
	historyCursor int
	scrollLocked  bool
	unseenOutput  bool
	executing     bool
}

func newSession(device string) *Session {
	return &Session{
		Device:    device,
		StartedAt: time.Now(),
	}
}

// State is a point-in-time, lock-free-readable snapshot of the session
// flags the UI renders.
type State struct {
	Device          string    `json:"device"`
	StartedAt       time.Time `json:"started_at"`
	Executing       bool      `json:"executing"`
	ScrollLocked    bool      `json:"scroll_locked"`
	HasUnseenOutput bool      `json:"has_unseen_output"`
	EntryCount      int       `json:"entry_count"`
	LogSize         int       `json:"log_size"`
	HistoryLength   int       `json:"history_length"`
}

func (s *Session) snapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Device:          s.Device,
		StartedAt:       s.StartedAt,
		Executing:       s.executing,
		ScrollLocked:    s.scrollLocked,
		HasUnseenOutput: s.unseenOutput,
		EntryCount:      len(s.entries),
		LogSize:         len(s.fullLog),
		HistoryLength:   len(s.history),
	}
}

// appendOutputLocked appends text to the full log and the pending delta,
// records an output entry and flags unseen output while scroll is locked.
// Caller holds s.mu.
func (s *Session) appendOutputLocked(text string, now time.Time) {
	s.fullLog = append(s.fullLog, text...)
	if len(s.fullLog) > MaxOutput {
		s.fullLog = trimFront(s.fullLog, MaxOutput)
	}
	s.pendingDelta = append(s.pendingDelta, text...)
	s.appendEntryLocked(LogEntry{Timestamp: now, Kind: EntryOutput, Text: text})
	if s.scrollLocked {
		s.unseenOutput = true
	}
}

func (s *Session) appendEntryLocked(e LogEntry) {
	s.entries = append(s.entries, e)
	if len(s.entries) > MaxEntries {
		s.entries = s.entries[len(s.entries)-MaxEntries:]
	}
}

// pushHistoryLocked records a submitted command, skipping consecutive
// duplicates, and resets the cursor past the end.
func (s *Session) pushHistoryLocked(code string) {
	if n := len(s.history); n == 0 || s.history[n-1] != code {
		s.history = append(s.history, code)
		if len(s.history) > MaxHistory {
			s.history = s.history[len(s.history)-MaxHistory:]
		}
	}
	s.historyCursor = len(s.history)
}

// trimFront keeps the most recent max bytes of b. The cut point is nudged
// forward past UTF-8 continuation bytes so a multi-byte sequence is never
// split at the front of the retained log.
func trimFront(b []byte, max int) []byte {
	start := len(b) - max
	for start < len(b) && !utf8.RuneStart(b[start]) {
		start++
	}
	trimmed := make([]byte, len(b)-start)
	copy(trimmed, b[start:])
	return trimmed
}
