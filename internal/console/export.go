package console

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Export is the downloadable snapshot of a session's entry list.
type Export struct {
	Device       string     `json:"device"`
	SessionStart time.Time  `json:"session_start"`
	SessionEnd   time.Time  `json:"session_end"`
	Entries      []LogEntry `json:"entries"`
}

// ExportLog snapshots the device's session for download. Pure read, no
// mutation.
func (m *Manager) ExportLog(device string) (*Export, bool) {
	s, ok := m.session(device)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)
	return &Export{
		Device:       s.Device,
		SessionStart: s.StartedAt,
		SessionEnd:   time.Now(),
		Entries:      entries,
	}, true
}

// Filename returns the artifact name for the export, with the device
// identifier sanitized for the filesystem.
func (e *Export) Filename() string {
	return fmt.Sprintf("%s_%s.json", sanitizeDevice(e.Device), e.SessionEnd.Format("2006-01-02"))
}

// WriteJSON writes the export as indented JSON.
func (e *Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// WriteGzip writes the export as gzip-compressed JSON.
func (e *Export) WriteGzip(w io.Writer) error {
	gw := gzip.NewWriter(w)
	if err := e.WriteJSON(gw); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("compress export: %w", err)
	}
	return nil
}

// sanitizeDevice maps a device identifier (a serial port path like
// /dev/ttyACM0 or COM4) to a safe filename fragment.
func sanitizeDevice(device string) string {
	var b strings.Builder
	b.Grow(len(device))
	for _, r := range device {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "device"
	}
	return s
}
