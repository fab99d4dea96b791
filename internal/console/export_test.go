package console

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/boardlab/backend/internal/infrastructure/logging"
)

func TestExportSnapshot(t *testing.T) {
	m := NewManager(&mockExecutor{}, nil, logging.NewNop())
	m.Subscribe("/dev/ttyACM0")
	m.AppendInput("/dev/ttyACM0", "print('hi')")
	m.AppendOutput("/dev/ttyACM0", "hi\n")

	export, ok := m.ExportLog("/dev/ttyACM0")
	if !ok {
		t.Fatal("Expected export for live session")
	}
	if export.Device != "/dev/ttyACM0" {
		t.Errorf("Wrong device: %s", export.Device)
	}
	if len(export.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(export.Entries))
	}
	if export.Entries[0].Kind != EntryInput || export.Entries[1].Kind != EntryOutput {
		t.Errorf("Entries out of order: %v", export.Entries)
	}

	// The export is a snapshot: later output must not appear in it.
	m.AppendOutput("/dev/ttyACM0", "more\n")
	if len(export.Entries) != 2 {
		t.Error("Export should be detached from the live session")
	}
}

func TestExportUnknownDevice(t *testing.T) {
	m := NewManager(&mockExecutor{}, nil, logging.NewNop())
	if _, ok := m.ExportLog("ghost"); ok {
		t.Error("Expected no export for unknown device")
	}
}

func TestExportFilename(t *testing.T) {
	end := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		device string
		want   string
	}{
		{"/dev/ttyACM0", "dev_ttyACM0_2026-08-31.json"},
		{"COM4", "COM4_2026-08-31.json"},
		{"///", "device_2026-08-31.json"},
		{"usb-1.2", "usb-1.2_2026-08-31.json"},
	}
	for _, tt := range tests {
		e := Export{Device: tt.device, SessionEnd: end}
		if got := e.Filename(); got != tt.want {
			t.Errorf("Filename(%q) = %q, want %q", tt.device, got, tt.want)
		}
	}
}

func TestExportWriteJSON(t *testing.T) {
	e := Export{
		Device:  "COM4",
		Entries: []LogEntry{{Kind: EntryOutput, Text: "hello"}},
	}
	var buf bytes.Buffer
	if err := e.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var decoded Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if decoded.Device != "COM4" || len(decoded.Entries) != 1 {
		t.Errorf("Round trip lost data: %+v", decoded)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Error("Expected indented output")
	}
}

func TestExportWriteGzip(t *testing.T) {
	e := Export{Device: "COM4"}
	var buf bytes.Buffer
	if err := e.WriteGzip(&buf); err != nil {
		t.Fatalf("WriteGzip failed: %v", err)
	}

	gr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("Output is not gzip: %v", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	var decoded Export
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Decompressed payload is not valid JSON: %v", err)
	}
	if decoded.Device != "COM4" {
		t.Errorf("Round trip lost device: %+v", decoded)
	}
}
