// Package compose translates raw keystrokes and paste events from one
// rendering surface into discrete console submissions.
//
// The composer's edit buffer and saved draft are local to the surface and
// never persisted: they are per-surface state, not per-device state, so
// they live here rather than in the session registry.
package compose

import (
	"context"
	"strings"

	"github.com/boardlab/backend/internal/console"
)

// PasteThreshold is the number of lines above which a paste requires
// explicit confirmation. Each line runs as an independent submission on a
// live board, so a large accidental paste must not execute silently.
const PasteThreshold = 5

// Controller is the slice of the session registry the composer drives.
// Satisfied by console.Manager.
type Controller interface {
	AppendInput(device, text string)
	Submit(ctx context.Context, device, code string) bool
	Interrupt(ctx context.Context, device string)
	NavigateHistory(device string, dir console.Direction) (string, bool)
	ForwardRaw(ctx context.Context, device, data string)
}

// Mode selects how keystrokes are handled.
type Mode int

const (
	// ModeLine accumulates characters locally and submits on CR/LF.
	ModeLine Mode = iota
	// ModeRaw forwards every keystroke verbatim to the device.
	ModeRaw
)

// Composer holds the local editing state for one rendering surface.
type Composer struct {
	ctrl   Controller
	device string
	mode   Mode

	buffer     []byte
	savedDraft string
	browsing   bool

	pendingPaste *PasteRequest
}

// New creates a line-mode composer with no bound device.
func New(ctrl Controller) *Composer {
	return &Composer{ctrl: ctrl, mode: ModeLine}
}

// SetDevice rebinds the composer to a device. Local editing state is
// dropped: the buffer belongs to the surface, not the old device, but a
// half-typed command makes no sense against a different board.
func (c *Composer) SetDevice(device string) {
	c.device = device
	c.reset()
}

// Device returns the bound device id.
func (c *Composer) Device() string { return c.device }

// SetMode switches between line and raw input. Switching clears the
// buffer and any pending paste.
func (c *Composer) SetMode(mode Mode) {
	c.mode = mode
	c.reset()
}

// Mode returns the current input mode.
func (c *Composer) Mode() Mode { return c.mode }

// Buffer returns the current edit buffer contents.
func (c *Composer) Buffer() string { return string(c.buffer) }

// Key processes one keystroke byte.
//
// In line mode: CR/LF finalizes the buffer, backspace drops the last
// byte, ^C interrupts and clears, TAB and printable bytes accumulate, and
// all other control bytes are ignored. In raw mode every byte is
// forwarded verbatim.
func (c *Composer) Key(ctx context.Context, b byte) {
	if c.device == "" {
		return
	}
	if c.mode == ModeRaw {
		c.ctrl.ForwardRaw(ctx, c.device, string([]byte{b}))
		return
	}

	switch {
	case b == '\r' || b == '\n':
		c.finalize(ctx)
	case b == 0x7f || b == 0x08:
		if len(c.buffer) > 0 {
			c.buffer = c.buffer[:len(c.buffer)-1]
		}
	case b == 0x03:
		c.ctrl.Interrupt(ctx, c.device)
		c.reset()
	case b == '\t' || b >= 0x20:
		c.buffer = append(c.buffer, b)
	}
}

// Type feeds a string of keystrokes through Key, byte by byte.
func (c *Composer) Type(ctx context.Context, text string) {
	for i := 0; i < len(text); i++ {
		c.Key(ctx, text[i])
	}
}

// finalize submits the buffer as one command and clears the editing
// state. Blank input clears without submitting.
func (c *Composer) finalize(ctx context.Context) {
	text := string(c.buffer)
	c.reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	c.ctrl.AppendInput(c.device, text)
	c.ctrl.Submit(ctx, c.device, text)
}

// HistoryUp recalls the previous history entry. On the first press the
// in-progress draft is stashed so it can be restored when browsing moves
// back past the newest entry.
func (c *Composer) HistoryUp() {
	if c.device == "" || c.mode == ModeRaw {
		return
	}
	if !c.browsing {
		c.browsing = true
		c.savedDraft = string(c.buffer)
	}
	if entry, ok := c.ctrl.NavigateHistory(c.device, console.HistoryUp); ok {
		c.buffer = []byte(entry)
	}
}

// HistoryDown recalls the next history entry, or restores the saved
// draft once browsing moves past the newest entry.
func (c *Composer) HistoryDown() {
	if c.device == "" || c.mode == ModeRaw || !c.browsing {
		return
	}
	entry, ok := c.ctrl.NavigateHistory(c.device, console.HistoryDown)
	if ok {
		c.buffer = []byte(entry)
		return
	}
	c.buffer = []byte(c.savedDraft)
	c.savedDraft = ""
	c.browsing = false
}

// Cancel discards the buffer, the saved draft and any pending paste
// (used for an escape signal).
func (c *Composer) Cancel() {
	c.reset()
}

func (c *Composer) reset() {
	c.buffer = nil
	c.savedDraft = ""
	c.browsing = false
	c.pendingPaste = nil
}

// PasteRequest describes a multi-line paste held back for confirmation.
type PasteRequest struct {
	LineCount int    `json:"line_count"`
	Preview   string `json:"preview"`

	lines []string
}

// Paste handles pasted text. Line endings are normalized and null bytes
// stripped. Text above PasteThreshold lines is held back and returned as
// a PasteRequest that must be confirmed before anything executes; smaller
// pastes run immediately. Returns nil when the paste ran (or was raw).
func (c *Composer) Paste(ctx context.Context, text string) *PasteRequest {
	if c.device == "" {
		return nil
	}
	if c.mode == ModeRaw {
		c.ctrl.ForwardRaw(ctx, c.device, normalize(text))
		return nil
	}

	normalized := normalize(text)
	lines := strings.Split(normalized, "\n")
	if len(lines) > PasteThreshold {
		req := &PasteRequest{
			LineCount: len(lines),
			Preview:   lines[0],
			lines:     lines,
		}
		c.pendingPaste = req
		return req
	}
	c.submitLines(ctx, lines)
	return nil
}

// ConfirmPaste executes the held-back paste. Reports whether a paste was
// pending.
func (c *Composer) ConfirmPaste(ctx context.Context) bool {
	req := c.pendingPaste
	if req == nil {
		return false
	}
	c.pendingPaste = nil
	c.submitLines(ctx, req.lines)
	return true
}

// CancelPaste discards the held-back paste.
func (c *Composer) CancelPaste() {
	c.pendingPaste = nil
}

// PendingPaste returns the paste awaiting confirmation, if any.
func (c *Composer) PendingPaste() *PasteRequest {
	return c.pendingPaste
}

// submitLines runs each line as an independent submission, in order. A
// trailing empty line from a final newline is dropped; blank lines are
// never submitted. Like any submission, this clears the edit buffer and
// the saved-draft slot.
func (c *Composer) submitLines(ctx context.Context, lines []string) {
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	c.buffer = nil
	c.savedDraft = ""
	c.browsing = false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.ctrl.AppendInput(c.device, line)
		c.ctrl.Submit(ctx, c.device, line)
	}
}

// normalize converts CRLF and bare CR line endings to LF and strips null
// bytes.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\x00", "")
}
