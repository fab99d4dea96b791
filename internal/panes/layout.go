// Package panes binds device sessions to a fixed pool of visual slots
// and propagates synchronized scrolling between them.
package panes

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/infrastructure/logging"
)

// PoolSize is the fixed number of panes created at startup. Panes are
// never destroyed, only rebound.
const PoolSize = 4

// SplitMode determines how many panes are visible.
type SplitMode string

const (
	SplitSingle     SplitMode = "single"
	SplitHorizontal SplitMode = "horizontal"
	SplitVertical   SplitMode = "vertical"
	SplitGrid       SplitMode = "grid"
)

// VisibleCount returns the number of rendered panes for the mode.
func (m SplitMode) VisibleCount() int {
	switch m {
	case SplitHorizontal, SplitVertical:
		return 2
	case SplitGrid:
		return 4
	default:
		return 1
	}
}

// Valid reports whether m is a known split mode.
func (m SplitMode) Valid() bool {
	switch m {
	case SplitSingle, SplitHorizontal, SplitVertical, SplitGrid:
		return true
	}
	return false
}

// Pane is one visual slot. Device is empty when unbound.
type Pane struct {
	ID        string `json:"id"`
	SlotIndex int    `json:"slot_index"`
	Device    string `json:"device,omitempty"`
}

// ScrollSink receives propagated scroll deltas for one pane. A sink must
// apply the delta to its own view and must not feed it back into
// PropagateScroll.
type ScrollSink interface {
	ApplyScroll(deltaLines int)
}

// Manager owns the pane pool and the layout state.
type Manager struct {
	mu           sync.RWMutex
	panes        [PoolSize]*Pane
	sinks        map[string]ScrollSink
	split        SplitMode
	linkedScroll bool
	activePane   string
	logger       *logging.Logger
}

// NewManager creates the pane pool with ids p1..p4, single split, no
// linked scroll.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewDefault()
	}
	m := &Manager{
		sinks:  make(map[string]ScrollSink),
		split:  SplitSingle,
		logger: logger,
	}
	for i := range m.panes {
		m.panes[i] = &Pane{ID: fmt.Sprintf("p%d", i+1), SlotIndex: i}
	}
	m.activePane = m.panes[0].ID
	return m
}

func (m *Manager) pane(id string) *Pane {
	for _, p := range m.panes {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// BindDevice binds a device to a pane. A device bound elsewhere is stolen:
// the previous pane's binding is cleared in the same operation, so a
// device is bound to at most one pane at any time. An empty device id
// unbinds the pane.
func (m *Manager) BindDevice(paneID, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.pane(paneID)
	if target == nil {
		return fmt.Errorf("unknown pane: %s", paneID)
	}
	if device != "" {
		for _, p := range m.panes {
			if p != target && p.Device == device {
				p.Device = ""
			}
		}
	}
	target.Device = device
	m.logger.Debug("pane bound",
		zap.String("pane", paneID), zap.String("device", device))
	return nil
}

// Swap exchanges the device bindings of two panes.
func (m *Manager) Swap(paneA, paneB string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, b := m.pane(paneA), m.pane(paneB)
	if a == nil || b == nil {
		return fmt.Errorf("unknown pane: %s/%s", paneA, paneB)
	}
	a.Device, b.Device = b.Device, a.Device
	return nil
}

// SetSplitMode changes the visible pane count. Existing bindings are
// untouched: panes beyond the visible count keep their devices but are
// not rendered.
func (m *Manager) SetSplitMode(mode SplitMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown split mode: %s", mode)
	}
	m.mu.Lock()
	m.split = mode
	m.mu.Unlock()
	return nil
}

// SetLinkedScroll toggles synchronized scrolling.
func (m *Manager) SetLinkedScroll(enabled bool) {
	m.mu.Lock()
	m.linkedScroll = enabled
	m.mu.Unlock()
}

// SetActivePane records which pane currently has input focus.
func (m *Manager) SetActivePane(paneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pane(paneID) == nil {
		return fmt.Errorf("unknown pane: %s", paneID)
	}
	m.activePane = paneID
	return nil
}

// RegisterSink attaches a rendering surface's scroll sink to a pane.
func (m *Manager) RegisterSink(paneID string, sink ScrollSink) {
	m.mu.Lock()
	m.sinks[paneID] = sink
	m.mu.Unlock()
}

// PropagateScroll delivers a scroll delta from the source pane to every
// other visible pane when linked scroll is enabled. Receivers apply the
// delta directly; this method is only ever invoked by the originating
// surface, so a propagated delta cannot rebroadcast.
func (m *Manager) PropagateScroll(sourcePane string, deltaLines int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.linkedScroll {
		return
	}
	visible := m.split.VisibleCount()
	for i, p := range m.panes {
		if i >= visible || p.ID == sourcePane {
			continue
		}
		if sink, ok := m.sinks[p.ID]; ok {
			sink.ApplyScroll(deltaLines)
		}
	}
}

// Layout is a snapshot of the layout state.
type Layout struct {
	SplitMode    SplitMode `json:"split_mode"`
	LinkedScroll bool      `json:"linked_scroll"`
	ActivePane   string    `json:"active_pane"`
	Panes        []Pane    `json:"panes"`
	VisibleCount int       `json:"visible_count"`
}

// Snapshot returns the current layout.
func (m *Manager) Snapshot() Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Layout{
		SplitMode:    m.split,
		LinkedScroll: m.linkedScroll,
		ActivePane:   m.activePane,
		VisibleCount: m.split.VisibleCount(),
		Panes:        make([]Pane, 0, PoolSize),
	}
	for _, p := range m.panes {
		out.Panes = append(out.Panes, *p)
	}
	return out
}

// BoundPane returns the id of the pane a device is bound to.
func (m *Manager) BoundPane(device string) (string, bool) {
	if device == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.panes {
		if p.Device == device {
			return p.ID, true
		}
	}
	return "", false
}

// BoundDevice returns the device bound to a pane.
func (m *Manager) BoundDevice(paneID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.pane(paneID)
	if p == nil || p.Device == "" {
		return "", false
	}
	return p.Device, true
}

// DeviceConnected implements console.Notifier.
func (m *Manager) DeviceConnected(device string) {}

// DeviceDisconnected clears the disconnected device's pane binding,
// keeping the binding in step with the session lifecycle.
func (m *Manager) DeviceDisconnected(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.panes {
		if p.Device == device {
			p.Device = ""
		}
	}
}

// OutputAvailable implements console.Notifier.
func (m *Manager) OutputAvailable(device string) {}

// StateChanged implements console.Notifier.
func (m *Manager) StateChanged(device string) {}
