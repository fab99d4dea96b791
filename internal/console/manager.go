package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/infrastructure/logging"
)

// ExecResult is the execution collaborator's response to submitted code.
type ExecResult struct {
	Output  string `json:"output"`
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

// Executor runs code on a board and delivers control signals. Implemented
// by the device service client in package exec.
type Executor interface {
	SubmitCode(ctx context.Context, device, code string, timeout time.Duration) (ExecResult, error)
	SendInterrupt(ctx context.Context, device string) error
	SendReset(ctx context.Context, device string, soft bool) error
	WriteRaw(ctx context.Context, device, data string) error
}

// Subscriber controls per-device delivery on the shared channel.
// Implemented by transport.Transport.
type Subscriber interface {
	Subscribe(device string) error
	Unsubscribe(device string) error
}

// PortScanner re-enumerates attached boards. Triggered by ports_changed
// events from the device service.
type PortScanner interface {
	RescanPorts(ctx context.Context) error
}

// Recorder counts session activity. Implemented by monitoring.Metrics.
type Recorder interface {
	RecordOutputBytes(n int)
	RecordSessionCount(n int)
}

// Notifier is the narrow change-notification interface rendering surfaces
// subscribe to. Implementations must not call back into the Manager from
// within a notification.
type Notifier interface {
	DeviceConnected(device string)
	DeviceDisconnected(device string)
	OutputAvailable(device string)
	StateChanged(device string)
}

// Manager owns every Session and is the single writer of session state.
type Manager struct {
	sessions sync.Map // map[string]*Session

	executor    Executor
	subscriber  Subscriber
	portScan    PortScanner
	recorder    Recorder
	execTimeout time.Duration
	logger      *logging.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecTimeout overrides the default 30s execution timeout threaded
// through to the collaborator.
func WithExecTimeout(d time.Duration) Option {
	return func(m *Manager) { m.execTimeout = d }
}

// WithPortScanner wires the ports_changed re-scan trigger.
func WithPortScanner(p PortScanner) Option {
	return func(m *Manager) { m.portScan = p }
}

// WithRecorder wires metrics collection.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a session manager. subscriber may be nil in tests.
func NewManager(executor Executor, subscriber Subscriber, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewDefault()
	}
	m := &Manager{
		executor:    executor,
		subscriber:  subscriber,
		execTimeout: 30 * time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSubscriber wires the shared-channel subscriber after construction.
// The transport needs the Manager as its event handler, so the two are
// built in sequence and linked here.
func (m *Manager) SetSubscriber(s Subscriber) {
	m.subscriber = s
}

// AddNotifier registers a change listener. Registration order is delivery
// order.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) session(device string) (*Session, bool) {
	v, ok := m.sessions.Load(device)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Subscribe creates the device's session on first call and requests
// delivery on the shared channel. Subscribing twice is idempotent.
func (m *Manager) Subscribe(device string) error {
	_, loaded := m.sessions.LoadOrStore(device, newSession(device))
	if !loaded {
		m.logger.Info("session created", zap.String("device", device))
		m.recordSessions()
		m.notify(func(n Notifier) { n.DeviceConnected(device) })
	}
	if m.subscriber != nil {
		if err := m.subscriber.Subscribe(device); err != nil {
			return fmt.Errorf("subscribe %s: %w", device, err)
		}
	}
	return nil
}

// Unsubscribe stops delivery for the device. The session is retained;
// only disconnection destroys it.
func (m *Manager) Unsubscribe(device string) error {
	if m.subscriber == nil {
		return nil
	}
	if err := m.subscriber.Unsubscribe(device); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", device, err)
	}
	return nil
}

// AppendOutput appends device output to the full log, the pending delta
// and the entry list. Sets the unseen-output flag while scroll is locked.
func (m *Manager) AppendOutput(device, text string) {
	s, ok := m.session(device)
	if !ok {
		return
	}
	s.mu.Lock()
	s.appendOutputLocked(text, time.Now())
	s.mu.Unlock()
	if m.recorder != nil {
		m.recorder.RecordOutputBytes(len(text))
	}
	m.notify(func(n Notifier) { n.OutputAvailable(device) })
}

// DrainPending returns the output accumulated since the last drain and
// resets it. Every byte of output is delivered to exactly one caller.
func (m *Manager) DrainPending(device string) string {
	s, ok := m.session(device)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := s.pendingDelta
	s.pendingDelta = nil
	return string(delta)
}

// AppendInput records a submitted command in the entry list.
func (m *Manager) AppendInput(device, text string) {
	m.appendEntry(device, EntryInput, text)
}

// AppendSystemMessage records an out-of-band status line in the entry list.
func (m *Manager) AppendSystemMessage(device, text string) {
	m.appendEntry(device, EntrySystem, text)
}

func (m *Manager) appendEntry(device string, kind EntryKind, text string) {
	s, ok := m.session(device)
	if !ok {
		return
	}
	s.mu.Lock()
	s.appendEntryLocked(LogEntry{Timestamp: time.Now(), Kind: kind, Text: text})
	s.mu.Unlock()
	m.notify(func(n Notifier) { n.StateChanged(device) })
}

// Submit executes code on the device. The executing flag is set for the
// duration of the round-trip and released unconditionally. Collaborator
// failures are converted into log lines on the session, never returned.
// Reports whether a session existed for the device.
func (m *Manager) Submit(ctx context.Context, device, code string) bool {
	s, ok := m.session(device)
	if !ok {
		return false
	}

	s.mu.Lock()
	s.executing = true
	s.pushHistoryLocked(code)
	s.mu.Unlock()
	m.notify(func(n Notifier) { n.StateChanged(device) })

	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
		m.notify(func(n Notifier) { n.StateChanged(device) })
	}()

	res, err := m.executor.SubmitCode(ctx, device, code, m.execTimeout)
	if err != nil {
		m.logger.Warn("code submission failed",
			zap.String("device", device), zap.Error(err))
		m.AppendOutput(device, fmt.Sprintf("Error: %s\n", err))
		return true
	}
	if res.Output != "" {
		m.AppendOutput(device, res.Output)
	}
	if res.Error != "" {
		m.AppendOutput(device, res.Error)
	}
	return true
}

// Interrupt sends a break signal to the device. Fire-and-forget: the
// outcome is recorded as a system line and the executing flag is left
// untouched.
func (m *Manager) Interrupt(ctx context.Context, device string) {
	if _, ok := m.session(device); !ok {
		return
	}
	if err := m.executor.SendInterrupt(ctx, device); err != nil {
		m.AppendSystemMessage(device, fmt.Sprintf("Interrupt failed: %s", err))
		return
	}
	m.AppendSystemMessage(device, "Interrupt sent")
}

// Reset requests a board reset. The device service reports the outcome
// asynchronously via a reset result event.
func (m *Manager) Reset(ctx context.Context, device string, soft bool) {
	if _, ok := m.session(device); !ok {
		return
	}
	if err := m.executor.SendReset(ctx, device, soft); err != nil {
		m.AppendSystemMessage(device, fmt.Sprintf("Reset failed: %s", err))
	}
}

// ForwardRaw writes keystrokes verbatim to the device, bypassing the
// line buffer and history. Used by raw-mode composers.
func (m *Manager) ForwardRaw(ctx context.Context, device, data string) {
	if _, ok := m.session(device); !ok {
		return
	}
	if err := m.executor.WriteRaw(ctx, device, data); err != nil {
		m.logger.Warn("raw write failed",
			zap.String("device", device), zap.Error(err))
	}
}

// Direction selects history navigation.
type Direction int

const (
	HistoryUp Direction = iota
	HistoryDown
)

// NavigateHistory moves the history cursor and returns the entry under
// it. The second return is false when there is no entry: empty history,
// or moving down past the newest entry (the caller restores its draft).
// Moving up past the oldest entry clamps at the oldest.
func (m *Manager) NavigateHistory(device string, dir Direction) (string, bool) {
	s, ok := m.session(device)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch dir {
	case HistoryUp:
		if len(s.history) == 0 {
			return "", false
		}
		if s.historyCursor > 0 {
			s.historyCursor--
		}
		return s.history[s.historyCursor], true
	case HistoryDown:
		if s.historyCursor >= len(s.history)-1 {
			s.historyCursor = len(s.history)
			return "", false
		}
		s.historyCursor++
		return s.history[s.historyCursor], true
	}
	return "", false
}

// History returns a copy of the device's command history.
func (m *Manager) History(device string) []string {
	s, ok := m.session(device)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// SetScrollLock toggles scroll lock. Releasing the lock clears the
// unseen-output flag.
func (m *Manager) SetScrollLock(device string, locked bool) {
	s, ok := m.session(device)
	if !ok {
		return
	}
	s.mu.Lock()
	s.scrollLocked = locked
	if !locked {
		s.unseenOutput = false
	}
	s.mu.Unlock()
	m.notify(func(n Notifier) { n.StateChanged(device) })
}

// State returns a snapshot of the device's session flags.
func (m *Manager) State(device string) (State, bool) {
	s, ok := m.session(device)
	if !ok {
		return State{}, false
	}
	return s.snapshotState(), true
}

// States returns snapshots for every live session.
func (m *Manager) States() []State {
	var states []State
	m.sessions.Range(func(_, v interface{}) bool {
		states = append(states, v.(*Session).snapshotState())
		return true
	})
	return states
}

// FullLog returns the complete retained output log.
func (m *Manager) FullLog(device string) (string, bool) {
	s, ok := m.session(device)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.fullLog), true
}

func (m *Manager) recordSessions() {
	if m.recorder == nil {
		return
	}
	n := 0
	m.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	m.recorder.RecordSessionCount(n)
}

func (m *Manager) notify(fn func(Notifier)) {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()
	for _, n := range notifiers {
		fn(n)
	}
}

// OnDeviceConnected handles a device_connected event for a subscribed
// device.
func (m *Manager) OnDeviceConnected(device string, info map[string]interface{}) {
	if _, ok := m.session(device); !ok {
		return
	}
	m.AppendSystemMessage(device, "Device connected")
	m.logger.Info("device connected",
		zap.String("device", device), zap.Any("info", info))
}

// OnDeviceDisconnected destroys the device's session. Pane bindings are
// cleared by listeners on the disconnect notification.
func (m *Manager) OnDeviceDisconnected(device string) {
	if _, ok := m.session(device); !ok {
		return
	}
	m.sessions.Delete(device)
	m.logger.Info("session destroyed", zap.String("device", device))
	m.recordSessions()
	m.notify(func(n Notifier) { n.DeviceDisconnected(device) })
}

// OnDeviceOutput appends output arriving on the shared channel.
func (m *Manager) OnDeviceOutput(device, text string) {
	m.AppendOutput(device, text)
}

// OnDeviceError records a device-level fault as a system line.
func (m *Manager) OnDeviceError(device, message string) {
	m.logger.Warn("device error",
		zap.String("device", device), zap.String("message", message))
	m.AppendSystemMessage(device, fmt.Sprintf("Device error: %s", message))
}

// OnResetResult records the outcome of a reset request.
func (m *Manager) OnResetResult(device string, soft, success bool, errMsg string) {
	kind := "Hard reset"
	if soft {
		kind = "Soft reset"
	}
	if success {
		m.AppendSystemMessage(device, kind+" completed")
		return
	}
	m.AppendSystemMessage(device, fmt.Sprintf("%s failed: %s", kind, errMsg))
}

// OnInterruptResult records the outcome of an interrupt delivered by the
// device service.
func (m *Manager) OnInterruptResult(device string, success bool, errMsg string) {
	if success {
		m.AppendSystemMessage(device, "Execution interrupted")
		return
	}
	m.AppendSystemMessage(device, fmt.Sprintf("Interrupt failed: %s", errMsg))
}

// OnPortsChanged triggers a port re-scan on the device service.
func (m *Manager) OnPortsChanged() {
	if m.portScan == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.portScan.RescanPorts(ctx); err != nil {
		m.logger.Warn("port rescan failed", zap.Error(err))
	}
}
