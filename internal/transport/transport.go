// Package transport demultiplexes the device service's shared event
// channel into per-device deliveries.
//
// One websocket connection carries JSON envelopes for every attached
// board. A single read loop decodes each envelope and dispatches it
// synchronously to the handler, which preserves arrival order per device.
// Malformed envelopes are dropped and logged; they never stop the loop.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/infrastructure/logging"
)

// Handler receives demultiplexed device events. Implemented by
// console.Manager.
type Handler interface {
	OnDeviceConnected(device string, info map[string]interface{})
	OnDeviceDisconnected(device string)
	OnDeviceOutput(device, text string)
	OnDeviceError(device, message string)
	OnResetResult(device string, soft, success bool, errMsg string)
	OnInterruptResult(device string, success bool, errMsg string)
	OnPortsChanged()
}

// Recorder counts channel activity. Implemented by monitoring.Metrics.
type Recorder interface {
	RecordEnvelope(eventType string)
	RecordParseFailure()
}

// TapFunc observes every envelope, valid or not yet decoded, for
// diagnostics. Taps run on the read loop and must be fast.
type TapFunc func(Envelope)

// Transport owns the shared channel connection. It is created by the
// composition root and passed by reference to its consumers.
type Transport struct {
	url     string
	handler Handler
	logger  *logging.Logger
	metrics Recorder
	dialer  *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.Mutex
	subscribed map[string]struct{}
	taps       []TapFunc

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	backoffMin time.Duration
	backoffMax time.Duration
}

// Option configures a Transport.
type Option func(*Transport)

// WithRecorder wires metrics collection.
func WithRecorder(r Recorder) Option {
	return func(t *Transport) { t.metrics = r }
}

// WithDialer overrides the websocket dialer. For tests.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// New creates a transport for the given channel URL.
func New(url string, handler Handler, logger *logging.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logging.NewDefault()
	}
	t := &Transport{
		url:        url,
		handler:    handler,
		logger:     logger,
		dialer:     websocket.DefaultDialer,
		subscribed: make(map[string]struct{}),
		closed:     make(chan struct{}),
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the shared channel and starts the read loop. The loop
// owns reconnection: on read failure, and also when the first dial
// fails, it redials with backoff and re-issues subscribe for every
// previously subscribed device. A dial error is reported to the caller
// but does not stop the retrying.
func (t *Transport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.wg.Add(1)
		go t.run()
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.setConn(conn)
	t.logger.Info("channel connected", zap.String("url", t.url))

	t.wg.Add(1)
	go t.run()
	return nil
}

// Close stops the transport. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Subscribe requests delivery of the device's events. Subscribing twice
// is idempotent: no duplicate control frame, no duplicate delivery.
func (t *Transport) Subscribe(device string) error {
	t.mu.Lock()
	if _, ok := t.subscribed[device]; ok {
		t.mu.Unlock()
		return nil
	}
	t.subscribed[device] = struct{}{}
	t.mu.Unlock()
	return t.sendControl(typeSubscribe, device)
}

// Unsubscribe stops delivery of the device's events. The device's
// session is unaffected.
func (t *Transport) Unsubscribe(device string) error {
	t.mu.Lock()
	if _, ok := t.subscribed[device]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.subscribed, device)
	t.mu.Unlock()
	return t.sendControl(typeUnsubscribe, device)
}

// Tap registers a wildcard observer of all envelopes.
func (t *Transport) Tap(fn TapFunc) {
	t.mu.Lock()
	t.taps = append(t.taps, fn)
	t.mu.Unlock()
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
}

func (t *Transport) sendControl(msgType, device string) error {
	payload, err := sonic.Marshal(devicePayload{Device: device})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	data, err := sonic.Marshal(Envelope{Type: msgType, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		// Will be replayed on reconnect from the subscribed set.
		return nil
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (t *Transport) run() {
	defer t.wg.Done()

	for {
		t.writeMu.Lock()
		conn := t.conn
		t.writeMu.Unlock()

		t.readLoop(conn)

		select {
		case <-t.closed:
			return
		default:
		}
		if !t.reconnect() {
			return
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warn("channel read failed", zap.Error(err))
			}
			return
		}
		t.dispatch(data)
	}
}

// reconnect redials with exponential backoff and replays subscriptions.
// Returns false when the transport was closed while waiting.
func (t *Transport) reconnect() bool {
	backoff := t.backoffMin
	for {
		select {
		case <-t.closed:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		cancel()
		if err != nil {
			t.logger.Warn("channel reconnect failed",
				zap.Error(err), zap.Duration("backoff", backoff))
			if backoff *= 2; backoff > t.backoffMax {
				backoff = t.backoffMax
			}
			continue
		}

		t.setConn(conn)
		t.logger.Info("channel reconnected", zap.String("url", t.url))
		t.resubscribe()
		return true
	}
}

func (t *Transport) resubscribe() {
	t.mu.Lock()
	devices := make([]string, 0, len(t.subscribed))
	for device := range t.subscribed {
		devices = append(devices, device)
	}
	t.mu.Unlock()

	for _, device := range devices {
		if err := t.sendControl(typeSubscribe, device); err != nil {
			t.logger.Warn("resubscribe failed",
				zap.String("device", device), zap.Error(err))
		}
	}
}

// dispatch decodes one envelope and delivers it. A failure affects only
// the envelope at hand: decode errors drop it, handler panics are
// recovered.
func (t *Transport) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event handler panicked", zap.Any("panic", r))
		}
	}()

	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil || env.Type == "" {
		t.logger.Warn("malformed envelope dropped", zap.Error(err),
			zap.ByteString("data", truncate(data, 256)))
		if t.metrics != nil {
			t.metrics.RecordParseFailure()
		}
		return
	}

	t.mu.Lock()
	taps := t.taps
	t.mu.Unlock()
	for _, tap := range taps {
		tap(env)
	}

	if t.metrics != nil {
		t.metrics.RecordEnvelope(env.Type)
	}

	switch env.Type {
	case TypeDeviceConnected:
		var p connectedPayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnDeviceConnected(p.Device, p.Info)
	case TypeDeviceDisconnected:
		var p devicePayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnDeviceDisconnected(p.Device)
	case TypeDeviceOutput:
		var p outputPayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnDeviceOutput(p.Device, p.Text)
	case TypeDeviceError:
		var p errorPayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnDeviceError(p.Device, p.Message)
	case TypeDeviceResetResult:
		var p resetResultPayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnResetResult(p.Device, p.Soft, p.Success, p.Error)
	case TypeDeviceInterruptResult:
		var p interruptResultPayload
		if !t.decode(env, &p) || !t.delivering(p.Device) {
			return
		}
		t.handler.OnInterruptResult(p.Device, p.Success, p.Error)
	case TypePortsChanged:
		t.handler.OnPortsChanged()
	default:
		t.logger.Debug("unknown envelope type", zap.String("type", env.Type))
	}
}

func (t *Transport) decode(env Envelope, v interface{}) bool {
	if err := sonic.Unmarshal(env.Data, v); err != nil {
		t.logger.Warn("malformed event payload dropped",
			zap.String("type", env.Type), zap.Error(err))
		if t.metrics != nil {
			t.metrics.RecordParseFailure()
		}
		return false
	}
	return true
}

func (t *Transport) delivering(device string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subscribed[device]
	return ok
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
