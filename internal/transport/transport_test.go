package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/boardlab/backend/internal/infrastructure/logging"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	panics int
}

func (h *recordingHandler) record(format string, args ...interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

func (h *recordingHandler) OnDeviceConnected(device string, info map[string]interface{}) {
	h.record("connected:%s", device)
}

func (h *recordingHandler) OnDeviceDisconnected(device string) {
	h.record("disconnected:%s", device)
}

func (h *recordingHandler) OnDeviceOutput(device, text string) {
	h.mu.Lock()
	shouldPanic := h.panics > 0
	if shouldPanic {
		h.panics--
	}
	h.mu.Unlock()
	if shouldPanic {
		panic("handler failure")
	}
	h.record("output:%s:%s", device, text)
}

func (h *recordingHandler) OnDeviceError(device, message string) {
	h.record("error:%s:%s", device, message)
}

func (h *recordingHandler) OnResetResult(device string, soft, success bool, errMsg string) {
	h.record("reset:%s:%v:%v", device, soft, success)
}

func (h *recordingHandler) OnInterruptResult(device string, success bool, errMsg string) {
	h.record("interrupt:%s:%v", device, success)
}

func (h *recordingHandler) OnPortsChanged() {
	h.record("ports_changed")
}

type countingRecorder struct {
	mu        sync.Mutex
	envelopes map[string]int
	failures  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{envelopes: make(map[string]int)}
}

func (r *countingRecorder) RecordEnvelope(eventType string) {
	r.mu.Lock()
	r.envelopes[eventType]++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordParseFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func (r *countingRecorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func envelope(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	data, err := sonic.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env, err := sonic.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func newTestTransport(handler Handler, opts ...Option) *Transport {
	return New("ws://unused", handler, logging.NewNop(), opts...)
}

func TestDispatchPerDeviceOrder(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestTransport(handler)
	tr.Subscribe("dev1")

	for i := 0; i < 5; i++ {
		tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: fmt.Sprintf("%d", i)}))
	}

	events := handler.Events()
	if len(events) != 5 {
		t.Fatalf("Expected 5 deliveries, got %v", events)
	}
	for i, e := range events {
		if e != fmt.Sprintf("output:dev1:%d", i) {
			t.Fatalf("Delivery out of order at %d: %v", i, events)
		}
	}
}

func TestDispatchFiltersUnsubscribed(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestTransport(handler)
	tr.Subscribe("dev1")

	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev2", Text: "noise"}))
	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "signal"}))

	events := handler.Events()
	if len(events) != 1 || events[0] != "output:dev1:signal" {
		t.Errorf("Expected only subscribed device's events, got %v", events)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestTransport(handler)
	tr.Subscribe("dev1")
	tr.Unsubscribe("dev1")

	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "late"}))
	if events := handler.Events(); len(events) != 0 {
		t.Errorf("Expected no delivery after unsubscribe, got %v", events)
	}
}

func TestDispatchDropsMalformed(t *testing.T) {
	handler := &recordingHandler{}
	recorder := newCountingRecorder()
	tr := newTestTransport(handler, WithRecorder(recorder))
	tr.Subscribe("dev1")

	tr.dispatch([]byte("{not json"))
	tr.dispatch([]byte(`{"data":{}}`))                                    // missing type
	tr.dispatch([]byte(`{"type":"device_output","data":"not an object"}`)) // bad payload
	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "ok"}))

	events := handler.Events()
	if len(events) != 1 || events[0] != "output:dev1:ok" {
		t.Fatalf("Malformed envelopes must not affect later ones, got %v", events)
	}
	if recorder.Failures() != 3 {
		t.Errorf("Expected 3 recorded parse failures, got %d", recorder.Failures())
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	handler := &recordingHandler{panics: 1}
	tr := newTestTransport(handler)
	tr.Subscribe("dev1")

	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "boom"}))
	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "after"}))

	events := handler.Events()
	if len(events) != 1 || events[0] != "output:dev1:after" {
		t.Errorf("Panic must only lose the envelope at hand, got %v", events)
	}
}

func TestDispatchEventKinds(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestTransport(handler)
	tr.Subscribe("dev1")

	tr.dispatch(envelope(t, TypeDeviceConnected, connectedPayload{Device: "dev1"}))
	tr.dispatch(envelope(t, TypeDeviceError, errorPayload{Device: "dev1", Message: "overrun"}))
	tr.dispatch(envelope(t, TypeDeviceResetResult, resetResultPayload{Device: "dev1", Soft: true, Success: true}))
	tr.dispatch(envelope(t, TypeDeviceInterruptResult, interruptResultPayload{Device: "dev1", Success: false}))
	tr.dispatch(envelope(t, TypePortsChanged, nil))
	tr.dispatch(envelope(t, TypeDeviceDisconnected, devicePayload{Device: "dev1"}))

	want := []string{
		"connected:dev1",
		"error:dev1:overrun",
		"reset:dev1:true:true",
		"interrupt:dev1:false",
		"ports_changed",
		"disconnected:dev1",
	}
	events := handler.Events()
	if len(events) != len(want) {
		t.Fatalf("Events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestTapSeesEveryEnvelope(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestTransport(handler)

	var mu sync.Mutex
	var seen []string
	tr.Tap(func(env Envelope) {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
	})

	// Taps observe envelopes for devices nobody subscribed to and
	// unknown types, but never malformed ones.
	tr.dispatch(envelope(t, TypeDeviceOutput, outputPayload{Device: "ghost", Text: "x"}))
	tr.dispatch(envelope(t, "future_event", nil))
	tr.dispatch([]byte("garbage"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != TypeDeviceOutput || seen[1] != "future_event" {
		t.Errorf("Tap saw %v", seen)
	}
}

// channelServer is a minimal stand-in for the device service's event
// endpoint: it records inbound control frames and lets tests push
// envelopes.
type channelServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound []Envelope
	connCh  chan struct{}
	frameCh chan Envelope
}

func newChannelServer(t *testing.T) (*channelServer, *httptest.Server) {
	cs := &channelServer{
		t:       t,
		connCh:  make(chan struct{}, 8),
		frameCh: make(chan Envelope, 32),
	}
	srv := httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *channelServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.t.Errorf("upgrade failed: %v", err)
		return
	}
	cs.mu.Lock()
	cs.conn = conn
	cs.mu.Unlock()
	cs.connCh <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			cs.t.Errorf("bad control frame: %v", err)
			continue
		}
		cs.mu.Lock()
		cs.inbound = append(cs.inbound, env)
		cs.mu.Unlock()
		cs.frameCh <- env
	}
}

func (cs *channelServer) push(t *testing.T, data []byte) {
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectAndDeliver(t *testing.T) {
	cs, srv := newChannelServer(t)
	handler := &recordingHandler{}
	tr := New(wsURL(srv), handler, logging.NewNop())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()
	<-cs.connCh

	if err := tr.Subscribe("dev1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	frame := <-cs.frameCh
	if frame.Type != "subscribe" {
		t.Fatalf("Expected subscribe frame, got %s", frame.Type)
	}

	cs.push(t, envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "hello"}))
	waitFor(t, func() bool { return len(handler.Events()) == 1 }, "output never delivered")
	if events := handler.Events(); events[0] != "output:dev1:hello" {
		t.Errorf("Events = %v", events)
	}
}

func TestSubscribeSendsOneControlFrame(t *testing.T) {
	cs, srv := newChannelServer(t)
	tr := New(wsURL(srv), &recordingHandler{}, logging.NewNop())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()
	<-cs.connCh

	tr.Subscribe("dev1")
	tr.Subscribe("dev1")
	tr.Subscribe("dev1")
	<-cs.frameCh

	// Give a duplicate frame a chance to arrive before asserting.
	time.Sleep(50 * time.Millisecond)
	cs.mu.Lock()
	n := len(cs.inbound)
	cs.mu.Unlock()
	if n != 1 {
		t.Errorf("Expected exactly one subscribe frame, got %d", n)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	cs, srv := newChannelServer(t)
	handler := &recordingHandler{}
	tr := New(wsURL(srv), handler, logging.NewNop())
	tr.backoffMin = 10 * time.Millisecond

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()
	<-cs.connCh

	tr.Subscribe("dev1")
	<-cs.frameCh

	// Kill the connection from the server side; the transport must
	// come back and replay the subscription.
	cs.mu.Lock()
	cs.conn.Close()
	cs.mu.Unlock()

	<-cs.connCh
	frame := <-cs.frameCh
	if frame.Type != "subscribe" {
		t.Fatalf("Expected replayed subscribe, got %s", frame.Type)
	}

	cs.push(t, envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "back"}))
	waitFor(t, func() bool { return len(handler.Events()) == 1 }, "delivery never resumed")
}

func TestSubscribeBeforeConnect(t *testing.T) {
	cs, srv := newChannelServer(t)
	tr := New(wsURL(srv), &recordingHandler{}, logging.NewNop())
	tr.backoffMin = 10 * time.Millisecond

	// No connection yet: the subscription is remembered, not sent.
	if err := tr.Subscribe("dev1"); err != nil {
		t.Fatalf("Subscribe before connect failed: %v", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()
	<-cs.connCh

	// The pending subscription is replayed on the first reconnect
	// cycle; force one by dropping the connection.
	cs.mu.Lock()
	cs.conn.Close()
	cs.mu.Unlock()

	<-cs.connCh
	frame := <-cs.frameCh
	if frame.Type != "subscribe" {
		t.Fatalf("Expected subscribe replay, got %s", frame.Type)
	}
}

func TestFailedFirstDialKeepsRetrying(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	handler := &recordingHandler{}
	tr := New("ws://"+addr, handler, logging.NewNop())
	tr.backoffMin = 10 * time.Millisecond

	// Nothing is listening yet: the dial error surfaces, but the
	// transport keeps retrying in the background.
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Expected dial error against a dead address")
	}
	defer tr.Close()

	// Subscribed while down; replayed once the endpoint appears.
	tr.Subscribe("dev1")

	cs := &channelServer{
		t:       t,
		connCh:  make(chan struct{}, 8),
		frameCh: make(chan Envelope, 32),
	}
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(cs.handle)}
	go srv.Serve(ln2)
	t.Cleanup(func() { srv.Close() })

	<-cs.connCh
	frame := <-cs.frameCh
	if frame.Type != "subscribe" {
		t.Fatalf("Expected subscribe replay, got %s", frame.Type)
	}

	cs.push(t, envelope(t, TypeDeviceOutput, outputPayload{Device: "dev1", Text: "up"}))
	waitFor(t, func() bool { return len(handler.Events()) == 1 }, "delivery never started after redial")
}

func TestCloseIdempotent(t *testing.T) {
	cs, srv := newChannelServer(t)
	tr := New(wsURL(srv), &recordingHandler{}, logging.NewNop())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-cs.connCh

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}
