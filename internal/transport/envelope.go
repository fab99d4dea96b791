package transport

import "encoding/json"

// Event types carried on the shared channel.
const (
	TypeDeviceConnected       = "device_connected"
	TypeDeviceDisconnected    = "device_disconnected"
	TypeDeviceOutput          = "device_output"
	TypeDeviceError           = "device_error"
	TypeDeviceResetResult     = "device_reset_result"
	TypeDeviceInterruptResult = "device_interrupt_result"
	TypePortsChanged          = "ports_changed"

	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
)

// Envelope is the wire shape of every message on the shared channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type devicePayload struct {
	Device string `json:"device"`
}

type connectedPayload struct {
	Device string                 `json:"device"`
	Info   map[string]interface{} `json:"info"`
}

type outputPayload struct {
	Device string `json:"device"`
	Text   string `json:"text"`
}

type errorPayload struct {
	Device  string `json:"device"`
	Message string `json:"message"`
}

type resetResultPayload struct {
	Device  string `json:"device"`
	Soft    bool   `json:"soft"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type interruptResultPayload struct {
	Device  string `json:"device"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
