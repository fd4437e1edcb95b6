package api

import "time"

// Event types pushed on /api/license/events
const (
	EventConnection   = "connection"
	EventActivation   = "license:activation"
	EventDeactivation = "license:deactivation"
	EventCheckout     = "license:checkout"
	EventRecovery     = "license:recovery"
	EventDismissed    = "ui:dismissed"
	EventError        = "engine:error"
)

// Event is one message on the event stream
type Event struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// ErrorEvent is the data of an engine:error event
type ErrorEvent struct {
	Domain  string `json:"domain"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DismissedEvent is the data of a ui:dismissed event
type DismissedEvent struct {
	UI        string `json:"ui"`
	Triggered string `json:"triggered"`
}
