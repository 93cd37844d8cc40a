package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/atelier/ephemeral"
	"github.com/hazyhaar/atelier/observability"
)

// Event names a control message. The set is closed.
type Event string

// Sandbox to host.
const (
	EventInitialized    Event = "INITIALIZED"
	EventHeartbeat      Event = "HEARTBEAT"
	EventBegin          Event = "BEGIN"
	EventMounted        Event = "MOUNTED"
	EventSetError       Event = "SET_ERROR"
	EventSetConsoleLogs Event = "SET_CONSOLE_LOGS"
)

// Host to sandbox.
const (
	EventSetApp        Event = "SET_APP"
	EventUpdateCSSVars Event = "UPDATE_CSS_VARS"
	EventUpdateContent Event = "UPDATE_CONTENT"
	EventUpdateFonts   Event = "UPDATE_FONTS"
	EventDataUpdated   Event = "DATA_UPDATED"
	EventClearApp      Event = "CLEAR_APP"
)

// Message is the only value crossing the sandbox boundary.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message. A nil payload is omitted.
func NewMessage(ev Event, payload any) (Message, error) {
	msg := Message{Event: ev}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("sandbox: encode %s: %w", ev, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("sandbox: decode %s: %w", m.Event, err)
	}
	return nil
}

// SetApp carries a compiled client module (IIFE format) and its props.
type SetApp struct {
	ComponentApp string         `json:"componentApp"`
	Data         map[string]any `json:"data,omitempty"`
}

// CSSVars replaces the design-token stylesheet.
type CSSVars struct {
	CSS string `json:"css"`
}

// Fonts replaces the font stylesheet links.
type Fonts struct {
	Fonts []string `json:"fonts"`
}

// Content replaces every content field.
type Content struct {
	Content map[string]any `json:"content"`
}

// Data is handed to the mounted instance's update.
type Data struct {
	Data map[string]any `json:"data"`
}

// Error kinds reported in SET_ERROR.
const (
	ErrorMount   = "mount"
	ErrorRuntime = "runtime"
)

// Error is the SET_ERROR payload.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Logs is the SET_CONSOLE_LOGS payload.
type Logs struct {
	Logs []ephemeral.LogEntry `json:"logs"`
}

// Heartbeat is the HEARTBEAT payload.
type Heartbeat struct {
	State   State                        `json:"state"`
	Path    string                       `json:"path"`
	Runtime observability.RuntimeMetrics `json:"runtime"`
}
