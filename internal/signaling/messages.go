package signaling

import "encoding/json"

// CallFlag is the participant call-state bitmask.
type CallFlag int

const (
	CallFlagDisconnected CallFlag = 0
	CallFlagInCall       CallFlag = 1
	CallFlagWithAudio    CallFlag = 2
	CallFlagWithVideo    CallFlag = 4
	CallFlagWithPhone    CallFlag = 8
)

// Message is the JSON frame exchanged with a signaling backend over the
// WebSocket connection. An ID set on a request is echoed on its response.
type Message struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	Hello   *HelloMessage `json:"hello,omitempty"`
	Room    *RoomMessage  `json:"room,omitempty"`
	Message *DataMessage  `json:"message,omitempty"`
	Event   *EventMessage `json:"event,omitempty"`
	Error   *ErrorMessage `json:"error,omitempty"`
	Bye     *ByeMessage   `json:"bye,omitempty"`
}

type HelloMessage struct {
	Version   string     `json:"version,omitempty"`
	ResumeID  string     `json:"resumeid,omitempty"`
	SessionID string     `json:"sessionid,omitempty"`
	Features  []string   `json:"features,omitempty"`
	Auth      *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Type   string           `json:"type"`
	Params *HelloAuthParams `json:"params,omitempty"`
}

// HelloAuthParams carries the backend-issued signed ticket.
type HelloAuthParams struct {
	Backend string `json:"backend"`
	UserID  string `json:"userid"`
	Ticket  string `json:"ticket"`
}

type RoomMessage struct {
	RoomID    string `json:"roomid"`
	SessionID string `json:"sessionid,omitempty"`
}

// DataMessage wraps a direct signaling payload. Data is not interpreted
// here; it is delivered verbatim upstream.
type DataMessage struct {
	Recipient *Recipient      `json:"recipient,omitempty"`
	Sender    *Sender         `json:"sender,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Recipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid"`
}

type Sender struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid"`
}

type EventMessage struct {
	Target string          `json:"target"`
	Type   string          `json:"type"`
	Update json.RawMessage `json:"update,omitempty"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type ByeMessage struct{}
