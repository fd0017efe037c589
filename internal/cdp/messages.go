package cdp

import jsoniter "github.com/json-iterator/go"

// request is a single DevTools command frame. SessionID scopes the command to
// an attached target when the connection uses flattened sessions.
type request struct {
	ID        int64       `json:"id"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// message is every inbound frame. A non-zero ID marks a command reply; a
// non-empty Method marks an event. The browser never sets both.
type message struct {
	ID        int64               `json:"id"`
	Result    jsoniter.RawMessage `json:"result"`
	Error     *ProtocolError      `json:"error"`
	Method    string              `json:"method"`
	Params    jsoniter.RawMessage `json:"params"`
	SessionID string              `json:"sessionId"`
}

// Event is a protocol notification delivered to subscribers.
type Event struct {
	Method    string
	SessionID string
	Params    jsoniter.RawMessage
}
