package commands

import (
	"encoding/json"

	ws "github.com/multiagents/conclave/internal/gateway/ws"
)

// wireEvent mirrors the public JSON shape ws.EncodeEvent produces for a
// room.ChatEvent, for CLI clients that read raw frames off the socket
// instead of going through the bubbletea projector in clients/tui.
type wireEvent struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`

	Round       int            `json:"round,omitempty"`
	Agents      []string       `json:"agents,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Text        string         `json:"text,omitempty"`
	Response    any            `json:"response,omitempty"`
	Passed      bool           `json:"passed,omitempty"`
	Stopped     bool           `json:"stopped,omitempty"`
	PartialText string         `json:"partial_text,omitempty"`
	AllPassed   bool           `json:"all_passed,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	Description string         `json:"description,omitempty"`
}

func decodeWireEvent(frame ws.Frame) (wireEvent, error) {
	var ev wireEvent
	err := json.Unmarshal(frame.Event, &ev)
	return ev, err
}

// wireResponseText pulls the printable reply out of a ChatEvent's Response
// field. baseagent.AgentResponse carries no json tags, so it crosses the
// wire keyed by its Go field names.
func wireResponseText(ev wireEvent) string {
	m, ok := ev.Response.(map[string]any)
	if !ok {
		return ev.PartialText
	}
	if text, ok := m["Response"].(string); ok && text != "" {
		return text
	}
	if stderr, ok := m["Stderr"].(string); ok && stderr != "" {
		return stderr
	}
	return ev.PartialText
}
