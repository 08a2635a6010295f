package tui

import (
	"encoding/json"

	tea "github.com/charmbracelet/bubbletea"

	ws "github.com/multiagents/conclave/internal/gateway/ws"
)

// wireEvent mirrors the public JSON shape ws.EncodeEvent produces for a
// room.ChatEvent. Only the fields a given Type populates are meaningful.
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

// Project converts a gateway WS Frame into a typed tea.Msg. Returns nil for
// frames that don't map to a TUI message.
func Project(frame ws.Frame) tea.Msg {
	if frame.Type != ws.FrameTypeEvent || len(frame.Event) == 0 {
		return nil
	}

	var ev wireEvent
	if err := json.Unmarshal(frame.Event, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "agent_stream_chunk":
		return AgentStreamMsg{Agent: ev.Agent, Content: ev.Text}

	case "agent_completed":
		return AgentMessageMsg{Agent: ev.Agent, Content: responseText(ev)}

	case "agent_interrupted":
		return AgentMessageMsg{Agent: ev.Agent, Content: ev.PartialText, Error: "interrupted"}

	case "agent_stderr", "agent_notice":
		return AgentNoticeMsg{Agent: ev.Agent, Content: ev.Text}

	case "round_started":
		return RoundMsg{Kind: "started", Round: ev.Round, Agents: ev.Agents}

	case "round_ended":
		return RoundMsg{Kind: "ended", Round: ev.Round}

	case "round_paused":
		return RoundMsg{Kind: "paused", Round: ev.Round}

	case "discussion_ended":
		return RoundMsg{Kind: "discussion_ended", Reason: ev.Reason}

	case "agent_permission_requested":
		return PermissionRequestMsg{
			Agent:       ev.Agent,
			RequestID:   ev.RequestID,
			ToolName:    ev.ToolName,
			ToolInput:   ev.ToolInput,
			Description: ev.Description,
		}

	default:
		// agent_prompt_assembled, agent_delivery_acked, user_message_received
		// carry no state the TUI renders directly.
		return nil
	}
}

// responseText pulls the agent's printable reply out of a ChatEvent's
// Response field. baseagent.AgentResponse has no json tags, so it crosses
// the wire with its Go field names ("Response", "Stderr", ...) and arrives
// here as a decoded map.
func responseText(ev wireEvent) string {
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
