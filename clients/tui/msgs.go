package tui

import (
	wsclient "github.com/multiagents/conclave/clients/ws"
)

// AgentStreamMsg carries an incremental text chunk from one agent's reply
// within the current round.
type AgentStreamMsg struct {
	Agent   string
	Content string
}

// AgentMessageMsg carries a complete (non-streamed) reply from one agent.
type AgentMessageMsg struct {
	Agent   string
	Content string
	Error   string
}

// AgentNoticeMsg carries a system/agent-level notice (stderr, info).
type AgentNoticeMsg struct {
	Agent   string
	Content string
}

// RoundMsg signals the start, end, or pause of a discussion round.
type RoundMsg struct {
	Kind   string // "started", "ended", "paused", "discussion_ended"
	Round  int
	Agents []string
	Reason string
}

// PermissionRequestMsg asks the user to approve or deny a tool call.
type PermissionRequestMsg struct {
	Agent       string
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}

// ConnectedMsg signals a successful WS connection (or reconnection).
type ConnectedMsg struct {
	SessionID string
	Client    *wsclient.Client // non-nil on reconnection
}

// DisconnectedMsg signals a lost WS connection.
type DisconnectedMsg struct {
	Err error
}

// sendErrorMsg carries an error from an async WS send.
type sendErrorMsg struct {
	err error
}
