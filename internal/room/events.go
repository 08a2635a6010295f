// Package room implements the chat room: the multi-agent round/message-
// passing loop that drives a set of baseagent.Agent participants and emits
// a stream of ChatEvents for a transport layer to relay.
package room

import "github.com/multiagents/conclave/internal/baseagent"

// EventKind discriminates the ChatEvent union, mirroring the Kind-tag style
// used by protocol.AgentEvent.
type EventKind string

const (
	RoundStarted        EventKind = "round_started"
	AgentStreamChunk     EventKind = "agent_stream_chunk"
	AgentCompleted       EventKind = "agent_completed"
	AgentInterrupted     EventKind = "agent_interrupted"
	AgentStderr          EventKind = "agent_stderr"
	AgentNotice          EventKind = "agent_notice"
	AgentPromptAssembled EventKind = "agent_prompt_assembled"
	AgentDeliveryAcked   EventKind = "agent_delivery_acked"
	RoundEnded           EventKind = "round_ended"
	RoundPaused          EventKind = "round_paused"
	DiscussionEnded      EventKind = "discussion_ended"
	AgentPermissionRequested EventKind = "agent_permission_requested"
	UserMessageReceived  EventKind = "user_message_received"
)

// ChatEvent is the tagged union yielded by Room.Run/Room.RunPersistent.
// Exactly the fields relevant to Kind are populated.
type ChatEvent struct {
	Kind EventKind

	// RoundStarted
	RoundNumber int
	Agents      []string

	// AgentStreamChunk / AgentStderr / AgentNotice / UserMessageReceived
	AgentName string
	Text      string

	// AgentCompleted / AgentInterrupted
	Response   *baseagent.AgentResponse
	Passed     bool
	Stopped    bool
	PartialText string

	// AgentPromptAssembled
	Sections map[string]string

	// AgentDeliveryAcked
	DeliveryID string
	Recipient  string
	Sender     string

	// RoundEnded
	AllPassed bool

	// DiscussionEnded
	Reason string

	// AgentPermissionRequested
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}
