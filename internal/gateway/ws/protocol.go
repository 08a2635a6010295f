package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/multiagents/conclave/internal/room"
)

// FrameType discriminates the wire envelope: a client request, a response to
// one, or a server-pushed event.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method names the client -> server control messages a Frame can carry.
// These mirror the room's own operations rather than a task-CRUD surface.
type Method string

const (
	MethodCreateSession      Method = "create_session"
	MethodJoinSession        Method = "join_session"
	MethodMessage            Method = "message"
	MethodStopAgent          Method = "stop_agent"
	MethodStopRound          Method = "stop_round"
	MethodResume             Method = "resume"
	MethodCancel             Method = "cancel"
	MethodDirectMessage      Method = "direct_message"
	MethodAddAgent           Method = "add_agent"
	MethodRemoveAgent        Method = "remove_agent"
	MethodAck                Method = "ack"
	MethodPermissionResponse Method = "permission_response"
	MethodCardCreate         Method = "card_create"
	MethodCardList           Method = "card_list"
	MethodCardStart          Method = "card_start"
	MethodCardDone           Method = "card_done"
	MethodCardDelete         Method = "card_delete"
)

// Error kinds a client can branch on, per the gateway's error contract.
const (
	ErrorKindRateLimit      = "rate_limit"
	ErrorKindUnknownSession = "unknown_session"
	ErrorKindUnknownMethod  = "unknown_method"
	ErrorKindInvalidParams  = "invalid_params"
	ErrorKindInternal       = "internal"
)

// Frame is the single envelope shape every message on the socket uses,
// whichever direction it travels.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    Method          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg, errKind string) (Frame, error) {
	f := Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Error: errMsg, ErrorKind: errKind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal response payload: %w", err)
		}
		f.Payload = data
	}
	return f, nil
}

// Request param shapes, one per Method.

type CreateSessionParams struct {
	WorkingDir string         `json:"working_dir"`
	Config     map[string]any `json:"config,omitempty"`
}

type JoinSessionParams struct {
	SessionID   string `json:"session_id"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

type MessageParams struct {
	Text string `json:"text"`
}

type StopAgentParams struct {
	Agent string `json:"agent"`
}

type DirectMessageParams struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

type AddAgentParams struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
	Role      string `json:"role,omitempty"`
	Model     string `json:"model,omitempty"`
}

type RemoveAgentParams struct {
	Name string `json:"name"`
}

type AckParams struct {
	EventID int64 `json:"event_id"`
}

type PermissionResponseParams struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Agent     string `json:"agent,omitempty"`
}

type CardCreateParams struct {
	Agents      []string `json:"agents"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Planner     string   `json:"planner"`
	Implementer string   `json:"implementer"`
	Reviewer    string   `json:"reviewer"`
	Coordinator string   `json:"coordinator,omitempty"`
}

type CardListParams struct {
	Agents []string `json:"agents"`
}

type CardIDParams struct {
	CardID string   `json:"card_id"`
	Agents []string `json:"agents"`
}

// wireEvent is the JSON shape a room.ChatEvent is flattened into before it
// goes out over the socket: a type discriminator plus whichever fields are
// meaningful for that Kind.
type wireEvent struct {
	Type      string `json:"type"`
	EventID   int64  `json:"event_id"`
	CreatedAt string `json:"created_at"`

	Round       int               `json:"round,omitempty"`
	Agents      []string          `json:"agents,omitempty"`
	Agent       string            `json:"agent,omitempty"`
	Text        string            `json:"text,omitempty"`
	Response    any               `json:"response,omitempty"`
	Passed      bool              `json:"passed,omitempty"`
	Stopped     bool              `json:"stopped,omitempty"`
	PartialText string            `json:"partial_text,omitempty"`
	Sections    map[string]string `json:"sections,omitempty"`
	DeliveryID  string            `json:"delivery_id,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	Sender      string            `json:"sender,omitempty"`
	AllPassed   bool              `json:"all_passed,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	ToolName    string            `json:"tool_name,omitempty"`
	ToolInput   map[string]any    `json:"tool_input,omitempty"`
	Description string            `json:"description,omitempty"`
}

// EncodeEvent turns a persisted (event id, ChatEvent) pair into the event
// frame clients receive over the socket. The Kind string is used verbatim
// as the type discriminator; field population matches room.ChatEvent's own
// doc comment on which fields belong to which Kind.
func EncodeEvent(eventID int64, ev room.ChatEvent) ([]byte, error) {
	w := wireEvent{
		Type:        string(ev.Kind),
		EventID:     eventID,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		Round:       ev.RoundNumber,
		Agents:      ev.Agents,
		Agent:       ev.AgentName,
		Text:        ev.Text,
		Passed:      ev.Passed,
		Stopped:     ev.Stopped,
		PartialText: ev.PartialText,
		Sections:    ev.Sections,
		DeliveryID:  ev.DeliveryID,
		Recipient:   ev.Recipient,
		Sender:      ev.Sender,
		AllPassed:   ev.AllPassed,
		Reason:      ev.Reason,
		RequestID:   ev.RequestID,
		ToolName:    ev.ToolName,
		ToolInput:   ev.ToolInput,
		Description: ev.Description,
	}
	if ev.Response != nil {
		w.Response = ev.Response
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	frame := Frame{Type: FrameTypeEvent, SessionID: "", Event: raw}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal event frame: %w", err)
	}
	return out, nil
}
