package kimi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/multiagents/conclave/internal/protocol"
)

type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ReadEvents consumes notifications from the shared reader for one turn,
// unwrapping the event/request wire envelope, until a TurnEnd notification,
// a response matching the last prompt id, or stdout close.
func (a *Adapter) ReadEvents() (<-chan protocol.AgentEvent, <-chan error) {
	events := make(chan protocol.AgentEvent, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		var streamed strings.Builder

		for line := range a.lines {
			method := strings.ToLower(line.Method)

			switch method {
			case "event":
				var env wireEnvelope
				_ = json.Unmarshal(line.Params, &env)
				if a.dispatchEvent(strings.ToLower(env.Type), env.Payload, events, &streamed) {
					return
				}
				continue

			case "request":
				a.handleRequest(line, events)
				continue
			}

			if method != "" {
				if a.dispatchEvent(method, line.Params, events, &streamed) {
					return
				}
				continue
			}

			// No method: either a response to one of our requests, or a
			// fallback stream-json-style assistant object.
			if len(line.ID) > 0 && (len(line.Result) > 0 || len(line.Error) > 0) {
				if len(line.Error) > 0 {
					id := line.idString()
					if a.lastPromptID == "" || id == a.lastPromptID {
						errs <- fmt.Errorf("kimi: prompt RPC error: %s", line.Error)
						return
					}
					continue
				}
				if a.consumeSessionID(line.Result) {
					// no-op, side effect only
				}
				id := line.idString()
				if a.lastPromptID != "" && id == a.lastPromptID {
					out := protocol.AgentEvent{Kind: protocol.TurnComplete, Text: streamed.String(), SessionID: a.sessionID, Success: true}
					events <- out
					return
				}
				continue
			}

			a.dispatchFallback(line.Result, events, &streamed)
		}

		if err, ok := <-a.readErr; ok && err != nil {
			if streamed.Len() > 0 {
				events <- protocol.AgentEvent{Kind: protocol.TurnComplete, Text: streamed.String(), SessionID: a.sessionID, Success: true}
				return
			}
			errs <- err
			return
		}
		if streamed.Len() > 0 {
			events <- protocol.AgentEvent{Kind: protocol.TurnComplete, Text: streamed.String(), SessionID: a.sessionID, Success: true}
			return
		}
		errs <- fmt.Errorf("kimi: process ended before TurnEnd")
	}()

	return events, errs
}

func (a *Adapter) consumeSessionID(result json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(result, &m); err != nil {
		return false
	}
	if sid, ok := m["session_id"].(string); ok && sid != "" {
		a.sessionID = sid
		return true
	}
	if sid, ok := m["sessionId"].(string); ok && sid != "" {
		a.sessionID = sid
		return true
	}
	return false
}

// dispatchEvent handles one normalized event/notification name. Returns true
// if the turn is now complete (a TurnComplete was emitted).
func (a *Adapter) dispatchEvent(name string, params json.RawMessage, out chan<- protocol.AgentEvent, streamed *strings.Builder) bool {
	switch name {
	case "turnbegin", "turn_begin", "turn/begin":
		return false

	case "stepbegin", "step_begin", "step/begin":
		var p struct {
			N any `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		if p.N != nil {
			out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Step", Detail: fmt.Sprintf("%v", p.N)}
		}
		return false

	case "stepinterrupted", "step_interrupted", "step/interrupted":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Interrupted"}
		return false

	case "compactionbegin", "compaction_begin", "compaction/begin":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Compacting"}
		return false

	case "compactionend", "compaction_end", "compaction/end":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Compacted", Detail: "done"}
		return false

	case "statusupdate", "status_update", "status/update":
		return false

	case "toolcall", "tool_call", "tool/call":
		var p struct {
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		_ = json.Unmarshal(params, &p)
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: p.Function.Name, Detail: extractToolDetail(p.Function.Arguments)}
		return false

	case "toolcallpart", "tool_call_part", "tool/call/part":
		var p struct {
			Function struct {
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Function.Arguments != "" {
			text := p.Function.Arguments
			if len(text) > 500 {
				text = text[:500]
			}
			out <- protocol.AgentEvent{Kind: protocol.ToolOutput, Tool: "args", Output: text}
		}
		return false

	case "toolresult", "tool_result", "tool/result":
		var p struct {
			ToolCallID string `json:"tool_call_id"`
			ReturnValue struct {
				IsError bool   `json:"is_error"`
				Output  string `json:"output"`
			} `json:"return_value"`
		}
		_ = json.Unmarshal(params, &p)
		output := p.ReturnValue.Output
		if len(output) > 300 {
			output = output[:300]
		}
		out <- protocol.AgentEvent{Kind: protocol.ToolResult, Tool: p.ToolCallID, Success: !p.ReturnValue.IsError, Output: output}
		return false

	case "approvalresponse", "approval_response", "approval/response":
		return false

	case "subagentevent", "subagent_event", "subagent/event":
		var p struct {
			Event struct {
				Type string `json:"type"`
			} `json:"event"`
		}
		_ = json.Unmarshal(params, &p)
		detail := p.Event.Type
		if len(detail) > 40 {
			detail = detail[:40]
		}
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Subagent", Detail: detail}
		return false

	case "contentpart", "content_part", "content/part":
		a.dispatchContentPart(params, out, streamed)
		return false

	case "turnend", "turn/end", "turn_completed", "turncompleted":
		var p struct {
			Result json.RawMessage `json:"result"`
		}
		_ = json.Unmarshal(params, &p)
		text := extractResultText(p.Result)
		a.consumeSessionID(params)
		out <- protocol.AgentEvent{Kind: protocol.TurnComplete, Text: text, SessionID: a.sessionID, Success: true}
		return true

	default:
		return false // informational/unrecognized notification, consumed silently
	}
}

func (a *Adapter) dispatchContentPart(params json.RawMessage, out chan<- protocol.AgentEvent, streamed *strings.Builder) {
	var part struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Delta    string `json:"delta"`
		Think    string `json:"think"`
		Thinking string `json:"thinking"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	var wrapper struct {
		Part json.RawMessage `json:"part"`
	}
	_ = json.Unmarshal(params, &wrapper)
	raw := params
	if len(wrapper.Part) > 0 {
		raw = wrapper.Part
	}
	_ = json.Unmarshal(raw, &part)

	switch strings.ToLower(part.Type) {
	case "text":
		text := part.Text
		if text == "" {
			text = part.Delta
		}
		text = stripANSI(text)
		if text != "" {
			streamed.WriteString(text)
			out <- protocol.AgentEvent{Kind: protocol.TextDelta, Text: text}
		}
	case "think", "thinking":
		text := part.Think
		if text == "" {
			text = part.Thinking
		}
		if text != "" {
			out <- protocol.AgentEvent{Kind: protocol.ThinkingDelta, Text: text}
		}
	case "tool_call", "toolcall":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: part.Function.Name, Detail: extractToolDetail(part.Function.Arguments)}
	case "image_url", "audio_url", "video_url":
		// media content, no badge
	}
}

func (a *Adapter) handleRequest(line rpcLine, out chan<- protocol.AgentEvent) {
	var env wireEnvelope
	_ = json.Unmarshal(line.Params, &env)
	reqType := env.Type

	switch reqType {
	case "ApprovalRequest":
		a.handleApprovalRequest(line.ID, env.Payload, out)
	case "ToolCallRequest":
		var payload struct {
			ID         string `json:"id"`
			ToolCallID string `json:"tool_call_id"`
		}
		_ = json.Unmarshal(env.Payload, &payload)
		toolCallID := payload.ID
		if toolCallID == "" {
			toolCallID = payload.ToolCallID
		}
		_ = a.sendResponse(line.ID, map[string]any{
			"tool_call_id": toolCallID,
			"return_value": map[string]any{
				"is_error": true,
				"output":   "",
				"message":  "external tool bridge not configured",
				"display":  []any{},
			},
		})
	default:
		_ = a.sendResponse(line.ID, map[string]any{"ok": true})
	}
}

func (a *Adapter) handleApprovalRequest(reqID json.RawMessage, payload json.RawMessage, out chan<- protocol.AgentEvent) {
	var p struct {
		ID          string `json:"id"`
		RequestID   string `json:"request_id"`
		Action      string `json:"action"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(payload, &p)
	responseID := p.ID
	if responseID == "" {
		responseID = p.RequestID
	}

	if a.PermissionMode == "bypass" {
		_ = a.sendResponse(reqID, map[string]any{"request_id": responseID, "response": "approve"})
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Approved"}
		return
	}

	// Register the pending future BEFORE emitting PermissionRequest so a
	// fast respond_to_permission call can't race and be dropped silently.
	ch := make(chan protocol.PermissionResponse, 1)
	a.mu.Lock()
	a.pendingPerms[responseID] = ch
	a.mu.Unlock()

	var toolInput map[string]any
	_ = json.Unmarshal(payload, &toolInput)

	out <- protocol.AgentEvent{
		Kind:        protocol.PermissionRequest,
		RequestID:   responseID,
		ToolName:    p.Action,
		ToolInput:   toolInput,
		Description: p.Description,
	}

	decision := "reject"
	if a.PermissionTimeout <= 0 {
		resp := <-ch
		if resp.Approved {
			decision = "approve"
		}
	} else {
		select {
		case resp := <-ch:
			if resp.Approved {
				decision = "approve"
			}
		case <-time.After(a.PermissionTimeout):
			a.mu.Lock()
			delete(a.pendingPerms, responseID)
			a.mu.Unlock()
		}
	}

	_ = a.sendResponse(reqID, map[string]any{"request_id": responseID, "response": decision})
	label := "Denied"
	if decision == "approve" {
		label = "Approved"
	}
	out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: label}
}

func (a *Adapter) dispatchFallback(result json.RawMessage, out chan<- protocol.AgentEvent, streamed *strings.Builder) {
	var obj struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Think    string `json:"think"`
			Thinking string `json:"thinking"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return
	}

	if obj.Type == "text" {
		text := stripANSI(obj.Text)
		if text != "" {
			streamed.WriteString(text)
			out <- protocol.AgentEvent{Kind: protocol.TextDelta, Text: text}
		}
		return
	}

	if obj.Role == "assistant" {
		for _, part := range obj.Content {
			switch strings.ToLower(part.Type) {
			case "text":
				text := stripANSI(part.Text)
				if text != "" {
					streamed.WriteString(text)
					out <- protocol.AgentEvent{Kind: protocol.TextDelta, Text: text}
				}
			case "think", "thinking":
				text := part.Think
				if text == "" {
					text = part.Thinking
				}
				if text != "" {
					out <- protocol.AgentEvent{Kind: protocol.ThinkingDelta, Text: text}
				}
			case "tool_call", "toolcall":
				out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: part.Function.Name, Detail: extractToolDetail(part.Function.Arguments)}
			}
		}
	}
}

func extractResultText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(result, &asString); err == nil {
		return asString
	}
	var asObj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(result, &asObj); err == nil {
		if asObj.Text != "" {
			return asObj.Text
		}
		return asObj.Content
	}
	return ""
}

func extractToolDetail(argumentsJSON string) string {
	if argumentsJSON == "" {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "command"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
