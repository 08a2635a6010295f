// Package claude adapts Claude's cumulative-content NDJSON stream-json wire
// format into the common protocol.AgentEvent stream.
package claude

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/multiagents/conclave/internal/protocol"
)

const maxLineBuffer = 10 * 1024 * 1024

// Adapter reconstructs cumulative text/thinking deltas and tool badges from
// Claude's stream-json NDJSON output. Content arrays are cumulative within a
// single assistant turn; a change in message.id resets every accumulator.
type Adapter struct {
	stdin  io.Writer
	stdout *bufio.Scanner

	mu             sync.Mutex
	lastMessageID  string
	lastCumulative string
	lastThinking   string
	seenTools      int
	sessionID      string
}

// New builds a Claude adapter over the subprocess's stdin/stdout pipes.
func New(stdin io.Writer, stdout io.Reader) *Adapter {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	return &Adapter{stdin: stdin, stdout: scanner}
}

// Start and StartResume are no-ops: Claude's stream-json protocol has no
// wire-level handshake — session resumption happens via the `--resume`
// argv flag the supervisor passes at spawn time.
func (a *Adapter) Start() error { return nil }

func (a *Adapter) StartResume(sessionID string) error {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Cancel() error                                         { return nil }
func (a *Adapter) Shutdown() error                                       { return nil }
func (a *Adapter) RespondToPermission(protocol.PermissionResponse) error { return nil }

func (a *Adapter) GetSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// SendMessage writes a user turn as a single NDJSON line.
func (a *Adapter) SendMessage(text string) error {
	line := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("claude: marshal input: %w", err)
	}
	data = append(data, '\n')
	_, err = a.stdin.Write(data)
	return err
}

// ReadEvents reads stdout lines for the current turn only, terminating the
// returned channel after exactly one TurnComplete.
func (a *Adapter) ReadEvents() (<-chan protocol.AgentEvent, <-chan error) {
	events := make(chan protocol.AgentEvent, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		a.mu.Lock()
		a.lastMessageID = ""
		a.lastCumulative = ""
		a.lastThinking = ""
		a.seenTools = 0
		a.mu.Unlock()

		for a.stdout.Scan() {
			line := a.stdout.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				continue // JSONParseError on a single line: log-and-skip, never aborts the turn
			}

			if done := a.handleLine(obj, events); done {
				return
			}
		}
		if err := a.stdout.Err(); err != nil {
			errs <- fmt.Errorf("claude: read stdout: %w", err)
			return
		}
		errs <- fmt.Errorf("claude: stdout closed without result event")
	}()

	return events, errs
}

// handleLine dispatches one parsed NDJSON object; returns true once the turn
// has terminated (after emitting TurnComplete).
func (a *Adapter) handleLine(obj map[string]any, out chan<- protocol.AgentEvent) bool {
	switch obj["type"] {
	case "system":
		if obj["subtype"] == "compact_boundary" {
			out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Compacting"}
		}
		return false
	case "assistant":
		a.handleAssistant(obj, out)
		return false
	case "result":
		a.handleResult(obj, out)
		return true
	default:
		return false
	}
}

func (a *Adapter) handleAssistant(obj map[string]any, out chan<- protocol.AgentEvent) {
	msg, _ := obj["message"].(map[string]any)
	if msg == nil {
		return
	}
	content, _ := msg["content"].([]any)
	if len(content) == 0 {
		return
	}

	a.mu.Lock()
	if msgID, ok := msg["id"].(string); ok && msgID != "" && msgID != a.lastMessageID {
		a.lastMessageID = msgID
		a.lastCumulative = ""
		a.lastThinking = ""
		a.seenTools = 0
	}
	a.mu.Unlock()

	var thinkingParts []string
	var textParts []string
	var tools []map[string]any

	for _, raw := range content {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch part["type"] {
		case "thinking":
			if t, ok := part["thinking"].(string); ok {
				thinkingParts = append(thinkingParts, t)
			}
		case "text":
			if t, ok := part["text"].(string); ok {
				textParts = append(textParts, t)
			}
		case "tool_use", "server_tool_use", "web_search_tool_use", "code_execution_tool_use", "mcp_tool_use":
			tools = append(tools, part)
		case "tool_result", "server_tool_result", "web_search_tool_result", "code_execution_tool_result", "mcp_tool_result":
			a.emitToolResult(part, out)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(thinkingParts) > 0 {
		cumulative := strings.Join(thinkingParts, "")
		delta := deltaSuffix(cumulative, a.lastThinking)
		a.lastThinking = cumulative
		if strings.TrimSpace(delta) != "" {
			out <- protocol.AgentEvent{Kind: protocol.ThinkingDelta, Text: delta}
		}
	}

	if len(tools) > a.seenTools {
		for _, t := range tools[a.seenTools:] {
			name, _ := t["name"].(string)
			kind, _ := t["type"].(string)

			var detail string
			if kind == "tool_use" {
				input, _ := t["input"].(map[string]any)
				detail = extractToolDetail(input)
			} else {
				detail = serverToolDetail(kind, t)
			}

			out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: toolBadgeLabel(kind, name), Detail: detail}
		}
		a.seenTools = len(tools)
	}

	if len(textParts) > 0 {
		cumulative := strings.Join(textParts, "")
		delta := deltaSuffix(cumulative, a.lastCumulative)
		a.lastCumulative = cumulative
		if delta != "" {
			out <- protocol.AgentEvent{Kind: protocol.TextDelta, Text: delta}
		}
	}
}

func (a *Adapter) emitToolResult(part map[string]any, out chan<- protocol.AgentEvent) {
	isError, _ := part["is_error"].(bool)
	output := stringifyResult(part["content"])
	if len(output) > 300 {
		output = output[:300]
	}
	name, _ := part["tool_use_id"].(string)
	out <- protocol.AgentEvent{Kind: protocol.ToolResult, Tool: name, Success: !isError, Output: output}
}

func (a *Adapter) handleResult(obj map[string]any, out chan<- protocol.AgentEvent) {
	sessionID, _ := obj["session_id"].(string)
	if sessionID != "" {
		a.mu.Lock()
		a.sessionID = sessionID
		a.mu.Unlock()
	}

	if denials, ok := obj["permission_denials"].([]any); ok {
		for _, raw := range denials {
			d, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			toolName, _ := d["tool_name"].(string)
			input, _ := d["tool_input"].(map[string]any)
			out <- protocol.AgentEvent{
				Kind:        protocol.PermissionRequest,
				RequestID:   toolName,
				ToolName:    toolName,
				ToolInput:   input,
				Description: fmt.Sprintf("Claude wants to use %s", toolName),
			}
		}
	}

	subtype, _ := obj["subtype"].(string)
	if subtype == "" {
		subtype = "success"
	}
	isError, _ := obj["is_error"].(bool)
	success := !isError && subtype == "success"

	errMsg := ""
	if !success {
		errMsg = subtype
	}

	text, _ := obj["result"].(string)
	out <- protocol.AgentEvent{Kind: protocol.TurnComplete, Text: text, SessionID: sessionID, Success: success, Error: errMsg}
}

// deltaSuffix returns the portion of cumulative beyond what was already seen.
func deltaSuffix(cumulative, lastSeen string) string {
	if len(cumulative) <= len(lastSeen) {
		return ""
	}
	return cumulative[len(lastSeen):]
}

func stringifyResult(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var b bytes.Buffer
		for _, part := range val {
			if m, ok := part.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
					continue
				}
			}
		}
		return b.String()
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

var _ protocol.Adapter = (*Adapter)(nil)
