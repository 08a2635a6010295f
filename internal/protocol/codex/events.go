package codex

import (
	"encoding/json"

	"github.com/multiagents/conclave/internal/protocol"
)

// ReadEvents consumes notifications from the shared reader until
// turn/completed, dispatching each per the item/started, item/*/delta, and
// turn/completed shapes. Unknown notifications (thread rename, token usage,
// rate limits, login, oauth, ...) are consumed silently.
func (a *Adapter) ReadEvents() (<-chan protocol.AgentEvent, <-chan error) {
	events := make(chan protocol.AgentEvent, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		for msg := range a.lines {
			if msg.Method == "" {
				continue
			}
			if done := a.dispatch(msg, events); done {
				return
			}
		}
		select {
		case err := <-a.readErr:
			errs <- err
		default:
			errs <- errConnClosed
		}
	}()

	return events, errs
}

func (a *Adapter) dispatch(msg rpcMessage, out chan<- protocol.AgentEvent) bool {
	switch msg.Method {
	case "turn/started":
		var p struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		a.turnID = p.Turn.ID
		return false

	case "item/agentMessage/delta":
		var p struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		out <- protocol.AgentEvent{Kind: protocol.TextDelta, Text: p.Delta}
		return false

	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta", "item/plan/delta":
		var p struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		out <- protocol.AgentEvent{Kind: protocol.ThinkingDelta, Text: p.Delta}
		return false

	case "item/commandExecution/outputDelta", "item/commandExecution/terminalInteraction":
		var p struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		out <- protocol.AgentEvent{Kind: protocol.ToolOutput, Output: p.Delta}
		return false

	case "item/started":
		a.handleItemStarted(msg.Params, out)
		return false

	case "turn/completed":
		a.handleTurnCompleted(msg.Params, out)
		return true

	default:
		return false // known informational notification, consumed silently
	}
}

func (a *Adapter) handleItemStarted(params json.RawMessage, out chan<- protocol.AgentEvent) {
	var item struct {
		Type    string `json:"type"`
		Command string `json:"command"`
		Changes []struct {
			Path string `json:"path"`
			Kind struct {
				Type string `json:"type"`
			} `json:"kind"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(params, &struct {
		Item *struct {
			Type    string `json:"type"`
			Command string `json:"command"`
			Changes []struct {
				Path string `json:"path"`
				Kind struct {
					Type string `json:"type"`
				} `json:"kind"`
			} `json:"changes"`
		} `json:"item"`
	}{Item: &item}); err != nil {
		return
	}

	switch item.Type {
	case "commandExecution":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Run", Detail: item.Command}
	case "mcpToolCall":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "MCP"}
	case "webSearch":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Search"}
	case "reasoning":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Think"}
	case "fileChange":
		for _, ch := range item.Changes {
			label := "Update"
			if ch.Kind.Type == "add" {
				label = "Write"
			}
			out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: label, Detail: ch.Path}
		}
	case "plan":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Plan"}
	case "contextCompaction":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "Compacting"}
	case "imageView":
		out <- protocol.AgentEvent{Kind: protocol.ToolBadge, Label: "View"}
	}
}

func (a *Adapter) handleTurnCompleted(params json.RawMessage, out chan<- protocol.AgentEvent) {
	var p struct {
		Turn struct {
			Status *string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(params, &p)

	success := p.Turn.Status == nil || *p.Turn.Status == "completed"
	errMsg := ""
	if p.Turn.Error != nil {
		errMsg = p.Turn.Error.Message
	}
	out <- protocol.AgentEvent{Kind: protocol.TurnComplete, SessionID: a.threadID, Success: success, Error: errMsg}
}
