package claude

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/multiagents/conclave/internal/protocol"
)

func newTestAdapter(lines []string) (*Adapter, *bytes.Buffer) {
	var stdin bytes.Buffer
	stdout := strings.NewReader(strings.Join(lines, "\n") + "\n")
	return New(&stdin, stdout), &stdin
}

func drain(t *testing.T, a *Adapter) ([]protocol.AgentEvent, error) {
	t.Helper()
	events, errs := a.ReadEvents()
	var got []protocol.AgentEvent
	for ev := range events {
		got = append(got, ev)
	}
	return got, <-errs
}

func TestSendMessageWritesNDJSON(t *testing.T) {
	a, stdin := newTestAdapter(nil)
	if err := a.SendMessage("hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &obj); err != nil {
		t.Fatalf("stdin is not valid JSON: %v", err)
	}
	if obj["type"] != "user" {
		t.Errorf("expected type=user, got %v", obj["type"])
	}
	msg, _ := obj["message"].(map[string]any)
	if msg["content"] != "hello" {
		t.Errorf("expected content=hello, got %v", msg["content"])
	}
}

func TestCumulativeTextDeltas(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"he"}]}}`,
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"hello"}]}}`,
		`{"type":"result","subtype":"success","session_id":"s1","result":"hello"}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var textDeltas []string
	for _, ev := range events {
		if ev.Kind == protocol.TextDelta {
			textDeltas = append(textDeltas, ev.Text)
		}
	}
	if len(textDeltas) != 2 {
		t.Fatalf("expected 2 text deltas, got %d: %v", len(textDeltas), textDeltas)
	}
	if got := textDeltas[0] + textDeltas[1]; got != "hello" {
		t.Errorf("cumulative reconstruction mismatch: got %q", got)
	}

	last := events[len(events)-1]
	if last.Kind != protocol.TurnComplete || !last.Success || last.SessionID != "s1" {
		t.Errorf("expected successful TurnComplete with session s1, got %+v", last)
	}
}

func TestNewAssistantTurnResetsCumulative(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"first"}]}}`,
		`{"type":"assistant","message":{"id":"m2","content":[{"type":"text","text":"second"}]}}`,
		`{"type":"result","subtype":"success","session_id":"s1","result":"second"}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var textDeltas []string
	for _, ev := range events {
		if ev.Kind == protocol.TextDelta {
			textDeltas = append(textDeltas, ev.Text)
		}
	}
	if len(textDeltas) != 2 || textDeltas[0] != "first" || textDeltas[1] != "second" {
		t.Fatalf("expected fresh deltas per message id, got %v", textDeltas)
	}
}

func TestToolUseBadgeAndDetail(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/root/foo.go"}}]}}`,
		`{"type":"result","subtype":"success","session_id":"s1","result":""}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var badge *protocol.AgentEvent
	for i := range events {
		if events[i].Kind == protocol.ToolBadge {
			badge = &events[i]
		}
	}
	if badge == nil {
		t.Fatal("expected a ToolBadge event")
	}
	if badge.Label != "Edit" {
		t.Errorf("expected label Edit, got %q", badge.Label)
	}
}

func TestServerToolBadgesCarryPerKindDetail(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"id":"m1","content":[` +
			`{"type":"web_search_tool_use","name":"web_search","query":"golang ring buffer"},` +
			`{"type":"code_execution_tool_use","name":"code_execution","language":"python"},` +
			`{"type":"mcp_tool_use","name":"search","server_name":"docs"}` +
			`]}}`,
		`{"type":"result","subtype":"success","session_id":"s1","result":""}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var badges []protocol.AgentEvent
	for _, ev := range events {
		if ev.Kind == protocol.ToolBadge {
			badges = append(badges, ev)
		}
	}
	if len(badges) != 3 {
		t.Fatalf("expected 3 ToolBadge events, got %d: %+v", len(badges), badges)
	}

	if badges[0].Label != "Search" || badges[0].Detail != "golang ring buffer" {
		t.Errorf("expected Search/golang ring buffer, got %+v", badges[0])
	}
	if badges[1].Label != "Code" || badges[1].Detail != "python" {
		t.Errorf("expected Code/python, got %+v", badges[1])
	}
	if badges[2].Label != "MCP" || badges[2].Detail != "docs/search" {
		t.Errorf("expected MCP/docs/search, got %+v", badges[2])
	}
}

func TestPermissionDenialsBeforeTurnComplete(t *testing.T) {
	lines := []string{
		`{"type":"result","subtype":"success","session_id":"s1","result":"done","permission_denials":[{"tool_name":"Bash","tool_input":{"command":"rm -rf /"}}]}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected permission request + turn complete, got %d events", len(events))
	}
	if events[0].Kind != protocol.PermissionRequest {
		t.Errorf("expected first event to be PermissionRequest, got %v", events[0].Kind)
	}
	if events[1].Kind != protocol.TurnComplete {
		t.Errorf("expected second event to be TurnComplete, got %v", events[1].Kind)
	}
}

func TestMissingResultIsProtocolError(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"partial"}]}}`,
	}
	a, _ := newTestAdapter(lines)
	_, err := drain(t, a)
	if err == nil {
		t.Fatal("expected error when stdout closes without a result event")
	}
}

func TestMalformedLineIsSkippedNotFatal(t *testing.T) {
	lines := []string{
		`not json`,
		`{"type":"result","subtype":"success","session_id":"s1","result":"ok"}`,
	}
	a, _ := newTestAdapter(lines)
	events, err := drain(t, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != protocol.TurnComplete {
		t.Fatalf("expected a single TurnComplete, got %+v", events)
	}
}
