package codex

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/multiagents/conclave/internal/protocol"
)

// fakeServer wires two pipes so the adapter's stdin can be read back and its
// "stdout" can be fed scripted lines from the test.
type fakeServer struct {
	toAdapter   io.Writer // test writes here, adapter reads as stdout
	fromAdapter *bufio.Reader
}

func newFakeAdapter() (*Adapter, *fakeServer) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	a := New(stdinW, stdoutR)
	return a, &fakeServer{toAdapter: stdoutW, fromAdapter: bufio.NewReader(stdinR)}
}

func (s *fakeServer) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := s.toAdapter.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (s *fakeServer) readRequest(t *testing.T) rpcMessage {
	t.Helper()
	line, err := s.fromAdapter.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return msg
}

func TestStartHandshake(t *testing.T) {
	a, srv := newFakeAdapter()

	done := make(chan error, 1)
	go func() { done <- a.Start() }()

	initReq := srv.readRequest(t)
	if initReq.Method != "initialize" {
		t.Fatalf("expected initialize, got %s", initReq.Method)
	}
	srv.send(t, map[string]any{"id": *initReq.ID, "result": map[string]any{}})

	initializedNotif := srv.readRequest(t)
	if initializedNotif.Method != "initialized" {
		t.Fatalf("expected initialized notification, got %s", initializedNotif.Method)
	}

	startReq := srv.readRequest(t)
	if startReq.Method != "thread/start" {
		t.Fatalf("expected thread/start, got %s", startReq.Method)
	}
	srv.send(t, map[string]any{"id": *startReq.ID, "result": map[string]any{"threadId": "t-1"}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not complete")
	}

	if a.GetSessionID() != "t-1" {
		t.Errorf("expected thread id t-1, got %q", a.GetSessionID())
	}
}

func TestResumeTrustsRequestedIDWhenOmitted(t *testing.T) {
	a, srv := newFakeAdapter()

	done := make(chan error, 1)
	go func() { done <- a.StartResume("existing-thread") }()

	initReq := srv.readRequest(t)
	srv.send(t, map[string]any{"id": *initReq.ID, "result": map[string]any{}})
	srv.readRequest(t) // initialized

	resumeReq := srv.readRequest(t)
	if resumeReq.Method != "thread/resume" {
		t.Fatalf("expected thread/resume, got %s", resumeReq.Method)
	}
	srv.send(t, map[string]any{"id": *resumeReq.ID, "result": map[string]any{}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartResume() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartResume() did not complete")
	}

	if a.GetSessionID() != "existing-thread" {
		t.Errorf("expected requested thread id trusted, got %q", a.GetSessionID())
	}
}

func TestOutboundTurnMethodsCarryRequestIDs(t *testing.T) {
	a, srv := newFakeAdapter()
	a.threadID = "t-1"
	a.turnID = "turn-1"

	go func() { _ = a.SendMessage("hi") }()
	startReq := srv.readRequest(t)
	if startReq.Method != "turn/start" {
		t.Fatalf("expected turn/start, got %s", startReq.Method)
	}
	if startReq.ID == nil || *startReq.ID == 0 {
		t.Fatal("expected turn/start to carry a nonzero request id, got a notification")
	}

	go func() { _ = a.Cancel() }()
	interruptReq := srv.readRequest(t)
	if interruptReq.Method != "turn/interrupt" {
		t.Fatalf("expected turn/interrupt, got %s", interruptReq.Method)
	}
	if interruptReq.ID == nil || *interruptReq.ID == 0 {
		t.Fatal("expected turn/interrupt to carry a nonzero request id, got a notification")
	}

	go func() { _ = a.Shutdown() }()
	shutdownReq := srv.readRequest(t)
	if shutdownReq.Method != "shutdown" {
		t.Fatalf("expected shutdown, got %s", shutdownReq.Method)
	}
	if shutdownReq.ID == nil || *shutdownReq.ID == 0 {
		t.Fatal("expected shutdown to carry a nonzero request id, got a notification")
	}
}

func TestReadEventsDispatchesDeltasAndCompletes(t *testing.T) {
	a, srv := newFakeAdapter()
	a.ensureReadLoop()
	a.threadID = "t-1"

	events, errs := a.ReadEvents()

	srv.send(t, map[string]any{"method": "item/agentMessage/delta", "params": map[string]any{"delta": "hel"}})
	srv.send(t, map[string]any{"method": "item/agentMessage/delta", "params": map[string]any{"delta": "lo"}})
	srv.send(t, map[string]any{"method": "item/reasoning/textDelta", "params": map[string]any{"delta": "thinking..."}})
	srv.send(t, map[string]any{"method": "some/unknown/notification", "params": map[string]any{}})
	srv.send(t, map[string]any{"method": "turn/completed", "params": map[string]any{"turn": map[string]any{"status": nil}}})

	var got []protocol.AgentEvent
	for ev := range events {
		got = append(got, ev)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 events (2 text + 1 thinking + 1 complete), got %d: %+v", len(got), got)
	}
	if got[0].Kind != protocol.TextDelta || got[0].Text != "hel" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[2].Kind != protocol.ThinkingDelta {
		t.Errorf("expected thinking delta, got %+v", got[2])
	}
	last := got[len(got)-1]
	if last.Kind != protocol.TurnComplete || !last.Success || last.SessionID != "t-1" {
		t.Errorf("expected successful TurnComplete for t-1, got %+v", last)
	}
}

func TestFileChangeBadgeLabelsAddVsUpdate(t *testing.T) {
	a, srv := newFakeAdapter()
	a.ensureReadLoop()

	events, errs := a.ReadEvents()

	srv.send(t, map[string]any{
		"method": "item/started",
		"params": map[string]any{
			"item": map[string]any{
				"type": "fileChange",
				"changes": []map[string]any{
					{"path": "new.go", "kind": map[string]any{"type": "add"}},
					{"path": "existing.go", "kind": map[string]any{"type": "update"}},
				},
			},
		},
	})
	srv.send(t, map[string]any{"method": "turn/completed", "params": map[string]any{"turn": map[string]any{"status": nil}}})

	var got []protocol.AgentEvent
	for ev := range events {
		got = append(got, ev)
	}
	<-errs

	if len(got) != 3 {
		t.Fatalf("expected 2 badges + 1 complete, got %d: %+v", len(got), got)
	}
	if got[0].Label != "Write" || got[0].Detail != "new.go" {
		t.Errorf("expected Write badge for new.go, got %+v", got[0])
	}
	if got[1].Label != "Update" || got[1].Detail != "existing.go" {
		t.Errorf("expected Update badge for existing.go, got %+v", got[1])
	}
}

func TestTurnCompletedWithErrorStatus(t *testing.T) {
	a, srv := newFakeAdapter()
	a.ensureReadLoop()

	events, errs := a.ReadEvents()
	srv.send(t, map[string]any{
		"method": "turn/completed",
		"params": map[string]any{
			"turn": map[string]any{
				"status": "failed",
				"error":  map[string]any{"message": "boom"},
			},
		},
	})

	var got []protocol.AgentEvent
	for ev := range events {
		got = append(got, ev)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 1 || got[0].Success || got[0].Error != "boom" {
		t.Fatalf("expected failed TurnComplete with error boom, got %+v", got)
	}
}
