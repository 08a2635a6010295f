// Package codex adapts the headerless (no "jsonrpc" field) line-delimited
// JSON-RPC 2.0 app-server protocol into the common protocol.AgentEvent
// stream.
package codex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/multiagents/conclave/internal/protocol"
)

const maxLineBuffer = 10 * 1024 * 1024

var errConnClosed = fmt.Errorf("codex: stdout closed without turn/completed")

// rpcMessage is a loosely-typed envelope covering requests, responses, and
// notifications — the wire never sets a "jsonrpc" field.
type rpcMessage struct {
	Method string          `json:"method,omitempty"`
	ID     *int64          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m rpcMessage) isResponse() bool { return m.ID != nil && m.Method == "" }

// Adapter drives the codex app-server handshake and turn lifecycle.
type Adapter struct {
	stdin  io.Writer
	stdout *bufio.Scanner

	mu             sync.Mutex
	nextID         int64
	pending        map[int64]chan rpcMessage
	threadID              string
	turnID                string
	approvalPolicy        string
	sandbox               string
	model                 string
	developerInstructions string

	lines   chan rpcMessage
	readErr chan error
	started bool
}

// New builds a Codex adapter over the subprocess's stdin/stdout pipes.
func New(stdin io.Writer, stdout io.Reader) *Adapter {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	return &Adapter{
		stdin:          stdin,
		stdout:         scanner,
		pending:        make(map[int64]chan rpcMessage),
		approvalPolicy: "never",
		sandbox:        "danger-full-access",
		lines:          make(chan rpcMessage, 64),
		readErr:        make(chan error, 1),
	}
}

// ensureReadLoop starts the single background reader that demultiplexes
// responses (by id) from notifications (forwarded on a.lines).
func (a *Adapter) ensureReadLoop() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		for a.stdout.Scan() {
			line := a.stdout.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg rpcMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			if msg.isResponse() {
				a.mu.Lock()
				ch, ok := a.pending[*msg.ID]
				if ok {
					delete(a.pending, *msg.ID)
				}
				a.mu.Unlock()
				if ok {
					ch <- msg
					continue
				}
			}
			a.lines <- msg
		}
		if err := a.stdout.Err(); err != nil {
			a.readErr <- fmt.Errorf("codex: read stdout: %w", err)
		} else {
			a.readErr <- fmt.Errorf("codex: stdout closed")
		}
		close(a.lines)
	}()
}

func (a *Adapter) nextRequestID() int64 {
	return atomic.AddInt64(&a.nextID, 1)
}

func (a *Adapter) request(method string, params any) (rpcMessage, error) {
	id := a.nextRequestID()
	ch := make(chan rpcMessage, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	if err := a.writeMessage(rpcRequest{Method: method, ID: id, Params: params}); err != nil {
		return rpcMessage{}, err
	}

	resp, ok := <-ch
	if !ok {
		return rpcMessage{}, fmt.Errorf("codex: connection closed waiting for %s", method)
	}
	if resp.Error != nil {
		return resp, fmt.Errorf("codex: %s: %s", method, resp.Error.Message)
	}
	return resp, nil
}

func (a *Adapter) notify(method string, params any) error {
	return a.writeMessage(rpcRequest{Method: method, Params: params})
}

// fireRequest sends a method with a fresh request id, like request, but
// doesn't wait for the matching response — app-server answers these with an
// ack our read loop can't match to a waiter (nothing registered it in
// a.pending) and silently drops, same as the original's fire-and-forget
// _send_rpc(_rpc_request(...)) calls for turn/start, turn/interrupt, and
// shutdown.
func (a *Adapter) fireRequest(method string, params any) error {
	id := a.nextRequestID()
	return a.writeMessage(rpcRequest{Method: method, ID: id, Params: params})
}

type rpcRequest struct {
	Method string `json:"method"`
	ID     int64  `json:"id,omitempty"`
	Params any    `json:"params,omitempty"`
}

func (a *Adapter) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codex: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = a.stdin.Write(data)
	return err
}

// Start performs the fresh-thread handshake: initialize → initialized →
// thread/start, tolerating a thread/started notification that races ahead of
// the thread/start response.
func (a *Adapter) Start() error {
	a.ensureReadLoop()
	if _, err := a.request("initialize", map[string]any{}); err != nil {
		return err
	}
	if err := a.notify("initialized", map[string]any{}); err != nil {
		return err
	}

	resp, err := a.request("thread/start", a.threadStartParams())
	if err != nil {
		return err
	}
	if id := extractThreadID(resp.Result); id != "" {
		a.threadID = id
		return nil
	}

	// Race: thread/started notification may have arrived and been routed to
	// a.lines before the response came back. Drain briefly.
	return a.awaitThreadStartedNotification()
}

func (a *Adapter) threadStartParams() map[string]any {
	params := map[string]any{
		"approvalPolicy": a.approvalPolicy,
		"sandbox":        a.sandbox,
		"history":        map[string]any{"persistence": "save-all", "truncation": "auto"},
	}
	if a.model != "" {
		params["model"] = a.model
	}
	if a.developerInstructions != "" {
		params["developerInstructions"] = a.developerInstructions
	}
	return params
}

// StartResume re-attaches to an existing thread. If the response omits the
// thread id but carries no error, the originally-requested id is trusted.
func (a *Adapter) StartResume(sessionID string) error {
	a.ensureReadLoop()
	if _, err := a.request("initialize", map[string]any{}); err != nil {
		return err
	}
	if err := a.notify("initialized", map[string]any{}); err != nil {
		return err
	}

	resp, err := a.request("thread/resume", map[string]any{"threadId": sessionID})
	if err != nil {
		return err
	}
	if id := extractThreadID(resp.Result); id != "" {
		a.threadID = id
		return nil
	}
	a.threadID = sessionID
	return nil
}

func (a *Adapter) awaitThreadStartedNotification() error {
	for msg := range a.lines {
		if msg.Method == "thread/started" {
			var params struct {
				ThreadID string `json:"threadId"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			if params.ThreadID != "" {
				a.threadID = params.ThreadID
				return nil
			}
		}
	}
	return fmt.Errorf("codex: connection closed before thread/started")
}

func extractThreadID(result json.RawMessage) string {
	var byField struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &byField); err != nil {
		return ""
	}
	if byField.ThreadID != "" {
		return byField.ThreadID
	}
	return byField.Thread.ID
}

// SendMessage starts a new turn.
func (a *Adapter) SendMessage(text string) error {
	return a.fireRequest("turn/start", map[string]any{
		"threadId": a.threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	})
}

func (a *Adapter) Cancel() error {
	return a.fireRequest("turn/interrupt", map[string]any{"threadId": a.threadID, "turnId": a.turnID})
}

func (a *Adapter) Shutdown() error { return a.fireRequest("shutdown", map[string]any{}) }

// RespondToPermission is a no-op: thread/start sets approvalPolicy "never",
// so codex never asks for approval via an in-turn RPC.
func (a *Adapter) RespondToPermission(_ protocol.PermissionResponse) error { return nil }

func (a *Adapter) GetSessionID() string { return a.threadID }

var _ protocol.Adapter = (*Adapter)(nil)
