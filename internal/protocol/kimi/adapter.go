// Package kimi adapts the Kimi CLI's full JSON-RPC 2.0 wire-mode protocol
// (every message carries jsonrpc:"2.0", events/requests wrapped in an
// event/request envelope) into the common protocol.AgentEvent stream.
package kimi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/protocol"
)

const maxLineBuffer = 10 * 1024 * 1024

var ansiRE = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]|\x1b\\].*?\x07")

func stripANSI(s string) string { return ansiRE.ReplaceAllString(s, "") }

type rpcLine struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (l rpcLine) idString() string {
	if len(l.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(l.ID, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(l.ID, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(l.ID)
}

// Adapter drives the Kimi wire-mode handshake and turn lifecycle.
type Adapter struct {
	stdin  io.Writer
	stdout *bufio.Scanner

	// PermissionMode is "bypass" (auto-approve) or anything else (ask and
	// wait up to PermissionTimeout, fail-closed on timeout).
	PermissionMode    string
	PermissionTimeout time.Duration

	mu               sync.Mutex
	idCounter        int64
	pending          map[string]chan rpcLine
	pendingPerms     map[string]chan protocol.PermissionResponse
	sessionID        string
	lastPromptID     string
	initialized      bool

	lines   chan rpcLine
	readErr chan error
	started bool
}

// New builds a Kimi adapter over the subprocess's stdin/stdout pipes.
func New(stdin io.Writer, stdout io.Reader) *Adapter {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	return &Adapter{
		stdin:             stdin,
		stdout:            scanner,
		PermissionMode:    "bypass",
		PermissionTimeout: 120 * time.Second,
		pending:           make(map[string]chan rpcLine),
		pendingPerms:      make(map[string]chan protocol.PermissionResponse),
		lines:             make(chan rpcLine, 64),
		readErr:           make(chan error, 1),
	}
}

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
			raw := stripANSI(a.stdout.Text())
			if raw == "" {
				continue
			}
			var line rpcLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				continue // malformed line: log-and-skip, never fatal
			}

			id := line.idString()
			if id != "" && (len(line.Result) > 0 || len(line.Error) > 0) && line.Method == "" {
				a.mu.Lock()
				ch, ok := a.pending[id]
				if ok {
					delete(a.pending, id)
				}
				a.mu.Unlock()
				if ok {
					ch <- line
					continue
				}
			}
			a.lines <- line
		}
		if err := a.stdout.Err(); err != nil {
			a.readErr <- fmt.Errorf("kimi: read stdout: %w", err)
		} else {
			a.readErr <- fmt.Errorf("kimi: stdout closed")
		}
		close(a.lines)
	}()
}

func (a *Adapter) nextID() string {
	a.mu.Lock()
	a.idCounter++
	id := a.idCounter
	a.mu.Unlock()
	return strconv.FormatInt(id, 10)
}

func (a *Adapter) sendRequest(method string, params any) (string, error) {
	id := a.nextID()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return id, a.write(msg)
}

func (a *Adapter) sendResponse(id json.RawMessage, result any) error {
	return a.write(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id), "result": result})
}

func (a *Adapter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kimi: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = a.stdin.Write(data)
	return err
}

// Start performs the initialize handshake; no turn may start before its
// response arrives.
func (a *Adapter) Start() error {
	a.ensureReadLoop()
	id, err := a.sendRequest("initialize", map[string]any{
		"protocol_version": "1.2",
		"client":           map[string]any{"name": "conclave", "version": "1.0.0"},
	})
	if err != nil {
		return err
	}

	ch := make(chan rpcLine, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("kimi: connection closed awaiting initialize")
		}
		if len(resp.Error) > 0 {
			return fmt.Errorf("kimi: initialize error: %s", resp.Error)
		}
		a.initialized = true
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("kimi: initialize timed out")
	}
}

// StartResume is identical to Start: Kimi re-attaches via the --session CLI
// flag at spawn time, not via a resume RPC call.
func (a *Adapter) StartResume(sessionID string) error {
	a.sessionID = sessionID
	return a.Start()
}

// SendMessage sends the prompt request and remembers its id so ReadEvents
// can recognize the matching response as the turn's fallback completion.
func (a *Adapter) SendMessage(text string) error {
	if !a.initialized {
		if err := a.Start(); err != nil {
			return err
		}
	}
	id, err := a.sendRequest("prompt", map[string]any{"user_input": text})
	if err != nil {
		return err
	}
	a.lastPromptID = id
	return nil
}

// Cancel best-effort interrupts the in-flight turn.
func (a *Adapter) Cancel() error {
	_, err := a.sendRequest("cancel", nil)
	return err
}

func (a *Adapter) Shutdown() error { return nil }

// RespondToPermission forwards an approval/denial to whichever goroutine is
// waiting on this request id inside ReadEvents.
func (a *Adapter) RespondToPermission(resp protocol.PermissionResponse) error {
	a.mu.Lock()
	ch, ok := a.pendingPerms[resp.RequestID]
	if ok {
		delete(a.pendingPerms, resp.RequestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
	return nil
}

func (a *Adapter) GetSessionID() string { return a.sessionID }

var _ protocol.Adapter = (*Adapter)(nil)
