// Package baseagent wraps a supervisor.Supervisor with the vendor-agnostic
// turn semantics every agent type shares: system prompt assembly, a turn
// budget, and translation of protocol.AgentEvent into chat-transport markup.
package baseagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/protocol"
	"github.com/multiagents/conclave/internal/supervisor"
)

// toolLabels maps CLI tool names (across all three vendors) to the display
// label shown in a <tool> badge.
var toolLabels = map[string]string{
	"Read": "Read", "Edit": "Update", "Write": "Write", "Bash": "Run",
	"Glob": "Search", "Grep": "Search", "WebFetch": "Fetch",
	"ReadFile": "Read", "Shell": "Run", "EditFile": "Update",
	"WriteFile": "Write", "read_file": "Read", "edit_file": "Update",
	"write_file": "Write",
	// Kimi Code tool names
	"StrReplaceFile": "Update", "CreateFile": "Write",
	"ListDir": "Search", "SearchFiles": "Search",
	"SetTodoList": "Plan",
}

func toolLabel(name string) string {
	if l, ok := toolLabels[name]; ok {
		return l
	}
	return name
}

func toolBadgeTag(label, detail string) string {
	l := toolLabel(label)
	body := l
	if detail != "" {
		body = l + " " + detail
	}
	return fmt.Sprintf("<tool>%s</tool>\n", body)
}

// AgentNotice is an in-band notice (e.g. a process restart) surfaced
// alongside streamed text.
type AgentNotice struct {
	Agent   string
	Message string
}

// AgentPermissionRequest carries a pending tool-approval decision up to the
// caller, agent name attached.
type AgentPermissionRequest struct {
	Agent       string
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}

// AgentResponse is the final result of a turn.
type AgentResponse struct {
	Agent     string
	Response  string
	Success   bool
	LatencyMs float64
	SessionID string
	Stderr    string
}

// StreamItem is the union type yielded by Agent.Stream. Exactly one field is
// set per item: Text for a raw markup fragment, or one of the pointer
// fields for a structured event.
type StreamItem struct {
	Text       string
	Notice     *AgentNotice
	Permission *AgentPermissionRequest
	Response   *AgentResponse
}

const (
	defaultParseTimeout      = 1200 * time.Second
	defaultPermissionTimeout = 120 * time.Second
)

// Agent is the vendor-agnostic wrapper every protocol adapter is driven
// through. Construct one per conversation participant; it owns exactly one
// supervisor.Supervisor (and therefore at most one live subprocess).
type Agent struct {
	Name                 string
	AgentType            string // "claude", "codex", "kimi"
	Model                string
	SystemPromptOverride string
	ProjectDir           string
	ParseTimeout         time.Duration // 0 = defaultParseTimeout
	PermissionTimeout    time.Duration // 0 = defaultPermissionTimeout
	ExtraEnv             map[string]string

	mu        sync.Mutex
	sessionID string
	sup       turnRunner
}

// turnRunner is the subset of *supervisor.Supervisor that Agent drives.
// Declaring it as an interface lets tests substitute a fake instead of
// spawning a real subprocess.
type turnRunner interface {
	SendAndStream(ctx context.Context, prompt string) (<-chan protocol.AgentEvent, <-chan error)
	Cancel() error
	Shutdown() error
	RespondToPermission(protocol.PermissionResponse) error
	GetStderr() string
	SeedSessionID(string)
	Configure(cwd string, env map[string]string)
	SetRetryWithoutSession(fn func(stderr string, err error) bool)
}

var _ turnRunner = (*supervisor.Supervisor)(nil)

// New builds an Agent around a Supervisor constructed from the given spawn-
// arg builders and adapter factory — the three hooks each vendor package
// exposes (e.g. claude.BuildArgs/claude.BuildResumeArgs/claude.New).
func New(name, agentType string, buildArgs func() []string, buildResumeArgs func(string) []string, newAdapter func(stdin io.Writer, stdout io.Reader) protocol.Adapter) *Agent {
	a := &Agent{Name: name, AgentType: agentType}
	a.sup = supervisor.New(name, buildArgs, buildResumeArgs, newAdapter)
	return a
}

// SetRetryWithoutSession installs a vendor-specific predicate deciding
// whether a failed resume should drop the session id and restart fresh
// rather than retry the same resume. See claude.ShouldRetryWithoutSession /
// codex.ShouldRetryWithoutSession for the concrete heuristics.
func (a *Agent) SetRetryWithoutSession(fn func(stderr string, err error) bool) {
	a.sup.SetRetryWithoutSession(fn)
}

func (a *Agent) parseTimeout() time.Duration {
	if a.ParseTimeout > 0 {
		return a.ParseTimeout
	}
	return defaultParseTimeout
}

// AgentName returns the participant name, for callers that only hold an
// interface over Agent (e.g. internal/room's RoomAgent).
func (a *Agent) AgentName() string { return a.Name }

// EffectiveParseTimeout exposes the resolved per-turn parse timeout.
func (a *Agent) EffectiveParseTimeout() time.Duration { return a.parseTimeout() }

// SessionID returns the last known server-side session/thread id, if any.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// ResumeWithSessionID primes the agent to resume a previously-known CLI
// session (e.g. restored from a store across a process restart) on its next
// turn, instead of starting fresh.
func (a *Agent) ResumeWithSessionID(sessionID string) {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	a.sup.SeedSessionID(sessionID)
}

// RespondToPermission forwards an approval/denial decision to the live
// protocol adapter, if one exists.
func (a *Agent) RespondToPermission(resp protocol.PermissionResponse) error {
	return a.sup.RespondToPermission(resp)
}

// CancelTurn makes a best-effort attempt to interrupt the in-flight turn.
func (a *Agent) CancelTurn() error {
	return a.sup.Cancel()
}

// Shutdown tears down the agent's subprocess, if running.
func (a *Agent) Shutdown() error {
	return a.sup.Shutdown()
}

// Stream sends prompt and streams markup fragments, in-band notices,
// permission requests, and a single final AgentResponse. The channel closes
// once the AgentResponse has been sent — whether the turn succeeded, timed
// out, or failed outright. timeout bounds the whole turn; it is additionally
// clamped to the agent's ParseTimeout.
func (a *Agent) Stream(ctx context.Context, prompt string, timeout time.Duration) <-chan StreamItem {
	out := make(chan StreamItem, 64)

	go func() {
		defer close(out)

		start := time.Now()
		turnTimeout := timeout
		if pt := a.parseTimeout(); pt > 0 && pt < turnTimeout {
			turnTimeout = pt
		}

		turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
		defer cancel()

		a.sup.Configure(a.ProjectDir, a.ExtraEnv)
		events, errs := a.sup.SendAndStream(turnCtx, prompt)

		var textParts []string
		for ev := range events {
			switch ev.Kind {
			case protocol.TextDelta:
				textParts = append(textParts, ev.Text)
				out <- StreamItem{Text: ev.Text}
			case protocol.ThinkingDelta:
				out <- StreamItem{Text: fmt.Sprintf("<thinking>%s</thinking>\n", ev.Text)}
			case protocol.ToolBadge:
				out <- StreamItem{Text: toolBadgeTag(ev.Label, ev.Detail)}
			case protocol.ToolOutput:
				truncated := ev.Output
				if len(truncated) > 500 {
					truncated = truncated[:500]
				}
				out <- StreamItem{Text: fmt.Sprintf("<tool_output>%s</tool_output>\n", truncated)}
			case protocol.ToolResult:
				tag := "result"
				if !ev.Success {
					tag = "error"
				}
				label := toolLabel(ev.Tool)
				detail := ev.Output
				if len(detail) > 200 {
					detail = detail[:200]
				}
				body := label
				if detail != "" {
					body = label + " " + detail
				}
				out <- StreamItem{Text: fmt.Sprintf("<%s>%s</%s>\n", tag, body, tag)}
			case protocol.PermissionRequest:
				out <- StreamItem{Permission: &AgentPermissionRequest{
					Agent:       a.Name,
					RequestID:   ev.RequestID,
					ToolName:    ev.ToolName,
					ToolInput:   ev.ToolInput,
					Description: ev.Description,
				}}
			case protocol.ProcessRestarted:
				out <- StreamItem{Notice: &AgentNotice{
					Agent:   a.Name,
					Message: fmt.Sprintf("persistent process restarted (retry %d)", ev.Retry),
				}}
			case protocol.TurnComplete:
				text := ev.Text
				if text == "" {
					text = joinStrings(textParts)
				}
				if text == "" && ev.Error != "" {
					text = ev.Error
				}
				if ev.SessionID != "" {
					a.mu.Lock()
					a.sessionID = ev.SessionID
					a.mu.Unlock()
				}
				out <- StreamItem{Response: &AgentResponse{
					Agent:     a.Name,
					Response:  text,
					Success:   ev.Success,
					LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
					SessionID: a.SessionID(),
					Stderr:    a.sup.GetStderr(),
				}}
			}
		}

		if err := <-errs; err != nil {
			if turnCtx.Err() != nil {
				slog.Warn("agent turn timed out", "agent", a.Name, "timeout", turnTimeout)
				_ = a.sup.Cancel()
				out <- StreamItem{Response: &AgentResponse{
					Agent:     a.Name,
					Response:  "Timeout",
					Success:   false,
					LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
					Stderr:    a.sup.GetStderr(),
				}}
				return
			}
			slog.Error("agent turn failed", "agent", a.Name, "error", err)
			out <- StreamItem{Response: &AgentResponse{
				Agent:     a.Name,
				Response:  err.Error(),
				Success:   false,
				LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
			}}
		}
	}()

	return out
}

func joinStrings(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return string(buf)
}
