package room

import (
	"context"
	"testing"
	"time"

	"github.com/multiagents/conclave/internal/baseagent"
	"github.com/multiagents/conclave/internal/protocol"
)

// fakeAgent always replies with a fixed script of StreamItems regardless of
// the prompt it's given; good enough to exercise Room's plumbing without a
// real subprocess.
type fakeAgent struct {
	name       string
	reply      string
	sessionID  string
	cancelled  bool
	responded  *protocol.PermissionResponse
}

func (f *fakeAgent) AgentName() string { return f.name }
func (f *fakeAgent) SessionID() string { return f.sessionID }
func (f *fakeAgent) EffectiveParseTimeout() time.Duration { return 5 * time.Second }
func (f *fakeAgent) CancelTurn() error { f.cancelled = true; return nil }
func (f *fakeAgent) RespondToPermission(resp protocol.PermissionResponse) error {
	f.responded = &resp
	return nil
}

func (f *fakeAgent) Stream(ctx context.Context, prompt string, timeout time.Duration) <-chan baseagent.StreamItem {
	out := make(chan baseagent.StreamItem, 2)
	out <- baseagent.StreamItem{Response: &baseagent.AgentResponse{Agent: f.name, Response: f.reply, Success: true}}
	close(out)
	return out
}

func drainChatEvents(ch <-chan ChatEvent, n int) []ChatEvent {
	var events []ChatEvent
	for ev := range ch {
		events = append(events, ev)
		if len(events) >= n {
			break
		}
	}
	return events
}

func TestRunPersistentSettlesWhenAllAgentsPass(t *testing.T) {
	a := &fakeAgent{name: "claude", reply: "[PASS]"}
	b := &fakeAgent{name: "codex", reply: "[PASS]"}
	room := NewRoom([]Agent{a, b}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := room.RunPersistent(ctx, "kick things off", 0)

	var sawRoundEnded, allPassed bool
	deadline := time.After(2 * time.Second)
	for !sawRoundEnded {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before RoundEnded")
			}
			if ev.Kind == RoundEnded {
				sawRoundEnded = true
				allPassed = ev.AllPassed
			}
		case <-deadline:
			t.Fatal("timed out waiting for RoundEnded")
		}
	}
	if !allPassed {
		t.Error("expected all_passed once every agent responds [PASS]")
	}
}

func TestRunPersistentRelaysShareableContent(t *testing.T) {
	a := &fakeAgent{name: "claude", reply: "<Share>found a bug in parser.go</Share>"}
	b := &fakeAgent{name: "codex", reply: "[PASS]"}
	room := NewRoom([]Agent{a, b}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := room.RunPersistent(ctx, "start", 0)

	var sawCompleted bool
	deadline := time.After(2 * time.Second)
	for !sawCompleted {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed early")
			}
			if ev.Kind == AgentCompleted && ev.AgentName == "claude" {
				sawCompleted = true
				if ev.Passed {
					t.Error("expected claude's Share response to not count as a pass")
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for claude's AgentCompleted")
		}
	}
}

func TestShouldRelayShareDedupsWithinCooldown(t *testing.T) {
	room := NewRoom(nil, time.Second)
	if !room.shouldRelayShare("claude", "codex", "same text") {
		t.Fatal("expected first relay to be allowed")
	}
	if room.shouldRelayShare("claude", "codex", "same text") {
		t.Error("expected duplicate relay within cooldown to be suppressed")
	}
}

func TestEvictOldestRelaysRemovesLowestTimestampsFirst(t *testing.T) {
	base := time.Now()
	cache := map[relayKey]time.Time{
		{sender: "a", target: "x", text: "1"}: base,
		{sender: "a", target: "x", text: "2"}: base.Add(1 * time.Second),
		{sender: "a", target: "x", text: "3"}: base.Add(2 * time.Second),
		{sender: "a", target: "x", text: "4"}: base.Add(3 * time.Second),
	}

	evictOldestRelays(cache, 2)

	if len(cache) != 2 {
		t.Fatalf("expected 2 entries left, got %d", len(cache))
	}
	if _, ok := cache[relayKey{sender: "a", target: "x", text: "1"}]; ok {
		t.Error("expected oldest entry (1) to be evicted")
	}
	if _, ok := cache[relayKey{sender: "a", target: "x", text: "2"}]; ok {
		t.Error("expected second-oldest entry (2) to be evicted")
	}
	if _, ok := cache[relayKey{sender: "a", target: "x", text: "3"}]; !ok {
		t.Error("expected entry 3 to survive")
	}
	if _, ok := cache[relayKey{sender: "a", target: "x", text: "4"}]; !ok {
		t.Error("expected entry 4 to survive")
	}
}
