package ws

import (
	"context"
	"testing"
	"time"

	"github.com/multiagents/conclave/internal/cards"
	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"
)

type nopStore struct{}

func (nopStore) ReserveEventID(ctx context.Context, sessionID string) (int64, error) { return 1, nil }
func (nopStore) SaveEvent(ctx context.Context, sessionID string, eventID int64, event room.ChatEvent) error {
	return nil
}
func (nopStore) GetEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]runner.StoredEvent, error) {
	return nil, nil
}
func (nopStore) PruneEvents(ctx context.Context, sessionID string, minEventID int64) error { return nil }
func (nopStore) ClearEvents(ctx context.Context, sessionID string) error                  { return nil }
func (nopStore) SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) error {
	return nil
}
func (nopStore) GetMessages(ctx context.Context, sessionID string) ([]runner.StoredMessage, error) {
	return nil, nil
}
func (nopStore) SaveCard(ctx context.Context, sessionID string, card *cards.Card) error { return nil }
func (nopStore) DeleteCard(ctx context.Context, sessionID, cardID string) error         { return nil }
func (nopStore) GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error)  { return nil, nil }
func (nopStore) GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error) {
	return nil, nil
}
func (nopStore) SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error {
	return nil
}
func (nopStore) SetRunning(ctx context.Context, sessionID string, running bool) error { return nil }
func (nopStore) ClearInFlight(ctx context.Context, sessionID string) error            { return nil }
func (nopStore) SetCurrentRound(ctx context.Context, sessionID string, round int) error {
	return nil
}
func (nopStore) ResetAgentProgress(ctx context.Context, sessionID string, agents []string, round int) error {
	return nil
}
func (nopStore) SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error {
	return nil
}
func (nopStore) GetSession(ctx context.Context, sessionID string) (*runner.SessionData, error) {
	return nil, nil
}
func (nopStore) DeleteSession(ctx context.Context, sessionID string) error { return nil }
func (nopStore) SaveSessionConfig(ctx context.Context, sessionID, workingDir string, cfg map[string]any) error {
	return nil
}
func (nopStore) ListIdleSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	return nil, nil
}

func newTestHub() *Hub {
	r := runner.New(nopStore{}, nil, runner.Config{})
	return NewHub(r, nopStore{})
}

func TestHubHasSubscribersFalseInitially(t *testing.T) {
	h := newTestHub()
	if h.HasSubscribers("s1") {
		t.Error("expected no subscribers on a fresh hub")
	}
}

func TestHubBroadcastWithNoSubscribersSendsZero(t *testing.T) {
	h := newTestHub()
	sent, err := h.Broadcast(context.Background(), "s1", 1, room.ChatEvent{Kind: room.RoundStarted})
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 {
		t.Errorf("expected 0 sent, got %d", sent)
	}
}

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	rl := newRateLimiter()
	now := time.Now()
	for i := 0; i < rateLimitMax; i++ {
		if !rl.allow(now) {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if rl.allow(now) {
		t.Error("expected the request beyond the cap to be rejected")
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := newRateLimiter()
	now := time.Now()
	for i := 0; i < rateLimitMax; i++ {
		rl.allow(now)
	}
	later := now.Add(rateLimitWindow + time.Second)
	if !rl.allow(later) {
		t.Error("expected a request after the window to be allowed")
	}
}

func TestPersonasFromConfig(t *testing.T) {
	cfg := map[string]any{
		"agents": []any{
			map[string]any{"name": "claude", "agent_type": "claude", "role": "planner"},
			map[string]any{"name": "codex", "agent_type": "codex"},
			map[string]any{"name": "incomplete"},
		},
	}
	personas := personasFromConfig(cfg)
	if len(personas) != 2 {
		t.Fatalf("expected 2 valid personas, got %d: %+v", len(personas), personas)
	}
	if personas[0].Name != "claude" || personas[0].Role != "planner" {
		t.Errorf("unexpected first persona: %+v", personas[0])
	}
}

func TestPersonasFromConfigMissingKey(t *testing.T) {
	if got := personasFromConfig(map[string]any{}); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestLooksLikeSecretKey(t *testing.T) {
	for _, tc := range []struct {
		key  string
		want bool
	}{
		{"api_key", true},
		{"access_token", true},
		{"db_password", true},
		{"working_dir", false},
		{"name", false},
	} {
		if got := looksLikeSecretKey(tc.key); got != tc.want {
			t.Errorf("looksLikeSecretKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}
