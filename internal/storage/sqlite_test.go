package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiagents/conclave/internal/cards"
	"github.com/multiagents/conclave/internal/room"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conclave.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReserveEventIDIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.ReserveEventID(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ReserveEventID(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first+1 {
		t.Errorf("got ids %d, %d; want consecutive", first, second)
	}

	// A different session starts its own counter at 1.
	otherFirst, err := s.ReserveEventID(ctx, "sess2")
	if err != nil {
		t.Fatal(err)
	}
	if otherFirst != 1 {
		t.Errorf("got %d, want 1 for a fresh session", otherFirst)
	}
}

func TestSaveAndGetEventsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.ReserveEventID(ctx, "sess1")
		if err != nil {
			t.Fatal(err)
		}
		ev := room.ChatEvent{Kind: room.RoundStarted, RoundNumber: i + 1}
		if err := s.SaveEvent(ctx, "sess1", id, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetEventsSince(ctx, "sess1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].EventID != 2 || got[1].EventID != 3 {
		t.Errorf("unexpected event ids: %+v", got)
	}
	if got[0].Event.RoundNumber != 2 {
		t.Errorf("round number = %d, want 2", got[0].Event.RoundNumber)
	}
}

func TestPruneAndClearEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.ReserveEventID(ctx, "sess1")
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SaveEvent(ctx, "sess1", id, room.ChatEvent{Kind: room.RoundStarted}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.PruneEvents(ctx, "sess1", 2); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetEventsSince(ctx, "sess1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events after prune, want 2", len(got))
	}

	if err := s.ClearEvents(ctx, "sess1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetEventsSince(ctx, "sess1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d events after clear, want 0", len(got))
	}
}

func TestSaveAndGetMessagesOrdersChronologically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, "sess1", "claude", "first", 1, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "sess1", "codex", "second", 1, true); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("unexpected order: %+v", msgs)
	}
	if !msgs[1].Passed {
		t.Error("expected second message to be marked passed")
	}
}

func TestSaveGetAndDeleteCard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	card := &cards.Card{ID: "card-1", Title: "Fix bug", Status: cards.StatusBacklog}
	if err := s.SaveCard(ctx, "sess1", card); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCards(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "Fix bug" {
		t.Fatalf("unexpected cards: %+v", got)
	}

	card.Status = cards.StatusPlanning
	if err := s.SaveCard(ctx, "sess1", card); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCards(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != cards.StatusPlanning {
		t.Fatalf("expected upsert to replace card, got %+v", got)
	}

	if err := s.DeleteCard(ctx, "sess1", "card-1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCards(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no cards after delete, got %d", len(got))
	}
}

func TestAgentSessionIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAgentSessionID(ctx, "sess1", "claude", "cli-sess-abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAgentSessionID(ctx, "sess1", "codex", "cli-sess-xyz"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentSessionIDs(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if got["claude"] != "cli-sess-abc" || got["codex"] != "cli-sess-xyz" {
		t.Errorf("unexpected map: %+v", got)
	}
}

func TestSetRunningAndClearInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetRunning(ctx, "sess1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrentRound(ctx, "sess1", 3); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearInFlight(ctx, "sess1"); err != nil {
		t.Fatal(err)
	}

	var running int
	if err := s.db.QueryRow(`SELECT running FROM sessions WHERE id = ?`, "sess1").Scan(&running); err != nil {
		t.Fatal(err)
	}
	if running != 0 {
		t.Error("expected running to be cleared")
	}
}

func TestSessionConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSessionConfig(ctx, "sess1", "/work/dir", map[string]any{"persistent": true}); err != nil {
		t.Fatal(err)
	}

	data, err := s.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil || data.WorkingDir != "/work/dir" {
		t.Fatalf("unexpected session data: %+v", data)
	}
	if data.Config["persistent"] != true {
		t.Errorf("unexpected config: %+v", data.Config)
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	data, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("expected nil for a missing session, got %+v", data)
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.ReserveEventID(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEvent(ctx, "sess1", id, room.ChatEvent{Kind: room.RoundStarted}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "sess1", "claude", "hi", 1, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCard(ctx, "sess1", &cards.Card{ID: "card-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAgentSessionID(ctx, "sess1", "claude", "cli-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessionConfig(ctx, "sess1", "/work", nil); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "sess1"); err != nil {
		t.Fatal(err)
	}

	if evs, _ := s.GetEventsSince(ctx, "sess1", 0); len(evs) != 0 {
		t.Errorf("expected events gone, got %d", len(evs))
	}
	if msgs, _ := s.GetMessages(ctx, "sess1"); len(msgs) != 0 {
		t.Errorf("expected messages gone, got %d", len(msgs))
	}
	if c, _ := s.GetCards(ctx, "sess1"); len(c) != 0 {
		t.Errorf("expected cards gone, got %d", len(c))
	}
	data, _ := s.GetSession(ctx, "sess1")
	if data != nil {
		t.Errorf("expected session row gone, got %+v", data)
	}
}

func TestListIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSessionConfig(ctx, "idle1", "/work", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessionConfig(ctx, "running1", "/work", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRunning(ctx, "running1", true); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListIdleSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "idle1" {
		t.Errorf("expected only idle1, got %v", ids)
	}

	ids, err = s.ListIdleSessions(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no sessions idle before an hour ago, got %v", ids)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSessionConfig(ctx, "a", "/work", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessionConfig(ctx, "b", "/work", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRunning(ctx, "b", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "a", "user", "hi", 0, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "a", "agent", "hello", 0, true); err != nil {
		t.Fatal(err)
	}

	summaries, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(summaries))
	}

	byID := make(map[string]SessionSummary)
	for _, sum := range summaries {
		byID[sum.ID] = sum
	}
	if byID["a"].MessageCount != 2 {
		t.Errorf("session a: expected 2 messages, got %d", byID["a"].MessageCount)
	}
	if byID["a"].Running {
		t.Error("session a: expected not running")
	}
	if !byID["b"].Running {
		t.Error("session b: expected running")
	}
	if byID["b"].MessageCount != 0 {
		t.Errorf("session b: expected 0 messages, got %d", byID["b"].MessageCount)
	}
}
