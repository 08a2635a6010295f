package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"
)

// fakeStore is a minimal in-memory Store double.
type fakeStore struct {
	mu      sync.Mutex
	idle    map[string]bool // sessionID -> is idle at all (ignoring cutoff granularity)
	events  map[string][]runner.StoredEvent
	deleted map[string]bool
	pruned  map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		idle:    map[string]bool{},
		events:  map[string][]runner.StoredEvent{},
		deleted: map[string]bool{},
		pruned:  map[string]int64{},
	}
}

func (f *fakeStore) ListIdleSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, isIdle := range f.idle {
		if isIdle {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]runner.StoredEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[sessionID], nil
}

func (f *fakeStore) PruneEvents(ctx context.Context, sessionID string, minEventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned[sessionID] = minEventID
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[sessionID] = true
	return nil
}

func TestSweepPrunesLongEventHistory(t *testing.T) {
	store := newFakeStore()
	store.idle["s1"] = true

	var events []runner.StoredEvent
	for i := int64(1); i <= 600; i++ {
		events = append(events, runner.StoredEvent{EventID: i, Event: room.ChatEvent{Kind: room.RoundStarted}})
	}
	store.events["s1"] = events

	s := New(store, Config{SweepInterval: time.Hour})
	s.sweep()

	store.mu.Lock()
	defer store.mu.Unlock()
	minID, ok := store.pruned["s1"]
	if !ok {
		t.Fatal("expected PruneEvents to be called")
	}
	if minID != events[len(events)-eventRetention].EventID {
		t.Errorf("expected cutoff %d, got %d", events[len(events)-eventRetention].EventID, minID)
	}
}

func TestSweepSkipsShortEventHistory(t *testing.T) {
	store := newFakeStore()
	store.idle["s1"] = true
	store.events["s1"] = []runner.StoredEvent{{EventID: 1}, {EventID: 2}}

	s := New(store, Config{SweepInterval: time.Hour})
	s.sweep()

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.pruned["s1"]; ok {
		t.Error("expected no prune for a short history")
	}
}

func TestSweepReapsIdleSessions(t *testing.T) {
	store := newFakeStore()
	store.idle["s1"] = true

	s := New(store, Config{SweepInterval: time.Hour})
	s.sweep()

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.deleted["s1"] {
		t.Error("expected s1 to be reaped")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("unexpected default IdleTimeout: %v", cfg.IdleTimeout)
	}
	if cfg.ReapTimeout != 24*time.Hour {
		t.Errorf("unexpected default ReapTimeout: %v", cfg.ReapTimeout)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("unexpected default SweepInterval: %v", cfg.SweepInterval)
	}
}

func TestStartStop(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{SweepInterval: time.Hour})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
