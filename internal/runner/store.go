package runner

import (
	"context"
	"time"

	"github.com/multiagents/conclave/internal/cards"
	"github.com/multiagents/conclave/internal/room"
)

// StoredMessage is one persisted chat-history row.
type StoredMessage struct {
	Role    string
	Content string
	Round   int
	Passed  bool
}

// StoredEvent is one persisted broadcast event, replayable by event id.
type StoredEvent struct {
	EventID int64
	Event   room.ChatEvent
}

// SessionData is the subset of a session's persisted row the runner reads.
type SessionData struct {
	WorkingDir string
	Config     map[string]any
}

// Store is the pluggable persistence boundary the Session Runner drives
// every call through off the event pump's critical path. A concrete
// implementation (e.g. backed by SQLite) lives outside this package; the
// runner only depends on this interface so its tests can substitute an
// in-memory fake.
type Store interface {
	ReserveEventID(ctx context.Context, sessionID string) (int64, error)
	SaveEvent(ctx context.Context, sessionID string, eventID int64, event room.ChatEvent) error
	GetEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]StoredEvent, error)
	PruneEvents(ctx context.Context, sessionID string, minEventID int64) error
	ClearEvents(ctx context.Context, sessionID string) error

	SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) error
	GetMessages(ctx context.Context, sessionID string) ([]StoredMessage, error)

	SaveCard(ctx context.Context, sessionID string, card *cards.Card) error
	DeleteCard(ctx context.Context, sessionID, cardID string) error
	GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error)

	GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error)
	SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error

	SetRunning(ctx context.Context, sessionID string, running bool) error
	ClearInFlight(ctx context.Context, sessionID string) error
	SetCurrentRound(ctx context.Context, sessionID string, round int) error
	ResetAgentProgress(ctx context.Context, sessionID string, agents []string, round int) error
	SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error

	GetSession(ctx context.Context, sessionID string) (*SessionData, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// ListIdleSessions returns the ids of sessions that are not currently
	// running and haven't been touched since before olderThan. Driven by
	// internal/scheduler's periodic maintenance sweeps, not the runner itself.
	ListIdleSessions(ctx context.Context, olderThan time.Time) ([]string, error)
}

// Broadcaster fans a session's events out to its live WebSocket
// subscribers. Concrete WS plumbing lives in internal/gateway; the runner
// only needs to know whether a send happened and whether anyone is still
// listening (for idle-pool cleanup).
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, eventID int64, event room.ChatEvent) (sent int, err error)
	HasSubscribers(sessionID string) bool
}

// clock lets tests substitute a deterministic time source; production code
// uses realClock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
