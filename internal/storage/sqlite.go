package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/multiagents/conclave/internal/cards"
	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements runner.Store backed by a local SQLite file. It
// replaces the per-session JSONL layout EventLogger and tasks.FileStore used
// for the task-runner domain with a single relational store sized for a
// session's full event/message/card history.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ runner.Store = (*SQLiteStore)(nil)

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithLogger attaches a structured logger; ReserveEventID logs each reserved
// id at debug level. Without it, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *SQLiteStore) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewSQLiteStore opens (and if needed, creates) a SQLite database at dbPath.
// A single connection is held open (SetMaxOpenConns(1)) so concurrent
// sessions serialize through one writer instead of racing separate
// connections into SQLITE_BUSY.
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL DEFAULT '',
			config TEXT,
			running INTEGER NOT NULL DEFAULT 0,
			current_round INTEGER NOT NULL DEFAULT 0,
			next_event_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			round INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cards (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			cli_session_id TEXT NOT NULL,
			PRIMARY KEY (session_id, agent_name)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_progress (
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			round INTEGER NOT NULL,
			PRIMARY KEY (session_id, agent_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSessionRow(ctx context.Context, tx *sql.Tx, sessionID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sessionID, now, now,
	)
	return err
}

// ReserveEventID atomically allocates the next monotonic event id for a
// session, creating the session row on first use.
func (s *SQLiteStore) ReserveEventID(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reserve event id: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.ensureSessionRow(ctx, tx, sessionID); err != nil {
		return 0, fmt.Errorf("reserve event id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET next_event_id = next_event_id + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), sessionID,
	); err != nil {
		return 0, fmt.Errorf("reserve event id: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT next_event_id FROM sessions WHERE id = ?`, sessionID).Scan(&id); err != nil {
		return 0, fmt.Errorf("reserve event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reserve event id: %w", err)
	}
	s.logger.Debug("sqlite: reserved event id", "session", sessionID, "event_id", id)
	return id, nil
}

// SaveEvent persists one event under its reserved id.
func (s *SQLiteStore) SaveEvent(ctx context.Context, sessionID string, eventID int64, event room.ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("save event: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (session_id, event_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, eventID, string(event.Kind), payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// GetEventsSince returns events with id greater than afterEventID, ordered
// ascending — used to replay missed events to a reconnecting subscriber.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, sessionID string, afterEventID int64) ([]runner.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, payload FROM events WHERE session_id = ? AND event_id > ? ORDER BY event_id ASC`,
		sessionID, afterEventID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events since: %w", err)
	}
	defer rows.Close()

	var out []runner.StoredEvent
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("get events since: scan: %w", err)
		}
		var ev room.ChatEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("get events since: unmarshal: %w", err)
		}
		out = append(out, runner.StoredEvent{EventID: id, Event: ev})
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than minEventID, bounding replay-log
// growth for long-running persistent sessions.
func (s *SQLiteStore) PruneEvents(ctx context.Context, sessionID string, minEventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND event_id < ?`, sessionID, minEventID,
	)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// ClearEvents removes every event for a session.
func (s *SQLiteStore) ClearEvents(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

// SaveMessage appends one chat-history row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, round, passed, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, role, content, round, boolToInt(passed), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns a session's full chat history, chronological.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]runner.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, round, passed FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []runner.StoredMessage
	for rows.Next() {
		var m runner.StoredMessage
		var passed int
		if err := rows.Scan(&m.Role, &m.Content, &m.Round, &passed); err != nil {
			return nil, fmt.Errorf("get messages: scan: %w", err)
		}
		m.Passed = passed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveCard upserts a task card's full state as JSON.
func (s *SQLiteStore) SaveCard(ctx context.Context, sessionID string, card *cards.Card) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("save card: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cards (session_id, id, payload, updated_at) VALUES (?, ?, ?, ?)`,
		sessionID, card.ID, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save card: %w", err)
	}
	return nil
}

// DeleteCard removes one card.
func (s *SQLiteStore) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE session_id = ? AND id = ?`, sessionID, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

// GetCards returns every card for a session.
func (s *SQLiteStore) GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cards WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get cards: %w", err)
	}
	defer rows.Close()

	var out []*cards.Card
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("get cards: scan: %w", err)
		}
		var c cards.Card
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("get cards: unmarshal: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetAgentSessionIDs returns the last known CLI session id per agent, used
// to resume persistent subprocesses across a server restart.
func (s *SQLiteStore) GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, cli_session_id FROM agent_sessions WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get agent session ids: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, cliID string
		if err := rows.Scan(&name, &cliID); err != nil {
			return nil, fmt.Errorf("get agent session ids: scan: %w", err)
		}
		out[name] = cliID
	}
	return out, rows.Err()
}

// SaveAgentSessionID records the CLI-side session id an agent reported.
func (s *SQLiteStore) SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_sessions (session_id, agent_name, cli_session_id) VALUES (?, ?, ?)`,
		sessionID, agentName, cliSessionID,
	)
	if err != nil {
		return fmt.Errorf("save agent session id: %w", err)
	}
	return nil
}

// SetRunning flags whether a discussion is actively executing.
func (s *SQLiteStore) SetRunning(ctx context.Context, sessionID string, running bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.ensureSessionRow(ctx, tx, sessionID); err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET running = ?, updated_at = ? WHERE id = ?`,
		boolToInt(running), time.Now().Unix(), sessionID,
	); err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	return tx.Commit()
}

// ClearInFlight drops any stale running=true state left behind by a process
// that died mid-round, so a restart doesn't believe a discussion is live.
func (s *SQLiteStore) ClearInFlight(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET running = 0 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear in flight: %w", err)
	}
	return nil
}

// SetCurrentRound records the round number a session is on.
func (s *SQLiteStore) SetCurrentRound(ctx context.Context, sessionID string, round int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set current round: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.ensureSessionRow(ctx, tx, sessionID); err != nil {
		return fmt.Errorf("set current round: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET current_round = ?, updated_at = ? WHERE id = ?`,
		round, time.Now().Unix(), sessionID,
	); err != nil {
		return fmt.Errorf("set current round: %w", err)
	}
	return tx.Commit()
}

// ResetAgentProgress marks a fresh set of agents as pending for a new round.
func (s *SQLiteStore) ResetAgentProgress(ctx context.Context, sessionID string, agents []string, round int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset agent progress: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO agent_progress (session_id, agent_name, status, round) VALUES (?, ?, 'pending', ?)`,
			sessionID, name, round,
		); err != nil {
			return fmt.Errorf("reset agent progress: %w", err)
		}
	}
	return tx.Commit()
}

// SetAgentStatus records one agent's progress within the current round.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_progress (session_id, agent_name, status, round) VALUES (?, ?, ?, ?)`,
		sessionID, agentName, status, round,
	)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// GetSession returns a session's working directory and stored config.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*runner.SessionData, error) {
	var workingDir string
	var configJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT working_dir, config FROM sessions WHERE id = ?`, sessionID,
	).Scan(&workingDir, &configJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	data := &runner.SessionData{WorkingDir: workingDir}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &data.Config); err != nil {
			return nil, fmt.Errorf("get session: unmarshal config: %w", err)
		}
	}
	return data, nil
}

// SaveSessionConfig persists a session's working directory and config blob.
// Not part of runner.Store — called directly by the gateway/CLI layer when a
// session is first created.
func (s *SQLiteStore) SaveSessionConfig(ctx context.Context, sessionID, workingDir string, cfg map[string]any) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save session config: marshal: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session config: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.ensureSessionRow(ctx, tx, sessionID); err != nil {
		return fmt.Errorf("save session config: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET working_dir = ?, config = ?, updated_at = ? WHERE id = ?`,
		workingDir, configJSON, time.Now().Unix(), sessionID,
	); err != nil {
		return fmt.Errorf("save session config: %w", err)
	}
	return tx.Commit()
}

// DeleteSession removes every row belonging to a session across all tables.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tables := []string{"events", "messages", "cards", "agent_sessions", "agent_progress"}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// SessionSummary is a row of CLI-facing session listing data: enough to
// show a session without loading its full message/event history.
type SessionSummary struct {
	ID           string
	Running      bool
	MessageCount int
	UpdatedAt    time.Time
}

// ListSessions returns every known session, most recently updated first,
// for the sessions list CLI command.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.running, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var running int
		var updatedAt int64
		if err := rows.Scan(&sum.ID, &running, &updatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		sum.Running = running != 0
		sum.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListIdleSessions returns sessions that aren't running and haven't been
// touched since before olderThan — the set internal/scheduler's periodic
// sweep prunes event history from, or reaps outright once old enough.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE running = 0 AND updated_at < ?`, olderThan.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list idle sessions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
