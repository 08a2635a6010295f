package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/multiagents/conclave/internal/protocol"
	"github.com/multiagents/conclave/internal/room"
	"github.com/multiagents/conclave/internal/runner"
	"github.com/multiagents/conclave/internal/secrets"
)

// rateLimitWindow and rateLimitMax bound inbound control messages per
// client: at most rateLimitMax requests in any rolling rateLimitWindow.
const (
	rateLimitWindow = 10 * time.Second
	rateLimitMax    = 100
)

// Store is the subset of persistence the hub needs beyond the runner's own
// Store: session bootstrapping (working dir + config), which is a
// gateway-only concern the runner never touches directly. A
// *storage.SQLiteStore satisfies this structurally.
type Store interface {
	runner.Store
	SaveSessionConfig(ctx context.Context, sessionID, workingDir string, cfg map[string]any) error
}

// Client represents one connected WebSocket client, subscribed to at most
// one session at a time.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	sessionID string
	limiter   *rateLimiter
}

// Hub bridges a runner.SessionRunner's event stream to WebSocket clients
// and implements runner.Broadcaster so the runner never knows about
// WebSockets directly.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	subscribers map[string]map[*Client]struct{}

	runner *runner.SessionRunner
	store  Store
	logger *slog.Logger

	recipient *age.X25519Recipient // nil = secret-field encryption disabled
}

var _ runner.Broadcaster = (*Hub)(nil)

// NewHub creates a hub wired to a session runner and its backing store.
func NewHub(r *runner.SessionRunner, store Store) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		subscribers: make(map[string]map[*Client]struct{}),
		runner:      r,
		store:       store,
		logger:      slog.Default(),
	}
}

// SetSecretEncryptor enables age encryption of config fields named like
// secrets (api keys, tokens) before a create_session payload is persisted.
func (h *Hub) SetSecretEncryptor(r *age.X25519Recipient) {
	h.recipient = r
}

// Broadcast implements runner.Broadcaster. A client whose outbound buffer is
// full is treated as a WebSocketSendFailure and dropped from the session;
// the event it missed stays in the store for replay via join_session's
// last_event_id.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, eventID int64, event room.ChatEvent) (int, error) {
	data, err := EncodeEvent(eventID, event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	h.mu.RLock()
	subs := h.subscribers[sessionID]
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	var failed []*Client
	for _, c := range targets {
		select {
		case c.send <- data:
			sent++
		default:
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.logger.Warn("ws send buffer full, dropping subscriber", "session_id", sessionID)
		h.dropClient(c)
	}
	return sent, nil
}

// HasSubscribers implements runner.Broadcaster.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID]) > 0
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// subscribe attaches a client to a session's fan-out set.
func (h *Hub) subscribe(c *Client, sessionID string) {
	h.mu.Lock()
	c.sessionID = sessionID
	set := h.subscribers[sessionID]
	if set == nil {
		set = map[*Client]struct{}{}
		h.subscribers[sessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.runner.NotifySubscribed(sessionID)
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	sessionID := c.sessionID
	lastSubscriber := false
	if sessionID != "" {
		if set := h.subscribers[sessionID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subscribers, sessionID)
				lastSubscriber = true
			}
		}
	}
	close(c.send)
	h.mu.Unlock()

	if lastSubscriber {
		h.runner.NotifyUnsubscribed(sessionID)
	}
}

// dropClient forcibly disconnects a client whose outbound buffer is full,
// without touching any durable state — it will replay via last_event_id on
// reconnect.
func (h *Hub) dropClient(c *Client) {
	c.conn.Close(websocket.StatusPolicyViolation, "send buffer exceeded")
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     h,
		limiter: newRateLimiter(),
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				c.hub.logger.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.logger.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	if frame.Type != FrameTypeRequest {
		c.hub.logger.Debug("ws unexpected frame type", "type", frame.Type)
		return
	}

	if !c.limiter.allow(time.Now()) {
		c.sendError(frame.ID, "too many messages", ErrorKindRateLimit)
		return
	}

	c.handleRequest(ctx, frame)
}

func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	switch frame.Method {
	case MethodCreateSession:
		c.handleCreateSession(ctx, frame)
	case MethodJoinSession:
		c.handleJoinSession(ctx, frame)
	case MethodMessage:
		c.handleMessage(ctx, frame)
	case MethodStopAgent:
		var p StopAgentParams
		if !c.decodeParams(frame, &p) {
			return
		}
		c.hub.runner.StopAgent(c.sessionID, p.Agent)
		c.sendOK(frame.ID, map[string]string{"status": "stopped"})
	case MethodStopRound:
		c.hub.runner.StopRound(c.sessionID)
		c.sendOK(frame.ID, map[string]string{"status": "stopped"})
	case MethodResume:
		c.hub.runner.Resume(c.sessionID)
		c.sendOK(frame.ID, map[string]string{"status": "resumed"})
	case MethodCancel:
		c.hub.runner.Cancel(c.sessionID)
		c.sendOK(frame.ID, map[string]string{"status": "cancelled"})
	case MethodDirectMessage:
		var p DirectMessageParams
		if !c.decodeParams(frame, &p) {
			return
		}
		c.hub.runner.RestartAgent(c.sessionID, p.Agent, p.Text)
		c.sendOK(frame.ID, map[string]string{"status": "sent"})
	case MethodAddAgent:
		var p AddAgentParams
		if !c.decodeParams(frame, &p) {
			return
		}
		c.hub.runner.AddAgent(ctx, c.sessionID, runner.Persona{Name: p.Name, AgentType: p.AgentType, Role: p.Role, Model: p.Model})
		c.sendOK(frame.ID, map[string]string{"status": "added"})
	case MethodRemoveAgent:
		var p RemoveAgentParams
		if !c.decodeParams(frame, &p) {
			return
		}
		c.hub.runner.RemoveAgent(c.sessionID, p.Name)
		c.sendOK(frame.ID, map[string]string{"status": "removed"})
	case MethodAck:
		var p AckParams
		if !c.decodeParams(frame, &p) {
			return
		}
		// Acks are informational for now: durable events are pruned by the
		// idle sweep, not by client acknowledgement, so there's nothing
		// further to do besides confirm receipt.
		c.sendOK(frame.ID, map[string]string{"status": "acked"})
	case MethodPermissionResponse:
		var p PermissionResponseParams
		if !c.decodeParams(frame, &p) {
			return
		}
		c.hub.runner.RespondToPermission(c.sessionID, p.Agent, protocol.PermissionResponse{RequestID: p.RequestID, Approved: p.Approved})
		c.sendOK(frame.ID, map[string]string{"status": "responded"})
	case MethodCardCreate:
		c.handleCardCreate(ctx, frame)
	case MethodCardList:
		c.handleCardList(ctx, frame)
	case MethodCardStart:
		c.handleCardStart(ctx, frame)
	case MethodCardDone:
		c.handleCardDone(ctx, frame)
	case MethodCardDelete:
		c.handleCardDelete(ctx, frame)
	default:
		c.sendError(frame.ID, "unknown method: "+string(frame.Method), ErrorKindUnknownMethod)
	}
}

func (c *Client) decodeParams(frame Frame, v any) bool {
	if frame.Params == nil {
		c.sendError(frame.ID, "missing params", ErrorKindInvalidParams)
		return false
	}
	if err := json.Unmarshal(frame.Params, v); err != nil {
		c.sendError(frame.ID, "invalid params: "+err.Error(), ErrorKindInvalidParams)
		return false
	}
	return true
}

func (c *Client) handleCreateSession(ctx context.Context, frame Frame) {
	var p CreateSessionParams
	if !c.decodeParams(frame, &p) {
		return
	}

	sessionID := uuid.New().String()
	cfg := p.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if c.hub.recipient != nil {
		encryptSecretFields(cfg, c.hub.recipient)
	}

	if err := c.hub.store.SaveSessionConfig(ctx, sessionID, p.WorkingDir, cfg); err != nil {
		c.sendError(frame.ID, "create session: "+err.Error(), ErrorKindInternal)
		return
	}

	c.hub.subscribe(c, sessionID)
	c.sendOK(frame.ID, map[string]string{"session_id": sessionID, "status": "created"})
}

func (c *Client) handleJoinSession(ctx context.Context, frame Frame) {
	var p JoinSessionParams
	if !c.decodeParams(frame, &p) {
		return
	}

	data, err := c.hub.store.GetSession(ctx, p.SessionID)
	if err != nil {
		c.sendError(frame.ID, "load session: "+err.Error(), ErrorKindInternal)
		return
	}
	if data == nil {
		c.sendError(frame.ID, "unknown session: "+p.SessionID, ErrorKindUnknownSession)
		return
	}

	c.hub.subscribe(c, p.SessionID)

	missed, err := c.hub.store.GetEventsSince(ctx, p.SessionID, p.LastEventID)
	if err != nil {
		c.sendError(frame.ID, "replay events: "+err.Error(), ErrorKindInternal)
		return
	}
	for _, stored := range missed {
		wire, err := EncodeEvent(stored.EventID, stored.Event)
		if err != nil {
			continue
		}
		select {
		case c.send <- wire:
		default:
		}
	}

	c.sendOK(frame.ID, map[string]any{"session_id": p.SessionID, "status": "joined", "replayed": len(missed)})
}

func (c *Client) handleMessage(ctx context.Context, frame Frame) {
	var p MessageParams
	if !c.decodeParams(frame, &p) {
		return
	}
	if c.sessionID == "" {
		c.sendError(frame.ID, "not joined to a session", ErrorKindInvalidParams)
		return
	}

	if c.hub.runner.IsRunning(c.sessionID) {
		c.hub.runner.InjectMessage(c.sessionID, p.Text)
		c.sendOK(frame.ID, map[string]string{"status": "injected"})
		return
	}

	data, err := c.hub.store.GetSession(ctx, c.sessionID)
	if err != nil {
		c.sendError(frame.ID, "load session: "+err.Error(), ErrorKindInternal)
		return
	}
	var personas []runner.Persona
	if data != nil {
		personas = personasFromConfig(data.Config)
	}
	if len(personas) == 0 {
		c.sendError(frame.ID, "session has no agents configured", ErrorKindInvalidParams)
		return
	}

	c.hub.runner.RunPrompt(c.sessionID, p.Text, personas, 0)
	c.sendOK(frame.ID, map[string]string{"status": "started"})
}

func (c *Client) handleCardCreate(ctx context.Context, frame Frame) {
	var p CardCreateParams
	if !c.decodeParams(frame, &p) {
		return
	}
	card, err := c.hub.runner.CreateCard(ctx, c.sessionID, p.Agents, p.Title, p.Description, p.Planner, p.Implementer, p.Reviewer, p.Coordinator)
	if err != nil {
		c.sendError(frame.ID, err.Error(), ErrorKindInternal)
		return
	}
	c.sendOK(frame.ID, card)
}

func (c *Client) handleCardList(ctx context.Context, frame Frame) {
	var p CardListParams
	if !c.decodeParams(frame, &p) {
		return
	}
	c.sendOK(frame.ID, c.hub.runner.GetCards(ctx, c.sessionID, p.Agents))
}

func (c *Client) handleCardStart(ctx context.Context, frame Frame) {
	var p CardIDParams
	if !c.decodeParams(frame, &p) {
		return
	}
	card, err := c.hub.runner.StartCard(ctx, c.sessionID, p.CardID, p.Agents)
	if err != nil {
		c.sendError(frame.ID, err.Error(), ErrorKindInternal)
		return
	}
	c.sendOK(frame.ID, card)
}

func (c *Client) handleCardDone(ctx context.Context, frame Frame) {
	var p CardIDParams
	if !c.decodeParams(frame, &p) {
		return
	}
	card, err := c.hub.runner.MarkCardDone(ctx, c.sessionID, p.CardID, p.Agents)
	if err != nil {
		c.sendError(frame.ID, err.Error(), ErrorKindInternal)
		return
	}
	c.sendOK(frame.ID, card)
}

func (c *Client) handleCardDelete(ctx context.Context, frame Frame) {
	var p CardIDParams
	if !c.decodeParams(frame, &p) {
		return
	}
	if err := c.hub.runner.DeleteCard(ctx, c.sessionID, p.CardID, p.Agents); err != nil {
		c.sendError(frame.ID, err.Error(), ErrorKindInternal)
		return
	}
	c.sendOK(frame.ID, map[string]string{"status": "deleted"})
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "", "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(id string, errMsg, errKind string) {
	f, err := NewResponseFrame(id, false, nil, errMsg, errKind)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
	h.subscribers = make(map[string]map[*Client]struct{})
}

// rateLimiter is a rolling-window counter, one per client connection.
type rateLimiter struct {
	mu    sync.Mutex
	times []time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{}
}

func (rl *rateLimiter) allow(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rateLimitWindow)
	kept := rl.times[:0]
	for _, t := range rl.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rl.times = kept
	if len(rl.times) >= rateLimitMax {
		return false
	}
	rl.times = append(rl.times, now)
	return true
}

// personasFromConfig reconstructs the agent roster a session was created
// with from its persisted config blob (round-tripped through JSON, so
// nested values decode as map[string]any/[]any rather than concrete types).
func personasFromConfig(cfg map[string]any) []runner.Persona {
	raw, ok := cfg["agents"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	personas := make([]runner.Persona, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := runner.Persona{
			Name:      stringField(m, "name"),
			AgentType: stringField(m, "agent_type"),
			Role:      stringField(m, "role"),
			Model:     stringField(m, "model"),
		}
		if p.Name != "" && p.AgentType != "" {
			personas = append(personas, p)
		}
	}
	return personas
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// encryptSecretFields replaces string config values whose key looks like it
// carries a credential with an age-encrypted blob before persistence.
func encryptSecretFields(cfg map[string]any, recipient *age.X25519Recipient) {
	for k, v := range cfg {
		if !looksLikeSecretKey(k) {
			continue
		}
		s, ok := v.(string)
		if !ok || secrets.IsEncrypted(s) {
			continue
		}
		enc, err := secrets.Encrypt(s, recipient)
		if err != nil {
			continue
		}
		cfg[k] = enc
	}
}

func looksLikeSecretKey(key string) bool {
	for _, suffix := range []string{"_key", "_token", "_secret", "_password"} {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}
