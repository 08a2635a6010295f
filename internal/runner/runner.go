// Package runner wires the Chat Room and Card Engine to a pluggable
// persistent store and broadcaster: it is the glue the rest of the engine
// sits behind, but holds no transport (HTTP/WebSocket) or storage-backend
// code of its own.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/baseagent"
	"github.com/multiagents/conclave/internal/cards"
	"github.com/multiagents/conclave/internal/protocol"
	"github.com/multiagents/conclave/internal/room"
)

const (
	defaultIdleTimeout  = 1800 * time.Second
	defaultSendTimeout  = 120 * time.Second
	defaultParseTimeout = 1200 * time.Second
	defaultWarmupTTL    = 300 * time.Second
	defaultAckTTL       = 300 * time.Second
)

// Config holds the tunables a SessionRunner is constructed with. Zero
// values fall back to the engine defaults.
type Config struct {
	IdleTimeout       time.Duration
	SendTimeout       time.Duration
	ParseTimeout      time.Duration
	HardTimeout       time.Duration // 0 = off
	WarmupTTL         time.Duration
	AckTTL            time.Duration
	Persistent        bool // true = real-time message-passing mode, false = round-batched
	BypassPermissions bool
	ScriptsDir        string // prepended to subprocess PATH
	ServiceURL        string // MULTIAGENTS_URL
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.ParseTimeout == 0 {
		c.ParseTimeout = defaultParseTimeout
	}
	if c.WarmupTTL == 0 {
		c.WarmupTTL = defaultWarmupTTL
	}
	if c.AckTTL == 0 {
		c.AckTTL = defaultAckTTL
	}
	return c
}

type pendingRun struct {
	prompt     string
	personas   []Persona
	startRound int
}

// cardSession tracks the card-engine-driven auto-advancement state for one
// session: the engine itself and which card is currently in motion.
type cardSession struct {
	engine       *cards.Engine
	activeCardID string
}

// SessionRunner owns every live session's ChatRoom, warmed agent pool, and
// card engine, and is the only component that talks to both Store and
// Broadcaster.
type SessionRunner struct {
	store       Store
	broadcaster Broadcaster
	cfg         Config

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	running     map[string]bool
	rooms       map[string]*room.Room
	pendingRuns map[string]*pendingRun
	agentPools  map[string]map[string]*baseagent.Agent
	warmingUp   map[string]bool
	idleCleanup map[string]*time.Timer
	cardSess    map[string]*cardSession
	lastReply   map[string]map[string]string // sessionID -> agentName -> last completed text
}

// New constructs a SessionRunner over the given Store and Broadcaster.
func New(store Store, broadcaster Broadcaster, cfg Config) *SessionRunner {
	return &SessionRunner{
		store:       store,
		broadcaster: broadcaster,
		cfg:         cfg.withDefaults(),
		cancels:     map[string]context.CancelFunc{},
		running:     map[string]bool{},
		rooms:       map[string]*room.Room{},
		pendingRuns: map[string]*pendingRun{},
		agentPools:  map[string]map[string]*baseagent.Agent{},
		warmingUp:   map[string]bool{},
		idleCleanup: map[string]*time.Timer{},
		cardSess:    map[string]*cardSession{},
		lastReply:   map[string]map[string]string{},
	}
}

// IsRunning reports whether a discussion (or a queued pending run) currently
// occupies the session.
func (r *SessionRunner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[sessionID] {
		return true
	}
	_, ok := r.pendingRuns[sessionID]
	return ok
}

// NotifySubscribed cancels any pending idle cleanup for the session — a new
// subscriber is reason enough to keep a warmed pool alive.
func (r *SessionRunner) NotifySubscribed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelIdleCleanupLocked(sessionID)
}

// NotifyUnsubscribed schedules idle-pool cleanup once the last subscriber
// has gone, unless the session is actively running.
func (r *SessionRunner) NotifyUnsubscribed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[sessionID] || r.broadcaster.HasSubscribers(sessionID) {
		return
	}
	r.scheduleIdleCleanupLocked(sessionID)
}

func (r *SessionRunner) cancelIdleCleanupLocked(sessionID string) {
	if t, ok := r.idleCleanup[sessionID]; ok {
		t.Stop()
		delete(r.idleCleanup, sessionID)
	}
}

func (r *SessionRunner) scheduleIdleCleanupLocked(sessionID string) {
	if r.cfg.WarmupTTL <= 0 {
		return
	}
	if _, ok := r.idleCleanup[sessionID]; ok {
		return
	}
	r.idleCleanup[sessionID] = time.AfterFunc(r.cfg.WarmupTTL, func() {
		r.mu.Lock()
		delete(r.idleCleanup, sessionID)
		running := r.running[sessionID]
		hasSubs := r.broadcaster.HasSubscribers(sessionID)
		r.mu.Unlock()
		if running || hasSubs {
			return
		}
		r.CleanupSession(sessionID)
	})
}

// RunPrompt starts a discussion, or queues it to start immediately after the
// current one finishes if the session is already running.
func (r *SessionRunner) RunPrompt(sessionID, prompt string, personas []Persona, startRound int) {
	r.mu.Lock()
	r.cancelIdleCleanupLocked(sessionID)
	if r.running[sessionID] {
		r.pendingRuns[sessionID] = &pendingRun{prompt: prompt, personas: personas, startRound: startRound}
		r.mu.Unlock()
		return
	}
	r.running[sessionID] = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[sessionID] = cancel
	r.mu.Unlock()

	go r.execute(ctx, sessionID, prompt, personas, startRound)
}

func (r *SessionRunner) startPendingRunLocked(sessionID string) {
	pending, ok := r.pendingRuns[sessionID]
	if !ok {
		return
	}
	delete(r.pendingRuns, sessionID)
	r.running[sessionID] = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[sessionID] = cancel
	go r.execute(ctx, sessionID, pending.prompt, pending.personas, pending.startRound)
}

// InjectMessage broadcasts a user message into a running session's room.
func (r *SessionRunner) InjectMessage(sessionID, text string) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.InjectUserMessage(text)
	}
}

// StopAgent interrupts one in-flight agent turn.
func (r *SessionRunner) StopAgent(sessionID, agentName string) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.StopAgent(agentName)
	}
}

// StopRound interrupts every in-flight agent turn and pauses the round
// until Resume is called or new input arrives.
func (r *SessionRunner) StopRound(sessionID string) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.StopRound(true)
	}
}

// Resume releases a round paused by StopRound.
func (r *SessionRunner) Resume(sessionID string) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.Resume()
	}
}

// RestartAgent sends a direct message to one agent (coalesced by the room's
// DM debounce window).
func (r *SessionRunner) RestartAgent(sessionID, agentName, text string) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.RestartAgent(agentName, text)
	}
}

// RespondToPermission forwards an approval/denial decision into the room.
func (r *SessionRunner) RespondToPermission(sessionID, agentName string, resp protocol.PermissionResponse) {
	if rm := r.getRoom(sessionID); rm != nil {
		rm.RespondToPermission(agentName, resp)
	}
}

// Cancel stops the running discussion for a session and drops any queued
// pending run.
func (r *SessionRunner) Cancel(sessionID string) {
	r.mu.Lock()
	cancel := r.cancels[sessionID]
	rm := r.rooms[sessionID]
	delete(r.pendingRuns, sessionID)
	r.mu.Unlock()
	if rm != nil {
		rm.StopRound(false)
	}
	if cancel != nil {
		cancel()
	}
}

func (r *SessionRunner) getRoom(sessionID string) *room.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[sessionID]
}

// WarmupAgents pays the CLI cold-start cost up front by running a trivial
// [PASS] turn for every persona, so the first real message skips it.
func (r *SessionRunner) WarmupAgents(ctx context.Context, sessionID string, personas []Persona) map[string]*baseagent.Agent {
	agentSessionIDs, _ := r.store.GetAgentSessionIDs(ctx, sessionID)
	sessionData, _ := r.store.GetSession(ctx, sessionID)
	workingDir := ""
	if sessionData != nil {
		workingDir = sessionData.WorkingDir
	}

	participants, roles := personaContext(personas)
	warmed := map[string]*baseagent.Agent{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, p := range personas {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent := r.buildAgent(p, sessionID, workingDir, agentSessionIDs[p.Name])

			prompt := room.FormatSessionContext(p.Name, participants, roles[p.Name]) +
				"\n\nPlease respond with exactly [PASS]."
			warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			for item := range agent.Stream(warmCtx, prompt, 30*time.Second) {
				if item.Response != nil {
					if sid := agent.SessionID(); sid != "" {
						_ = r.store.SaveAgentSessionID(ctx, sessionID, p.Name, sid)
					}
					slog.Info("agent warmed up", "agent", p.Name, "latency_ms", item.Response.LatencyMs)
				}
			}
			cancel()

			mu.Lock()
			warmed[p.Name] = agent
			mu.Unlock()
		}()
	}
	wg.Wait()

	r.mu.Lock()
	r.agentPools[sessionID] = warmed
	delete(r.warmingUp, sessionID)
	r.mu.Unlock()
	slog.Info("session warmup complete", "session", sessionID, "ready", len(warmed), "total", len(personas))
	return warmed
}

// StartWarmup kicks off WarmupAgents in the background, unless the session
// is already warming, already warmed, or actively running.
func (r *SessionRunner) StartWarmup(sessionID string, personas []Persona) {
	r.mu.Lock()
	if r.warmingUp[sessionID] {
		r.mu.Unlock()
		return
	}
	if _, warmed := r.agentPools[sessionID]; warmed {
		r.mu.Unlock()
		return
	}
	if r.running[sessionID] {
		r.mu.Unlock()
		return
	}
	r.cancelIdleCleanupLocked(sessionID)
	r.warmingUp[sessionID] = true
	r.mu.Unlock()

	go r.WarmupAgents(context.Background(), sessionID, personas)
}

func (r *SessionRunner) buildAgent(p Persona, sessionID, workingDir, cliSessionID string) *baseagent.Agent {
	agent := NewAgent(p, r.cfg.BypassPermissions)
	agent.ParseTimeout = r.cfg.ParseTimeout
	if workingDir != "" {
		agent.ProjectDir = workingDir
	}
	if cliSessionID != "" {
		agent.ResumeWithSessionID(cliSessionID)
	}
	agent.ExtraEnv = r.subprocessEnv(sessionID)
	return agent
}

// subprocessEnv builds the environment variables injected into every agent
// subprocess: the session id and base URL so a spawned `multiagents-cards`
// (or similar) helper script can reach the control plane, and a prepended
// scripts directory on PATH so those helper scripts are found at all.
func (r *SessionRunner) subprocessEnv(sessionID string) map[string]string {
	env := map[string]string{}
	if sessionID != "" {
		env["MULTIAGENTS_SESSION"] = sessionID
	}
	if r.cfg.ServiceURL != "" {
		env["MULTIAGENTS_URL"] = r.cfg.ServiceURL
	}
	if r.cfg.ScriptsDir != "" {
		env["PATH"] = r.cfg.ScriptsDir + ":$PATH"
	}
	return env
}

// getWarmedAgents returns pooled agents where available, creating fresh
// ones (and restoring their CLI session ids) for any persona not yet warm.
func (r *SessionRunner) getWarmedAgents(ctx context.Context, sessionID string, personas []Persona, workingDir string) []*baseagent.Agent {
	r.mu.Lock()
	pool := r.agentPools[sessionID]
	r.mu.Unlock()

	var agents []*baseagent.Agent
	var missing []Persona
	for _, p := range personas {
		if pool != nil {
			if agent, ok := pool[p.Name]; ok {
				agent.ParseTimeout = r.cfg.ParseTimeout
				agents = append(agents, agent)
				continue
			}
		}
		missing = append(missing, p)
	}

	if len(missing) > 0 {
		agentSessionIDs, _ := r.store.GetAgentSessionIDs(ctx, sessionID)
		for _, p := range missing {
			agents = append(agents, r.buildAgent(p, sessionID, workingDir, agentSessionIDs[p.Name]))
		}
	}
	return agents
}

// AddAgent adds a new participant ahead of the next discussion. The Room
// itself has no notion of adding agents mid-round; a participant added here
// takes effect the next time RunPrompt rebuilds the room's agent set.
func (r *SessionRunner) AddAgent(ctx context.Context, sessionID string, p Persona) {
	sessionData, _ := r.store.GetSession(ctx, sessionID)
	workingDir := ""
	if sessionData != nil {
		workingDir = sessionData.WorkingDir
	}
	agent := r.buildAgent(p, sessionID, workingDir, "")

	r.mu.Lock()
	pool := r.agentPools[sessionID]
	if pool == nil {
		pool = map[string]*baseagent.Agent{}
		r.agentPools[sessionID] = pool
	}
	pool[p.Name] = agent
	r.mu.Unlock()
}

// RemoveAgent drops a participant from a session's warmed pool. Like
// AddAgent, this takes effect on the next RunPrompt.
func (r *SessionRunner) RemoveAgent(sessionID, name string) {
	r.mu.Lock()
	pool := r.agentPools[sessionID]
	var agent *baseagent.Agent
	if pool != nil {
		agent = pool[name]
		delete(pool, name)
	}
	r.mu.Unlock()

	if agent != nil {
		_ = agent.Shutdown()
	}
}

// CleanupSession tears down a session's warmed agent pool without touching
// its persisted state.
func (r *SessionRunner) CleanupSession(sessionID string) {
	r.mu.Lock()
	r.cancelIdleCleanupLocked(sessionID)
	pool := r.agentPools[sessionID]
	delete(r.agentPools, sessionID)
	r.mu.Unlock()

	for _, agent := range pool {
		_ = agent.Shutdown()
	}
}

// DeleteSession fully tears a session down: cancels any running discussion,
// cleans up agents, and removes every trace from the store.
func (r *SessionRunner) DeleteSession(ctx context.Context, sessionID string) {
	r.Cancel(sessionID)
	r.CleanupSession(sessionID)

	r.mu.Lock()
	delete(r.cardSess, sessionID)
	delete(r.rooms, sessionID)
	delete(r.pendingRuns, sessionID)
	delete(r.cancels, sessionID)
	delete(r.lastReply, sessionID)
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		slog.Error("delete session", "session", sessionID, "error", err)
	}
}

func personaContext(personas []Persona) ([]room.Participant, map[string]string) {
	participants := make([]room.Participant, len(personas))
	roles := make(map[string]string, len(personas))
	for i, p := range personas {
		participants[i] = room.Participant{Name: p.Name, Type: p.AgentType}
		roles[p.Name] = p.Role
	}
	return participants, roles
}

// --- card management -------------------------------------------------

func (r *SessionRunner) getOrCreateCardSession(ctx context.Context, sessionID string, agents []string) *cardSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.cardSess[sessionID]
	if ok {
		return cs
	}
	cs = &cardSession{engine: cards.NewEngine(agents)}
	if stored, err := r.store.GetCards(ctx, sessionID); err == nil {
		cs.engine.LoadCards(stored)
	}
	r.cardSess[sessionID] = cs
	return cs
}

// CreateCard creates a new task card for the session's board.
func (r *SessionRunner) CreateCard(ctx context.Context, sessionID string, agents []string, title, description, planner, implementer, reviewer, coordinator string) (*cards.Card, error) {
	cs := r.getOrCreateCardSession(ctx, sessionID, agents)
	card := cs.engine.CreateCard(title, description, planner, implementer, reviewer, coordinator)
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		return nil, fmt.Errorf("save card: %w", err)
	}
	return card, nil
}

// GetCards returns every card on a session's board.
func (r *SessionRunner) GetCards(ctx context.Context, sessionID string, agents []string) []*cards.Card {
	cs := r.getOrCreateCardSession(ctx, sessionID, agents)
	return cs.engine.GetCards()
}

// DeleteCard removes a card from the board.
func (r *SessionRunner) DeleteCard(ctx context.Context, sessionID, cardID string, agents []string) error {
	cs := r.getOrCreateCardSession(ctx, sessionID, agents)
	if err := cs.engine.DeleteCard(cardID); err != nil {
		return err
	}
	return r.store.DeleteCard(ctx, sessionID, cardID)
}

// MarkCardDone marks a reviewing card as done (the user's final sign-off).
func (r *SessionRunner) MarkCardDone(ctx context.Context, sessionID, cardID string, agents []string) (*cards.Card, error) {
	cs := r.getOrCreateCardSession(ctx, sessionID, agents)
	card, err := cs.engine.MarkDone(cardID)
	if err != nil {
		return nil, err
	}
	_ = r.store.SaveCard(ctx, sessionID, card)
	return card, nil
}

// StartCard kicks a backlog card into motion, delivering the first phase's
// prompt to whichever agent (coordinator or planner) goes first.
func (r *SessionRunner) StartCard(ctx context.Context, sessionID, cardID string, agents []string) (*cards.Card, error) {
	cs := r.getOrCreateCardSession(ctx, sessionID, agents)
	card, prompt, err := cs.engine.StartCard(cardID)
	if err != nil {
		return nil, err
	}
	_ = r.store.SaveCard(ctx, sessionID, card)

	r.mu.Lock()
	cs.activeCardID = cardID
	r.mu.Unlock()

	if target := resolveCardAgent(card); target != "" && prompt != "" {
		r.RestartAgent(sessionID, target, prompt)
	}
	return card, nil
}

// resolveCardAgent picks which agent a card's current phase/stage should be
// delivered to next.
func resolveCardAgent(card *cards.Card) string {
	switch card.Status {
	case cards.StatusCoordinating:
		return card.Coordinator
	case cards.StatusPlanning:
		return card.Planner
	case cards.StatusReviewing:
		if card.Coordinator != "" {
			return card.Coordinator
		}
		return card.Reviewer
	case cards.StatusImplementing:
		return card.Implementer
	default:
		return ""
	}
}

// onCardAgentCompleted advances a card's state machine once its assigned
// agent finishes a turn, and delivers the next phase's prompt (if any) to
// whichever agent owns it next.
func (r *SessionRunner) onCardAgentCompleted(ctx context.Context, sessionID, agentName, content string) {
	r.mu.Lock()
	cs, ok := r.cardSess[sessionID]
	var cardID string
	if ok {
		cardID = cs.activeCardID
	}
	r.mu.Unlock()
	if !ok || cardID == "" {
		return
	}

	card, prompt, err := cs.engine.OnAgentCompleted(cardID, agentName, content)
	if err != nil {
		slog.Warn("card turn advance failed", "session", sessionID, "card", cardID, "error", err)
		return
	}
	_ = r.store.SaveCard(ctx, sessionID, card)
	if card.Status == cards.StatusDone {
		r.mu.Lock()
		cs.activeCardID = ""
		r.mu.Unlock()
		return
	}
	if prompt == "" {
		return
	}
	if target := resolveCardAgent(card); target != "" {
		r.RestartAgent(sessionID, target, prompt)
	}
}

// --- discussion execution ---------------------------------------------

// execute drives one full discussion: builds the Room, consumes its
// ChatEvents, persists/broadcasts each, and starts the next queued run (if
// any) once the room settles.
func (r *SessionRunner) execute(ctx context.Context, sessionID, prompt string, personas []Persona, startRound int) {
	defer func() {
		r.mu.Lock()
		r.running[sessionID] = false
		delete(r.cancels, sessionID)
		r.startPendingRunLocked(sessionID)
		stillRunning := r.running[sessionID]
		r.mu.Unlock()

		if !stillRunning {
			_ = r.store.ClearInFlight(ctx, sessionID)
			_ = r.store.SetRunning(ctx, sessionID, false)
			if !r.broadcaster.HasSubscribers(sessionID) {
				r.NotifyUnsubscribed(sessionID)
			}
		}
	}()

	sessionData, _ := r.store.GetSession(ctx, sessionID)
	workingDir := ""
	if sessionData != nil {
		workingDir = sessionData.WorkingDir
	}

	agents := r.getWarmedAgents(ctx, sessionID, personas, workingDir)
	roomAgents := make([]room.Agent, len(agents))
	agentNames := make([]string, len(agents))
	for i, a := range agents {
		roomAgents[i] = a
		agentNames[i] = a.AgentName()
	}

	participants, roles := personaContext(personas)
	cs := r.getOrCreateCardSession(ctx, sessionID, agentNames)

	rm := room.NewRoom(roomAgents, r.cfg.IdleTimeout)
	rm.WorkingDir = workingDir
	rm.Participants = participants
	rm.Roles = roles
	rm.ContextProvider = func(agentName string) map[string]string {
		board := cs.engine.GetCardsForAgent(agentName)
		if len(board) == 0 {
			return nil
		}
		roomCards := make([]room.Card, len(board))
		for i, c := range board {
			roomCards[i] = room.Card{
				ID: c.ID, Title: c.Title, Status: string(c.Status),
				Coordinator: c.Coordinator, Planner: c.Planner,
				Implementer: c.Implementer, Reviewer: c.Reviewer,
			}
		}
		return map[string]string{"cards": room.FormatCardsSection(roomCards, agentName)}
	}

	r.mu.Lock()
	r.rooms[sessionID] = rm
	r.mu.Unlock()

	_ = r.store.SetRunning(ctx, sessionID, true)
	_ = r.store.ResetAgentProgress(ctx, sessionID, agentNames, startRound)

	var events <-chan room.ChatEvent
	if r.cfg.Persistent {
		events = rm.RunPersistent(ctx, prompt, startRound)
	} else {
		events = rm.Run(ctx, prompt, startRound)
	}

	for ev := range events {
		r.handleEvent(ctx, sessionID, ev)
	}

	r.mu.Lock()
	delete(r.rooms, sessionID)
	r.mu.Unlock()
}

func (r *SessionRunner) handleEvent(ctx context.Context, sessionID string, ev room.ChatEvent) {
	eventID, err := r.store.ReserveEventID(ctx, sessionID)
	if err != nil {
		slog.Error("reserve event id", "session", sessionID, "error", err)
		return
	}
	if err := r.store.SaveEvent(ctx, sessionID, eventID, ev); err != nil {
		slog.Error("save event", "session", sessionID, "error", err)
	}
	if _, err := r.broadcaster.Broadcast(ctx, sessionID, eventID, ev); err != nil {
		slog.Warn("broadcast failed", "session", sessionID, "kind", ev.Kind, "error", err)
	}

	switch ev.Kind {
	case room.RoundStarted:
		_ = r.store.SetCurrentRound(ctx, sessionID, ev.RoundNumber)
		for _, name := range ev.Agents {
			_ = r.store.SetAgentStatus(ctx, sessionID, name, "running", ev.RoundNumber)
		}

	case room.AgentCompleted:
		if ev.Response == nil {
			return
		}
		_ = r.store.SetAgentStatus(ctx, sessionID, ev.AgentName, "idle", 0)
		if ev.Passed {
			return
		}
		_ = r.store.SaveMessage(ctx, sessionID, ev.AgentName, ev.Response.Response, 0, false)

		r.mu.Lock()
		replies := r.lastReply[sessionID]
		if replies == nil {
			replies = map[string]string{}
			r.lastReply[sessionID] = replies
		}
		replies[ev.AgentName] = ev.Response.Response
		r.mu.Unlock()

		r.onCardAgentCompleted(ctx, sessionID, ev.AgentName, ev.Response.Response)

	case room.AgentInterrupted:
		_ = r.store.SetAgentStatus(ctx, sessionID, ev.AgentName, "idle", 0)

	case room.RoundEnded:
		r.mu.Lock()
		replies := r.lastReply[sessionID]
		delete(r.lastReply, sessionID)
		r.mu.Unlock()
		if len(replies) > 0 {
			r.maybeParseDelegation(ctx, sessionID, replies)
		}

	case room.DiscussionEnded:
		slog.Info("discussion ended", "session", sessionID, "reason", ev.Reason)
	}
}

// maybeParseDelegation checks whether the session's active card is waiting
// on a coordinator's role-assignment delegation, and if so tries to parse
// this round's replies into a complete role set.
func (r *SessionRunner) maybeParseDelegation(ctx context.Context, sessionID string, replies map[string]string) {
	r.mu.Lock()
	cs, ok := r.cardSess[sessionID]
	var cardID string
	if ok {
		cardID = cs.activeCardID
	}
	r.mu.Unlock()
	if !ok || cardID == "" {
		return
	}

	card, err := cs.engine.ParseDelegationResponse(cardID, replies)
	if err != nil || card == nil {
		return
	}
	_ = r.store.SaveCard(ctx, sessionID, card)
}
