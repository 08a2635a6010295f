package room

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/baseagent"
	"github.com/multiagents/conclave/internal/protocol"
)

const (
	persistentReplyDirective = "Respond directly. Put all user-visible content inside <Share>...</Share>. " +
		"If no action is needed, respond with exactly [PASS]."
	relayDedupCooldown  = 8 * time.Second
	relayDedupMaxEntries = 2048
	dmDebounceWindow    = 500 * time.Millisecond
	settlementPollEvery = 200 * time.Millisecond
)

// Agent is the subset of baseagent.Agent the Room depends on. Declared as an
// interface so tests can substitute a fake instead of driving a real
// subprocess; *baseagent.Agent satisfies it directly.
type Agent interface {
	AgentName() string
	SessionID() string
	EffectiveParseTimeout() time.Duration
	Stream(ctx context.Context, prompt string, timeout time.Duration) <-chan baseagent.StreamItem
	CancelTurn() error
	RespondToPermission(protocol.PermissionResponse) error
}

var _ Agent = (*baseagent.Agent)(nil)

// ContextProvider supplies extra per-agent prompt sections (e.g. a task
// board) keyed by section name.
type ContextProvider func(agentName string) map[string]string

// inboxMsg is one queued delivery: sender kind ("user"/"system"/"dm"/agent
// name), message text, the round it belongs to, and a delivery id for ack
// tracking (empty when no ack is expected).
type inboxMsg struct {
	sender     string
	text       string
	round      int
	hasRound   bool
	deliveryID string
}

// Room drives a set of agents through either round-batched (Run) or
// real-time message-passing (RunPersistent) group conversation.
type Room struct {
	Agents          []Agent
	Timeout         time.Duration
	ContextProvider ContextProvider
	WorkingDir      string
	Participants    []Participant
	Roles           map[string]string

	History []HistoryMessage

	mu            sync.Mutex
	stopEvents    map[string]chan struct{}
	userQueue     chan string
	systemQueue   chan string
	restartQueue  chan dmRestart
	resumeCh      chan struct{}
	anyStoppedThisRound bool
	pauseOnStop   bool

	dmDebounce map[string]*dmDebounceState

	inboxes         map[string]chan inboxMsg
	recentRelays    map[relayKey]time.Time
	deliverySeq     int
	deliveryPending map[string]map[string]bool
}

type dmRestart struct {
	agent string
	text  string
}

type relayKey struct{ sender, target, text string }

type dmDebounceState struct {
	texts []string
	timer *time.Timer
}

// NewRoom constructs a Room ready to run either mode. Call Run or
// RunPersistent exactly once.
func NewRoom(agents []Agent, timeout time.Duration) *Room {
	return &Room{
		Agents:  agents,
		Timeout: timeout,
		Roles:   map[string]string{},
	}
}

func (r *Room) initControlChannels() {
	r.userQueue = make(chan string, 64)
	r.systemQueue = make(chan string, 64)
	r.restartQueue = make(chan dmRestart, 64)
	r.resumeCh = make(chan struct{}, 1)
	r.pauseOnStop = true
}

// InjectUserMessage queues a broadcast message from the human user. It also
// wakes a round paused by StopRound, since a new user message is always
// grounds to resume.
func (r *Room) InjectUserMessage(text string) {
	r.userQueue <- text
	r.Resume()
}

// InjectSystemMessage queues a broadcast system notice, waking a paused
// round the same way InjectUserMessage does.
func (r *Room) InjectSystemMessage(text string) {
	r.systemQueue <- text
	r.Resume()
}

// RestartAgent queues a direct message for a single agent. Multiple DMs
// arriving within dmDebounceWindow are coalesced into one inbox delivery,
// joined by newlines.
func (r *Room) RestartAgent(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dmDebounce == nil {
		r.dmDebounce = map[string]*dmDebounceState{}
	}
	st, ok := r.dmDebounce[name]
	if ok && st.timer != nil {
		st.timer.Stop()
	}
	if !ok {
		st = &dmDebounceState{}
		r.dmDebounce[name] = st
	}
	st.texts = append(st.texts, text)
	st.timer = time.AfterFunc(dmDebounceWindow, func() {
		r.mu.Lock()
		pending, ok := r.dmDebounce[name]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.dmDebounce, name)
		combined := strings.Join(pending.texts, "\n")
		r.mu.Unlock()
		r.restartQueue <- dmRestart{agent: name, text: combined}
		r.Resume()
	})
}

func (r *Room) cancelDebounceTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.dmDebounce {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	r.dmDebounce = map[string]*dmDebounceState{}
}

// StopAgent interrupts a single in-flight agent turn.
func (r *Room) StopAgent(name string) {
	r.mu.Lock()
	ch := r.stopEvents[name]
	r.mu.Unlock()
	if ch != nil {
		closeOnce(ch)
	}
}

// StopRound interrupts every in-flight agent turn in the current round.
// pause controls whether the room waits for Resume() before starting the
// next round.
func (r *Room) StopRound(pause bool) {
	r.mu.Lock()
	r.pauseOnStop = pause
	events := make([]chan struct{}, 0, len(r.stopEvents))
	for _, ch := range r.stopEvents {
		events = append(events, ch)
	}
	r.mu.Unlock()
	for _, ch := range events {
		closeOnce(ch)
	}
}

// Resume releases a round paused after a stop.
func (r *Room) Resume() {
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// RespondToPermission forwards an approval/denial decision to the named
// agent's live adapter.
func (r *Room) RespondToPermission(agentName string, resp protocol.PermissionResponse) {
	for _, a := range r.Agents {
		if a.AgentName() == agentName {
			_ = a.RespondToPermission(resp)
			return
		}
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Room) nextDeliveryID() string {
	r.deliverySeq++
	return "d" + strconv.Itoa(r.deliverySeq)
}

func (r *Room) enqueueDelivery(sender, message string, round int, hasRound bool, recipients []string) string {
	if len(recipients) == 0 {
		return ""
	}
	r.mu.Lock()
	deliveryID := r.nextDeliveryID()
	if r.deliveryPending == nil {
		r.deliveryPending = map[string]map[string]bool{}
	}
	pending := map[string]bool{}
	for _, name := range recipients {
		pending[name] = true
	}
	r.deliveryPending[deliveryID] = pending
	r.mu.Unlock()

	for _, name := range recipients {
		inbox := r.inboxes[name]
		if inbox == nil {
			continue
		}
		inbox <- inboxMsg{sender: sender, text: message, round: round, hasRound: hasRound, deliveryID: deliveryID}
	}
	return deliveryID
}

func (r *Room) ackDelivery(out chan<- ChatEvent, deliveryID, recipient, sender string, round int) {
	if deliveryID == "" {
		return
	}
	r.mu.Lock()
	pending, ok := r.deliveryPending[deliveryID]
	if !ok || !pending[recipient] {
		r.mu.Unlock()
		return
	}
	delete(pending, recipient)
	empty := len(pending) == 0
	if empty {
		delete(r.deliveryPending, deliveryID)
	}
	r.mu.Unlock()

	out <- ChatEvent{Kind: AgentDeliveryAcked, DeliveryID: deliveryID, Recipient: recipient, Sender: sender, RoundNumber: round}
}

func normalizeRelayText(text string) string {
	return strings.ToLower(strings.TrimSpace(strings.Join(strings.Fields(text), " ")))
}

// evictOldestRelays removes the n entries with the oldest timestamps from
// cache, implementing the cache's LRU-by-timestamp overflow policy.
func evictOldestRelays(cache map[relayKey]time.Time, n int) {
	if n <= 0 {
		return
	}
	keys := make([]relayKey, 0, len(cache))
	for k := range cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return cache[keys[i]].Before(cache[keys[j]]) })
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(cache, k)
	}
}

// shouldRelayShare reports whether sender's shareable content should be
// relayed to target, deduplicating identical relays within
// relayDedupCooldown.
func (r *Room) shouldRelayShare(sender, target, shareable string) bool {
	now := time.Now()
	normalized := normalizeRelayText(shareable)
	if normalized == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recentRelays == nil {
		r.recentRelays = map[relayKey]time.Time{}
	}
	for k, ts := range r.recentRelays {
		if now.Sub(ts) > relayDedupCooldown {
			delete(r.recentRelays, k)
		}
	}
	if len(r.recentRelays) > relayDedupMaxEntries {
		evictOldestRelays(r.recentRelays, len(r.recentRelays)-relayDedupMaxEntries)
	}

	key := relayKey{strings.ToLower(sender), strings.ToLower(target), normalized}
	if last, ok := r.recentRelays[key]; ok && now.Sub(last) < relayDedupCooldown {
		return false
	}
	r.recentRelays[key] = now
	return true
}

func (r *Room) agentRole(name string) string { return r.Roles[name] }

func (r *Room) extraContext(name string) map[string]string {
	if r.ContextProvider == nil {
		return nil
	}
	return r.ContextProvider(name)
}

func (r *Room) sessionContext(agentName string) string {
	return FormatSessionContext(agentName, r.Participants, r.agentRole(agentName))
}

func joinNonEmpty(m map[string]string, sep string) string {
	var parts []string
	for _, v := range m {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

func (r *Room) formatPersistentPrompt(agentName, sender, message string, isFirst bool) string {
	var prelude string
	if isFirst {
		extra := r.extraContext(agentName)
		prelude = r.sessionContext(agentName) + "\n\n"
		if extraSections := joinNonEmpty(extra, "\n\n"); extraSections != "" {
			prelude += extraSections + "\n\n"
		}
	}

	switch sender {
	case "user":
		return prelude + "## Incoming Event\n[User]: " + message + "\n\n" + persistentReplyDirective
	case "dm":
		return prelude + "## Direct Message from User\n" + message +
			"\n\nTreat this as a targeted directive for you.\n" + persistentReplyDirective
	case "system":
		return prelude + "## Incoming Event\n[System]: " + message + "\n\n" + persistentReplyDirective
	default:
		label := displayRole(sender)
		return prelude + "## Incoming Event\n[" + label + "] shared:\n" + message +
			"\n\nOnly respond if you can add net-new value or concrete next action.\n" + persistentReplyDirective
	}
}

func formatIncomingEvent(sender, message string) string {
	switch sender {
	case "user":
		return "[User]: " + message
	case "dm":
		return "[Direct message from user]: " + message
	case "system":
		return "[System]: " + message
	default:
		return "[" + displayRole(sender) + "] shared:\n" + message
	}
}

func (r *Room) formatPersistentEventsPrompt(agentName string, events []inboxMsg, isFirst bool) string {
	if len(events) == 1 {
		return r.formatPersistentPrompt(agentName, events[0].sender, events[0].text, isFirst)
	}

	var prelude string
	if isFirst {
		extra := r.extraContext(agentName)
		prelude = r.sessionContext(agentName) + "\n\n"
		if extraSections := joinNonEmpty(extra, "\n\n"); extraSections != "" {
			prelude += extraSections + "\n\n"
		}
	}

	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, formatIncomingEvent(ev.sender, ev.text))
	}
	return prelude + "## Incoming Events\n" + strings.Join(lines, "\n\n") +
		"\n\nRespond once to the combined context. Prioritize direct user requests.\n" + persistentReplyDirective
}

func appendHistory(history []HistoryMessage, role, content string, round int, hasRound bool) []HistoryMessage {
	return append(history, HistoryMessage{Role: role, Content: content, Round: round, HasRound: hasRound})
}

func (r *Room) lastUserMessage() (string, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == "user" {
			return r.History[i].Content, true
		}
	}
	return "", false
}

