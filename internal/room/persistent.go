package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/baseagent"
)

// persistentState tracks round/settlement bookkeeping for RunPersistent,
// mirroring what a round-batched Run tracks via plain local variables — it
// needs to be shared across the per-agent goroutines and the event pump.
type persistentState struct {
	mu                  sync.Mutex
	roundNumber         int
	agentIdle           map[string]bool
	agentPassed         map[string]bool
	agentInitialized    map[string]bool
	settlementSignaled  bool
	roundHasActivity    bool
	roundOpen           bool
}

func newPersistentState(agents []Agent, roundNumber int) *persistentState {
	s := &persistentState{
		roundNumber:      roundNumber,
		agentIdle:        map[string]bool{},
		agentPassed:      map[string]bool{},
		agentInitialized: map[string]bool{},
		roundOpen:        true,
	}
	for _, a := range agents {
		s.agentIdle[a.AgentName()] = false
		s.agentPassed[a.AgentName()] = false
		s.agentInitialized[a.AgentName()] = false
	}
	return s
}

func (s *persistentState) allIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idle := range s.agentIdle {
		if !idle {
			return false
		}
	}
	return true
}

func (s *persistentState) allPassed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, passed := range s.agentPassed {
		if !passed {
			return false
		}
	}
	return true
}

func (s *persistentState) setIdle(name string, idle bool) {
	s.mu.Lock()
	s.agentIdle[name] = idle
	s.mu.Unlock()
}

func (s *persistentState) setPassed(name string, passed bool) {
	s.mu.Lock()
	s.agentPassed[name] = passed
	s.mu.Unlock()
}

func (s *persistentState) markInitialized(name string) (wasFirst bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentInitialized[name] {
		return false
	}
	s.agentInitialized[name] = true
	return true
}

// RunPersistent drives real-time message-passing mode: each agent loops on
// its own inbox, shares are relayed to other agents as soon as they're
// extracted, and a round settles once every agent is idle and every inbox
// is empty. Settlement with no [PASS] consensus immediately opens the next
// round rather than stranding the room on a stale round number.
//
// The returned channel closes when ctx is cancelled.
func (r *Room) RunPersistent(ctx context.Context, initialPrompt string, startRound int) <-chan ChatEvent {
	r.initControlChannels()
	out := make(chan ChatEvent, 256)

	if initialPrompt != "" {
		r.History = appendHistory(r.History, "user", initialPrompt, 0, false)
	}

	state := newPersistentState(r.Agents, startRound+1)
	r.inboxes = map[string]chan inboxMsg{}
	r.stopEvents = map[string]chan struct{}{}
	for _, a := range r.Agents {
		r.inboxes[a.AgentName()] = make(chan inboxMsg, 64)
		r.stopEvents[a.AgentName()] = make(chan struct{})
	}

	seedText := initialPrompt
	if seedText == "" {
		if last, ok := r.lastUserMessage(); ok {
			seedText = last
		}
	}
	if seedText != "" {
		names := make([]string, 0, len(r.Agents))
		for _, a := range r.Agents {
			names = append(names, a.AgentName())
		}
		r.enqueueDelivery("user", seedText, state.roundNumber, true, names)
		state.roundHasActivity = true
	}

	go func() {
		defer close(out)

		names := make([]string, 0, len(r.Agents))
		for _, a := range r.Agents {
			names = append(names, a.AgentName())
		}
		out <- ChatEvent{Kind: RoundStarted, RoundNumber: state.roundNumber, Agents: names}

		done := make(chan struct{})
		var wg sync.WaitGroup
		for _, a := range r.Agents {
			wg.Add(1)
			go r.persistentAgentLoop(ctx, a, state, out, &wg)
		}
		go func() {
			wg.Wait()
			close(done)
		}()

		settleTicker := time.NewTicker(settlementPollEvery)
		defer settleTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				for _, ch := range r.stopEvents {
					closeOnce(ch)
				}
				<-done
				return

			case text := <-r.userQueue:
				r.openRoundIfClosed(state, out)
				r.History = appendHistory(r.History, "user", text, 0, false)
				out <- ChatEvent{Kind: UserMessageReceived, Text: text}
				state.mu.Lock()
				state.settlementSignaled = false
				state.roundHasActivity = true
				state.mu.Unlock()
				for _, a := range r.Agents {
					state.setIdle(a.AgentName(), false)
					state.setPassed(a.AgentName(), false)
				}
				r.enqueueDelivery("user", text, state.roundNumber, true, names)

			case text := <-r.systemQueue:
				r.openRoundIfClosed(state, out)
				r.History = appendHistory(r.History, "system", text, 0, false)
				out <- ChatEvent{Kind: AgentNotice, AgentName: "system", Text: text}
				state.mu.Lock()
				state.settlementSignaled = false
				state.roundHasActivity = true
				state.mu.Unlock()
				for _, a := range r.Agents {
					state.setIdle(a.AgentName(), false)
					state.setPassed(a.AgentName(), false)
				}
				r.enqueueDelivery("system", text, state.roundNumber, true, names)

			case dm := <-r.restartQueue:
				if _, ok := r.inboxes[dm.agent]; ok {
					r.openRoundIfClosed(state, out)
					state.setIdle(dm.agent, false)
					state.setPassed(dm.agent, false)
					state.mu.Lock()
					state.settlementSignaled = false
					state.roundHasActivity = true
					state.mu.Unlock()
					r.enqueueDelivery("dm", dm.text, state.roundNumber, true, []string{dm.agent})
				}

			case <-settleTicker.C:
				r.tryMaybeAdvanceRound(state, out, names)

			case <-done:
				return
			}
		}
	}()

	return out
}

func (r *Room) openRoundIfClosed(state *persistentState, out chan<- ChatEvent) {
	state.mu.Lock()
	open := state.roundOpen
	if !open {
		state.roundOpen = true
	}
	names := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		names = append(names, a.AgentName())
	}
	round := state.roundNumber
	state.mu.Unlock()
	if !open {
		r.mu.Lock()
		r.anyStoppedThisRound = false
		r.pauseOnStop = true
		r.mu.Unlock()
		out <- ChatEvent{Kind: RoundStarted, RoundNumber: round, Agents: names}
	}
}

// tryMaybeAdvanceRound checks for settlement (every agent idle, every inbox
// empty) and, if settled, emits RoundEnded and opens the next round.
func (r *Room) tryMaybeAdvanceRound(state *persistentState, out chan<- ChatEvent, names []string) {
	state.mu.Lock()
	if state.settlementSignaled || !state.roundHasActivity {
		state.mu.Unlock()
		return
	}
	state.mu.Unlock()

	if !state.allIdle() {
		return
	}
	for _, name := range names {
		if len(r.inboxes[name]) > 0 {
			return
		}
	}

	state.mu.Lock()
	state.settlementSignaled = true
	round := state.roundNumber
	state.mu.Unlock()
	allPassed := state.allPassed()

	out <- ChatEvent{Kind: RoundEnded, RoundNumber: round, AllPassed: allPassed}

	r.mu.Lock()
	anyStopped := r.anyStoppedThisRound
	pause := r.pauseOnStop
	r.mu.Unlock()
	if anyStopped && pause {
		r.mu.Lock()
		r.anyStoppedThisRound = false
		r.mu.Unlock()
		out <- ChatEvent{Kind: RoundPaused, RoundNumber: round}
		<-r.resumeCh
		state.mu.Lock()
		state.settlementSignaled = false
		state.mu.Unlock()
		return
	}

	state.mu.Lock()
	state.roundNumber++
	state.settlementSignaled = false
	state.roundHasActivity = false
	if allPassed {
		state.roundOpen = false
	} else {
		state.roundOpen = true
	}
	newRound := state.roundNumber
	open := state.roundOpen
	state.mu.Unlock()
	if open {
		out <- ChatEvent{Kind: RoundStarted, RoundNumber: newRound, Agents: names}
	}
}

// persistentAgentLoop drains one agent's inbox forever: on each delivery (or
// batch of deliveries accumulated while idle), it assembles a prompt, streams
// a turn, relays any <Share> content, and marks itself idle again.
func (r *Room) persistentAgentLoop(ctx context.Context, a Agent, state *persistentState, out chan<- ChatEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	name := a.AgentName()
	inbox := r.inboxes[name]
	stop := r.stopEvents[name]

	for {
		select {
		case <-ctx.Done():
			return
		case first := <-inbox:
			batch := []inboxMsg{first}
		drain:
			for {
				select {
				case next := <-inbox:
					batch = append(batch, next)
				default:
					break drain
				}
			}

			state.setIdle(name, false)
			state.setPassed(name, false)

			round := state.roundNumber
			for _, ev := range batch {
				if ev.hasRound {
					round = ev.round
				}
				r.ackDelivery(out, ev.deliveryID, name, ev.sender, roundOrZero(ev))
			}

			isFirst := state.markInitialized(name)
			prompt := r.formatPersistentEventsPrompt(name, batch, isFirst)
			out <- ChatEvent{Kind: AgentPromptAssembled, AgentName: name, RoundNumber: round, Sections: map[string]string{"message": prompt}}

			r.streamPersistentTurn(ctx, a, state, out, name, prompt, round, stop)
		}
	}
}

func roundOrZero(ev inboxMsg) int {
	if ev.hasRound {
		return ev.round
	}
	return 0
}

func (r *Room) streamPersistentTurn(ctx context.Context, a Agent, state *persistentState, out chan<- ChatEvent, name, prompt string, round int, stop <-chan struct{}) {
	turnTimeout := r.Timeout
	if pt := a.EffectiveParseTimeout(); pt > 0 && pt < turnTimeout {
		turnTimeout = pt
	}
	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout+time.Second)
	defer cancel()

	items := a.Stream(turnCtx, prompt, turnTimeout)
	var partial []string
	var response *baseagent.AgentResponse

loop:
	for {
		select {
		case <-stop:
			_ = a.CancelTurn()
			if response == nil {
				r.finishStopped(state, out, name, round, partial)
				return
			}
			break loop
		case item, ok := <-items:
			if !ok {
				break loop
			}
			r.emitStreamItem(out, name, round, item, &partial, &response)
			if response != nil {
				break loop
			}
		}
	}

	if response == nil {
		r.finishStopped(state, out, name, round, partial)
		return
	}

	isPass := DetectPass(response.Response)
	if response.Stderr != "" {
		out <- ChatEvent{Kind: AgentStderr, AgentName: name, RoundNumber: round, Text: response.Stderr}
	}
	out <- ChatEvent{Kind: AgentCompleted, AgentName: name, RoundNumber: round, Response: response, Passed: isPass}

	if isPass {
		state.setPassed(name, true)
		state.setIdle(name, true)
		r.mu.Lock()
		r.History = appendHistory(r.History, name, "[PASS]", round, true)
		r.mu.Unlock()
		return
	}

	state.setPassed(name, false)
	shareable := ExtractShareable(response.Response)
	r.mu.Lock()
	content := shareable
	if content == "" {
		content = PlaceholderResponse
	}
	r.History = appendHistory(r.History, name, content, round, true)
	r.mu.Unlock()
	state.setIdle(name, true)

	if shareable != "" && shareable != PlaceholderResponse {
		var targets []string
		for _, other := range r.Agents {
			if other.AgentName() == name {
				continue
			}
			if r.shouldRelayShare(name, other.AgentName(), shareable) {
				targets = append(targets, other.AgentName())
				state.setIdle(other.AgentName(), false)
			}
		}
		r.enqueueDelivery(name, shareable, round, true, targets)
	}
}

func (r *Room) emitStreamItem(out chan<- ChatEvent, name string, round int, item baseagent.StreamItem, partial *[]string, response **baseagent.AgentResponse) {
	switch {
	case item.Response != nil:
		*response = item.Response
	case item.Permission != nil:
		out <- ChatEvent{
			Kind: AgentPermissionRequested, AgentName: name, RoundNumber: round,
			RequestID: item.Permission.RequestID, ToolName: item.Permission.ToolName,
			ToolInput: item.Permission.ToolInput, Description: item.Permission.Description,
		}
	case item.Notice != nil:
		out <- ChatEvent{Kind: AgentNotice, AgentName: item.Notice.Agent, Text: item.Notice.Message}
	default:
		*partial = append(*partial, item.Text)
		out <- ChatEvent{Kind: AgentStreamChunk, AgentName: name, RoundNumber: round, Text: item.Text}
	}
}

func (r *Room) finishStopped(state *persistentState, out chan<- ChatEvent, name string, round int, partial []string) {
	text := joinStripped(partial)
	if text == "" {
		text = "(stopped)"
	}
	resp := &baseagent.AgentResponse{Agent: name, Response: text, Success: false}
	out <- ChatEvent{Kind: AgentCompleted, AgentName: name, RoundNumber: round, Response: resp, Passed: false, Stopped: true}

	r.mu.Lock()
	r.anyStoppedThisRound = true
	r.stopEvents[name] = make(chan struct{})
	r.mu.Unlock()
	state.setPassed(name, false)
	state.setIdle(name, true)
}

func joinStripped(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return strings.TrimSpace(string(buf))
}
