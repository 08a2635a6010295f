package room

import (
	"context"
	"sync"
	"time"

	"github.com/multiagents/conclave/internal/baseagent"
)

// Run drives round-batched mode: every agent runs concurrently once per
// round against the same history snapshot, the round ends once every agent
// has completed (there is no round-wide deadline; each agent's own turn
// timeout bounds it), and the loop repeats until every agent responds
// [PASS] in the same round.
func (r *Room) Run(ctx context.Context, initialPrompt string, startRound int) <-chan ChatEvent {
	r.initControlChannels()
	out := make(chan ChatEvent, 256)

	if initialPrompt != "" {
		r.History = appendHistory(r.History, "user", initialPrompt, 0, false)
	}

	go func() {
		defer close(out)
		round := startRound

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			for drained := true; drained; {
				select {
				case text := <-r.userQueue:
					r.History = appendHistory(r.History, "user", text, 0, false)
					out <- ChatEvent{Kind: UserMessageReceived, Text: text}
				default:
					drained = false
				}
			}
			for drained := true; drained; {
				select {
				case text := <-r.systemQueue:
					r.History = appendHistory(r.History, "system", text, 0, false)
					out <- ChatEvent{Kind: AgentNotice, AgentName: "system", Text: text}
				default:
					drained = false
				}
			}

			round++
			r.anyStoppedThisRound = false
			r.pauseOnStop = true
			names := make([]string, 0, len(r.Agents))
			for _, a := range r.Agents {
				names = append(names, a.AgentName())
			}
			out <- ChatEvent{Kind: RoundStarted, RoundNumber: round, Agents: names}

			allPassed := r.runOneRound(ctx, round, out)

			out <- ChatEvent{Kind: RoundEnded, RoundNumber: round, AllPassed: allPassed}

			if allPassed {
				out <- ChatEvent{Kind: DiscussionEnded, Reason: "all_passed"}
				return
			}

			if r.anyStoppedThisRound && r.pauseOnStop {
				r.anyStoppedThisRound = false
				out <- ChatEvent{Kind: RoundPaused, RoundNumber: round}
				select {
				case <-r.resumeCh:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// runOneRound runs every agent concurrently for one round, streaming their
// events onto out, and returns whether every agent passed.
func (r *Room) runOneRound(ctx context.Context, round int, out chan<- ChatEvent) bool {
	r.stopEvents = map[string]chan struct{}{}
	for _, a := range r.Agents {
		r.stopEvents[a.AgentName()] = make(chan struct{})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	responses := map[string]*baseagent.AgentResponse{}
	passed := map[string]bool{}

	for _, a := range r.Agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			resp, isPass := r.runRoundAgent(ctx, a, round, out)
			mu.Lock()
			responses[a.AgentName()] = resp
			passed[a.AgentName()] = isPass
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	allPassed := true
	for _, a := range r.Agents {
		resp := responses[a.AgentName()]
		if resp == nil {
			continue
		}
		if passed[a.AgentName()] {
			r.History = appendHistory(r.History, a.AgentName(), "[PASS]", round, true)
			continue
		}
		allPassed = false
		shareable := ExtractShareable(resp.Response)
		if shareable == "" {
			shareable = PlaceholderResponse
		}
		r.History = appendHistory(r.History, a.AgentName(), shareable, round, true)
	}
	return allPassed
}

// runRoundAgent assembles this agent's prompt (full history on its first
// turn, just the round delta once it has a live CLI session), streams the
// turn, and emits AgentCompleted once it finishes, is stopped, or errors.
func (r *Room) runRoundAgent(ctx context.Context, a Agent, round int, out chan<- ChatEvent) (*baseagent.AgentResponse, bool) {
	name := a.AgentName()
	extra := r.extraContext(name)

	var prompt string
	if a.SessionID() != "" {
		prompt = FormatRoundPrompt(r.History, name, round, extra)
	} else {
		prompt = FormatPrompt(r.History, name, round, false, extra, r.Participants, r.agentRole(name))
	}

	sections := map[string]string{}
	for k, v := range extra {
		sections[k] = v
	}
	if a.SessionID() == "" {
		sections["system"] = r.sessionContext(name)
	}
	sections["round_delta"] = FormatRoundPrompt(r.History, name, round, nil)
	out <- ChatEvent{Kind: AgentPromptAssembled, AgentName: name, RoundNumber: round, Sections: sections}

	turnTimeout := r.Timeout
	if pt := a.EffectiveParseTimeout(); pt > 0 && pt < turnTimeout {
		turnTimeout = pt
	}
	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout+time.Second)
	defer cancel()

	stop := r.stopEvents[name]
	items := a.Stream(turnCtx, prompt, turnTimeout)

	var partial []string
	var response *baseagent.AgentResponse

loop:
	for {
		select {
		case <-stop:
			_ = a.CancelTurn()
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
		text := joinStripped(partial)
		if text == "" {
			text = "(stopped)"
		}
		response = &baseagent.AgentResponse{Agent: name, Response: text, Success: false}
		out <- ChatEvent{Kind: AgentCompleted, AgentName: name, RoundNumber: round, Response: response, Passed: false, Stopped: true}
		r.mu.Lock()
		r.anyStoppedThisRound = true
		r.mu.Unlock()
		return response, false
	}

	isPass := DetectPass(response.Response)
	if response.Stderr != "" {
		out <- ChatEvent{Kind: AgentStderr, AgentName: name, RoundNumber: round, Text: response.Stderr}
	}
	out <- ChatEvent{Kind: AgentCompleted, AgentName: name, RoundNumber: round, Response: response, Passed: isPass}
	return response, isPass
}
