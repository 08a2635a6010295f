package cards

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var doneRe = regexp.MustCompile(`(?i)\[DONE\]`)

// DetectDone reports whether text contains a [DONE] marker.
func DetectDone(text string) bool { return doneRe.MatchString(text) }

var roleRe = regexp.MustCompile(`(?i)(coordinator|planner|implementer|reviewer)\s*:\s*@(\w+)`)

// parseRoles extracts role -> agent assignments of the form "Planner: @Claude"
// from a block of text. Keys and values are lower-cased.
func parseRoles(text string) map[string]string {
	roles := map[string]string{}
	for _, m := range roleRe.FindAllStringSubmatch(text, -1) {
		roles[strings.ToLower(m[1])] = strings.ToLower(m[2])
	}
	return roles
}

// Engine manages the lifecycle of a set of cards and generates the prompts
// each phase transition hands to the next agent.
type Engine struct {
	agents []string

	mu    sync.Mutex
	cards map[string]*Card
}

// NewEngine constructs an Engine for the given participant names.
func NewEngine(agents []string) *Engine {
	lowered := make([]string, len(agents))
	for i, a := range agents {
		lowered[i] = strings.ToLower(a)
	}
	return &Engine{agents: lowered, cards: map[string]*Card{}}
}

// CreateCard adds a new card in the backlog.
func (e *Engine) CreateCard(title, description, planner, implementer, reviewer, coordinator string) *Card {
	card := &Card{
		ID:          GenerateCardID(),
		Title:       title,
		Description: description,
		Status:      StatusBacklog,
		Planner:     strings.ToLower(planner),
		Implementer: strings.ToLower(implementer),
		Reviewer:    strings.ToLower(reviewer),
		Coordinator: strings.ToLower(coordinator),
		CreatedAt:   time.Now(),
	}
	e.mu.Lock()
	e.cards[card.ID] = card
	e.mu.Unlock()
	return card
}

// DeleteCard removes a card. Returns an error if it doesn't exist.
func (e *Engine) DeleteCard(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cards[id]; !ok {
		return fmt.Errorf("card not found: %s", id)
	}
	delete(e.cards, id)
	return nil
}

// GetCard returns a card by id.
func (e *Engine) GetCard(id string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[id]
	if !ok {
		return nil, fmt.Errorf("card not found: %s", id)
	}
	return card, nil
}

// GetCards returns every card the engine currently holds.
func (e *Engine) GetCards() []*Card {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Card, 0, len(e.cards))
	for _, c := range e.cards {
		out = append(out, c)
	}
	return out
}

// LoadCards populates the engine from persisted cards, e.g. on session resume.
func (e *Engine) LoadCards(cards []*Card) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range cards {
		e.cards[c.ID] = c
	}
}

// GetCardsForAgent returns every card where name holds any of the four roles.
func (e *Engine) GetCardsForAgent(name string) []*Card {
	lowered := strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Card
	for _, c := range e.cards {
		if lowered == c.Planner || lowered == c.Implementer || lowered == c.Reviewer || lowered == c.Coordinator {
			out = append(out, c)
		}
	}
	return out
}

// StartCard transitions a backlog card to planning, or to coordinating if the
// card has a coordinator assigned. Returns the prompt for whoever goes next.
func (e *Engine) StartCard(id string) (*Card, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[id]
	if !ok {
		return nil, "", fmt.Errorf("card not found: %s", id)
	}
	if card.Status != StatusBacklog {
		return nil, "", fmt.Errorf("can only start a card in backlog (current: %s)", card.Status)
	}
	if card.Coordinator != "" {
		card.Status = StatusCoordinating
		card.CoordinationStage = StageInitial
		card.PreviousPhase = ""
		return card, buildCoordinatingPrompt(card), nil
	}
	card.Status = StatusPlanning
	card.PreviousPhase = ""
	return card, buildPlanningPrompt(card), nil
}

// MarkDone is the user-triggered transition from reviewing to done.
func (e *Engine) MarkDone(id string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[id]
	if !ok {
		return nil, fmt.Errorf("card not found: %s", id)
	}
	if card.Status != StatusReviewing {
		return nil, fmt.Errorf("can only mark done from reviewing (current: %s)", card.Status)
	}
	card.Status = StatusDone
	return card, nil
}

// OnAgentCompleted records agent's turn against the card and advances the
// state machine per the transition table. It returns the card and, when a
// transition produces one, the prompt for whichever agent goes next.
func (e *Engine) OnAgentCompleted(id, agent, content string) (*Card, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[id]
	if !ok {
		return nil, "", fmt.Errorf("card not found: %s", id)
	}

	card.History = append(card.History, PhaseEntry{
		Phase:     card.Status,
		Agent:     strings.ToLower(agent),
		Content:   content,
		Timestamp: time.Now(),
	})

	done := DetectDone(content)

	switch card.Status {
	case StatusCoordinating:
		return e.advanceCoordinating(card, content, done)
	case StatusPlanning, StatusImplementing:
		if !done {
			return card, "", nil
		}
		previous := card.Status
		card.PreviousPhase = previous
		card.Status = StatusReviewing
		return card, buildReviewPrompt(card, content), nil
	case StatusReviewing:
		return e.advanceReviewing(card, content, done)
	}
	return card, "", nil
}

func (e *Engine) advanceCoordinating(card *Card, content string, done bool) (*Card, string, error) {
	switch card.CoordinationStage {
	case StageInitial:
		if !done {
			return card, "", nil
		}
		for role, agent := range parseRoles(content) {
			switch role {
			case "coordinator":
				card.Coordinator = agent
			case "planner":
				card.Planner = agent
			case "implementer":
				card.Implementer = agent
			case "reviewer":
				card.Reviewer = agent
			}
		}
		card.Status = StatusPlanning
		card.CoordinationStage = ""
		return card, buildPlanningPrompt(card), nil

	case StagePlanDecision:
		if done {
			card.Status = StatusImplementing
			card.CoordinationStage = ""
			return card, buildImplementationPrompt(card), nil
		}
		card.Status = StatusPlanning
		card.CoordinationStage = ""
		return card, buildRejectionPrompt(card, content), nil

	case StageImplDecision:
		if done {
			card.Status = StatusDone
			card.CoordinationStage = ""
			return card, "", nil
		}
		card.Status = StatusImplementing
		card.CoordinationStage = ""
		return card, buildRejectionPrompt(card, content), nil
	}
	return card, "", nil
}

func (e *Engine) advanceReviewing(card *Card, content string, done bool) (*Card, string, error) {
	if card.Coordinator != "" {
		stage := StageImplDecision
		if card.PreviousPhase == StatusPlanning {
			stage = StagePlanDecision
		}
		card.Status = StatusCoordinating
		card.CoordinationStage = stage
		return card, buildCoordinationDecisionPrompt(card, content), nil
	}
	if done {
		if card.PreviousPhase == StatusPlanning {
			card.Status = StatusImplementing
			return card, buildImplementationPrompt(card), nil
		}
		// previous phase was implementing: wait for the user to mark done.
		return card, "", nil
	}
	previous := card.PreviousPhase
	if previous == "" {
		previous = StatusPlanning
	}
	card.Status = previous
	card.PreviousPhase = ""
	return card, buildRejectionPrompt(card, content), nil
}

// BuildDelegationPrompt asks the room to assign roles for a new card.
func (e *Engine) BuildDelegationPrompt(id string) (string, error) {
	e.mu.Lock()
	card, ok := e.cards[id]
	agents := strings.Join(e.agents, ", ")
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("card not found: %s", id)
	}
	return fmt.Sprintf(
		"A new task needs role assignments: %q\n\n"+
			"Description: %s\n\n"+
			"Available agents: %s\n\n"+
			"Which of you should be the coordinator (tech lead), planner, implementer, and reviewer? "+
			"Discuss and use @AgentName tags to assign roles. "+
			"Coordinator is optional but recommended for complex tasks. "+
			`Example: "Coordinator: @Claude, Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi"`,
		card.Title, card.Description, agents), nil
}

// ParseDelegationResponse merges agent responses and looks for planner,
// implementer, and reviewer assignments. Returns the updated card only once
// all three required roles have been claimed.
func (e *Engine) ParseDelegationResponse(id string, agentResponses map[string]string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, ok := e.cards[id]
	if !ok {
		return nil, fmt.Errorf("card not found: %s", id)
	}

	var combined []string
	for _, text := range agentResponses {
		combined = append(combined, text)
	}
	roles := parseRoles(strings.Join(combined, "\n"))

	planner, hasPlanner := roles["planner"]
	implementer, hasImplementer := roles["implementer"]
	reviewer, hasReviewer := roles["reviewer"]
	if !hasPlanner || !hasImplementer || !hasReviewer {
		return nil, nil
	}

	card.Planner = planner
	card.Implementer = implementer
	card.Reviewer = reviewer
	if coordinator, ok := roles["coordinator"]; ok {
		card.Coordinator = coordinator
	}
	return card, nil
}

func latestOutput(card *Card, phase Status) string {
	for i := len(card.History) - 1; i >= 0; i-- {
		if card.History[i].Phase == phase {
			return card.History[i].Content
		}
	}
	return ""
}

func roleOrUnassigned(v string) string {
	if v == "" {
		return "unassigned"
	}
	return v
}

func buildCoordinatingPrompt(card *Card) string {
	rolesBlock := fmt.Sprintf("  planner: %s\n  implementer: %s\n  reviewer: %s",
		roleOrUnassigned(card.Planner), roleOrUnassigned(card.Implementer), roleOrUnassigned(card.Reviewer))
	var assignHint string
	if card.Planner == "" || card.Implementer == "" || card.Reviewer == "" {
		assignHint = "\n\nSome roles are unassigned. Assign them using " +
			`"Planner: @Agent, Implementer: @Agent, Reviewer: @Agent" syntax.`
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the COORDINATOR (tech lead) for %q.\n\n"+
			"%s\n\n"+
			"Current role assignments:\n%s\n"+
			"%s\n\n"+
			"Set the technical direction and approach for this task. "+
			"Outline the high-level strategy the planner should follow.\n"+
			"Use [DONE] when your direction is set and you're ready for planning to begin.",
		card.ID, card.Coordinator, card.Title, card.Description, rolesBlock, assignHint)
}

func buildCoordinationDecisionPrompt(card *Card, reviewContent string) string {
	if card.CoordinationStage == StagePlanDecision {
		plan := latestOutput(card, StatusPlanning)
		return fmt.Sprintf(
			"[TASK:%s] @%s As COORDINATOR for %q, review the plan and feedback.\n\n"+
				"Planner (%s) produced:\n%s\n\n"+
				"Reviewer (%s) feedback:\n%s\n\n"+
				"As tech lead, decide: approve with [DONE] to proceed to implementation, "+
				"or provide your feedback to send the plan back for revision.",
			card.ID, card.Coordinator, card.Title, card.Planner, plan, card.Reviewer, reviewContent)
	}
	impl := latestOutput(card, StatusImplementing)
	return fmt.Sprintf(
		"[TASK:%s] @%s As COORDINATOR for %q, review the implementation and feedback.\n\n"+
			"Implementer (%s) produced:\n%s\n\n"+
			"Reviewer (%s) feedback:\n%s\n\n"+
			"As tech lead, decide: approve with [DONE] to mark the task complete, "+
			"or provide your feedback to send it back for revision.",
		card.ID, card.Coordinator, card.Title, card.Implementer, impl, card.Reviewer, reviewContent)
}

func buildPlanningPrompt(card *Card) string {
	var coordinatorBlock string
	if card.Coordinator != "" {
		if approach := latestOutput(card, StatusCoordinating); approach != "" {
			coordinatorBlock = fmt.Sprintf(
				"\n\nCOORDINATOR DIRECTION (from @%s — you MUST follow this approach):\n%s\n",
				card.Coordinator, approach)
		}
	}
	alignment := ""
	if card.Coordinator != "" {
		alignment = fmt.Sprintf(
			"Your plan MUST align with the coordinator's direction above. "+
				"If you disagree, explain why — but do not deviate without @%s's approval.\n", card.Coordinator)
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the PLANNER for %q.\n\n"+
			"%s\n"+
			"%s\n"+
			"Plan the implementation: break it into steps, identify risks, and define acceptance criteria.\n"+
			"%s"+
			"Use [DONE] when your plan is complete.",
		card.ID, card.Planner, card.Title, card.Description, coordinatorBlock, alignment)
}

func buildReviewPrompt(card *Card, content string) string {
	if card.PreviousPhase == StatusPlanning {
		return fmt.Sprintf(
			"[TASK:%s] @%s You are the REVIEWER for %q.\n\n"+
				"The planner (%s) produced this plan:\n\n%s\n\n"+
				"Review it. If the plan is solid, respond with [DONE]. "+
				"Otherwise, provide specific feedback on what needs to change.",
			card.ID, card.Reviewer, card.Title, card.Planner, content)
	}
	plan := latestOutput(card, StatusPlanning)
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the REVIEWER for %q.\n\n"+
			"The implementer (%s) produced:\n\n%s\n\n"+
			"Original plan:\n%s\n\n"+
			"Review the implementation against the plan. "+
			"If it meets acceptance criteria, respond with [DONE]. "+
			"Otherwise, provide specific feedback.",
		card.ID, card.Reviewer, card.Title, card.Implementer, content, plan)
}

func buildImplementationPrompt(card *Card) string {
	plan := latestOutput(card, StatusPlanning)
	var feedbackBlock string
	if feedback := latestOutput(card, StatusReviewing); feedback != "" {
		feedbackBlock = fmt.Sprintf("\nPrevious reviewer feedback:\n%s\n", feedback)
	}
	var coordinatorBlock string
	if card.Coordinator != "" {
		if approach := latestOutput(card, StatusCoordinating); approach != "" {
			coordinatorBlock = fmt.Sprintf(
				"\nCOORDINATOR DIRECTION (from @%s — you MUST follow this approach):\n%s\n",
				card.Coordinator, approach)
		}
	}
	directionSuffix := ""
	if card.Coordinator != "" {
		directionSuffix = " and the coordinator's direction"
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the IMPLEMENTER for %q.\n\n"+
			"Here is the approved plan:\n%s\n"+
			"%s"+
			"%s\n"+
			"Implement according to the plan%s. Use [DONE] when implementation is complete.",
		card.ID, card.Implementer, card.Title, plan, coordinatorBlock, feedbackBlock, directionSuffix)
}

func buildRejectionPrompt(card *Card, feedback string) string {
	var agent, previousOutput string
	if card.Status == StatusPlanning {
		agent = card.Planner
		previousOutput = latestOutput(card, StatusPlanning)
	} else {
		agent = card.Implementer
		previousOutput = latestOutput(card, StatusImplementing)
	}
	source := "reviewer"
	if card.Coordinator != "" {
		source = "coordinator"
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s The %s sent back your work on %q with feedback:\n\n%s\n\n"+
			"Previous output:\n%s\n\n"+
			"Address the feedback. Use [DONE] when ready for re-review.",
		card.ID, agent, source, card.Title, feedback, previousOutput)
}
