package room

import (
	"strconv"
	"strings"
)

var roleDisplay = map[string]string{
	"user":   "User",
	"claude": "Claude",
	"codex":  "Codex",
	"kimi":   "Kimi",
	"system": "System",
}

func displayRole(role string) string {
	if d, ok := roleDisplay[role]; ok {
		return d
	}
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// HistoryMessage is one turn recorded in Room.History. Round is 0 for
// messages with no associated agent round (user/system seed messages).
type HistoryMessage struct {
	Role    string
	Content string
	Round   int
	HasRound bool
}

// splitHistory splits history into (olderHistory, currentContext).
// currentContext is every message from round-1 plus any immediately
// preceding user messages (the trigger for that round). For round 1
// (prevRound <= 0) everything is current context.
func splitHistory(history []HistoryMessage, currentRound int) (older, current []HistoryMessage) {
	prevRound := currentRound - 1
	if prevRound <= 0 {
		return nil, append([]HistoryMessage(nil), history...)
	}

	contextStart := len(history)
	for i, msg := range history {
		if msg.HasRound && msg.Round == prevRound {
			contextStart = i
			break
		}
	}
	for contextStart > 0 && !history[contextStart-1].HasRound {
		contextStart--
	}
	return history[:contextStart], history[contextStart:]
}

func formatMessages(msgs []HistoryMessage) []string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, "["+displayRole(m.Role)+"]: "+m.Content)
	}
	return lines
}

func buildMentionNotice(current []HistoryMessage, agentName string) string {
	var mentioners []string
	seen := map[string]bool{}
	type handoffNote struct{ sender, context string }
	var handoffs []handoffNote

	for _, msg := range current {
		if strings.EqualFold(msg.Role, agentName) {
			continue
		}
		for _, m := range ExtractMentions(msg.Content) {
			if strings.EqualFold(m, agentName) {
				label := displayRole(msg.Role)
				if !seen[label] {
					seen[label] = true
					mentioners = append(mentioners, label)
				}
			}
		}
		for _, h := range ExtractHandoffs(msg.Content) {
			if strings.EqualFold(h.Agent, agentName) {
				handoffs = append(handoffs, handoffNote{displayRole(msg.Role), h.Context})
			}
		}
	}

	if len(mentioners) == 0 && len(handoffs) == 0 {
		return ""
	}

	var parts []string
	if len(mentioners) > 0 {
		parts = append(parts, "You were @mentioned by "+strings.Join(mentioners, ", ")+".")
	}
	for _, h := range handoffs {
		parts = append(parts, h.sender+" handed off to you: "+h.context+".")
	}
	return strings.Join(parts, " ") + "\n\n"
}

// Card is the subset of a task card's fields the prompt formatter needs.
type Card struct {
	ID                                                 string
	Title                                              string
	Status                                             string
	Coordinator, Planner, Implementer, Reviewer         string
}

// FormatCardsSection renders a task board section for inclusion in an
// agent's prompt, naming which roles agentName holds on each card.
func FormatCardsSection(cards []Card, agentName string) string {
	if len(cards) == 0 {
		return ""
	}
	lines := []string{
		"## Task Board",
		"Manage cards via `multiagents-cards` CLI. " +
			"Session and URL are pre-configured in your environment.",
	}
	roleAssignees := func(c Card) map[string]string {
		return map[string]string{
			"coordinator": c.Coordinator, "planner": c.Planner,
			"implementer": c.Implementer, "reviewer": c.Reviewer,
		}
	}
	for _, c := range cards {
		var myRoles []string
		for _, role := range []string{"coordinator", "planner", "implementer", "reviewer"} {
			if assignee := roleAssignees(c)[role]; assignee != "" && strings.EqualFold(assignee, agentName) {
				myRoles = append(myRoles, role)
			}
		}
		entry := "- [" + c.ID + "] \"" + c.Title + "\" (" + c.Status + ")"
		if len(myRoles) > 0 {
			entry += " — your role: " + strings.Join(myRoles, ", ")
		}
		lines = append(lines, entry)
	}
	return strings.Join(lines, "\n")
}

// Participant describes a room member for the "Other participants" line.
type Participant struct{ Name, Type string }

func buildParticipantsLine(participants []Participant, excludeName string) string {
	var parts []string
	for _, p := range participants {
		if strings.EqualFold(p.Name, excludeName) {
			continue
		}
		if p.Type != "" && !strings.EqualFold(p.Name, p.Type) {
			parts = append(parts, p.Name+" ("+strings.ToUpper(p.Type[:1])+p.Type[1:]+")")
		} else {
			parts = append(parts, p.Name)
		}
	}
	return strings.Join(parts, ", ")
}

// FormatSessionContext renders the dynamic per-session context block:
// participants, role, working directory. Static directives (Share tags,
// coordination tools, the async message model, [PASS]) live in the CLI
// system prompt via baseagent.BuildAgentSystemPrompt; this only covers
// information that varies per room.
func FormatSessionContext(agentName string, participants []Participant, role string) string {
	var label, others string
	if participants != nil {
		label = agentName
		others = buildParticipantsLine(participants, agentName)
	} else {
		label = displayRole(agentName)
		var names []string
		for k, v := range roleDisplay {
			if k != agentName && k != "system" {
				names = append(names, v)
			}
		}
		others = strings.Join(names, ", ")
	}

	roleLine := ""
	if role != "" {
		roleLine = "Your role: " + role + "\n"
	}

	return "You are " + label + " in a group chat with a human user and other AI agents.\n" +
		roleLine + "Other participants: " + others + "."
}

// FormatRoundPrompt builds the per-round delta prompt sent to an agent that
// already has an active CLI session (so only the new context is sent).
func FormatRoundPrompt(history []HistoryMessage, agentName string, currentRound int, extraContext map[string]string) string {
	_, current := splitHistory(history, currentRound)

	var sections []string
	for _, v := range extraContext {
		if v != "" {
			sections = append(sections, v)
		}
	}
	if len(current) > 0 {
		sections = append(sections, "## Current Round\n"+strings.Join(formatMessages(current), "\n"))
	}

	mentionNotice := buildMentionNotice(current, agentName)
	yourTurn := "## Your Turn (Round " + strconv.Itoa(currentRound) + ")\n" + mentionNotice +
		"Respond directly — no preamble about what you're going to do, " +
		"just do it. Wrap your response in <Share> tags. " +
		"If you have nothing meaningful to add, respond with exactly [PASS]."
	sections = append(sections, yourTurn)

	return strings.Join(sections, "\n\n")
}

// FormatPrompt builds the full prompt for an agent with no active CLI
// session (its first turn, or a stateless agent type): session context plus
// as much history as the agent needs to catch up.
func FormatPrompt(history []HistoryMessage, agentName string, currentRound int, hasSession bool, extraContext map[string]string, participants []Participant, role string) string {
	header := FormatSessionContext(agentName, participants, role)
	older, current := splitHistory(history, currentRound)

	sections := []string{header}
	for _, v := range extraContext {
		if v != "" {
			sections = append(sections, v)
		}
	}
	if len(older) > 0 && !hasSession {
		sections = append(sections, "## Conversation History\n"+strings.Join(formatMessages(older), "\n"))
	}
	if len(current) > 0 {
		sections = append(sections, "## Current Round\n"+strings.Join(formatMessages(current), "\n"))
	}

	mentionNotice := buildMentionNotice(current, agentName)
	yourTurn := "## Your Turn (Round " + strconv.Itoa(currentRound) + ")\n" + mentionNotice +
		"Respond directly — no preamble about what you're going to do, " +
		"just do it. Wrap your response in <Share> tags. " +
		"If you have nothing meaningful to add, respond with exactly [PASS]."
	sections = append(sections, yourTurn)

	return strings.Join(sections, "\n\n")
}

