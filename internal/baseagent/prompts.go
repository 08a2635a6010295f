package baseagent

import (
	"fmt"
	"strings"
)

const agentBehaviorPrompt = "Respond directly to the conversation. You may use tools " +
	"(reading files, searching, writing code) when the user's request requires " +
	"it, but always conclude with a direct text response. Only mention another " +
	"participant (e.g. @User or @AgentName) when you are expecting an answer. " +
	"If you have nothing meaningful to add, respond with exactly [PASS]. " +
	"If you already responded and have nothing new to add, respond with exactly [PASS]."

const responseFormatPrompt = "RESPONSE FORMAT — IMPORTANT:\n" +
	"Wrap ALL content meant for the conversation in <Share>...</Share> tags.\n" +
	"Content outside Share tags is private — invisible to everyone, including the user.\n" +
	"If you omit Share tags, your entire response becomes: " +
	"\"(private response withheld)\" — nobody (not even the user) sees anything.\n" +
	"The only exception is [PASS] — it is a system directive and does NOT need Share tags.\n\n" +
	"Share tags MUST be at the top level of your response — never inside " +
	"thinking or reasoning blocks. Put all substantive content (findings, " +
	"proposals, questions, lists) inside Share tags, not just @mentions.\n\n" +
	"Example:\n" +
	"  (internal reasoning and tool calls — private)\n" +
	"  <Share>\n" +
	"  Here's what I found: [detailed findings]\n" +
	"  Suggested approach: [proposal]\n" +
	"  @AgentName can you review this?\n" +
	"  </Share>"

const coordinationPrompt = "COORDINATION TOOLS (use inside <Share> tags):\n" +
	"  @AgentName      - Direct a question or request to a specific agent\n" +
	"  +1 AgentName    - Show agreement and build on someone's idea\n" +
	"  [HANDOFF:Agent] - Pass a specific task to another agent\n" +
	"  [STATUS:msg]    - Clarify your current intent\n" +
	"                    Examples: [EXPLORE] [DECISION] [BLOCKED] [DONE]\n\n" +
	"ROUND MODEL: All agents respond simultaneously each round. " +
	"Commit to your approach — don't hedge or wait " +
	"for confirmation that won't come until next round.\n" +
	"If another agent already started work on something last round, pick " +
	"complementary work instead of duplicating effort."

var staticGuidancePrompt = agentBehaviorPrompt + "\n\n" + responseFormatPrompt + "\n\n" + coordinationPrompt

const isolatedDirPrompt = "IMPORTANT: You are running in an isolated working directory, NOT the project " +
	"root. Always use absolute file paths (e.g. /Users/user/project/src/file.py) " +
	"when reading, editing, or referencing project files. Relative paths will " +
	"resolve to your temp directory and fail."

const taskCardsPrompt = "TASK CARDS: The session may have a task board with cards that track work items " +
	"through phases: Backlog → Planning → Reviewing → Implementing → Done. " +
	"When you are assigned to a card phase (planner, implementer, or reviewer), " +
	"use [DONE] in your response to signal your phase is complete. The prompt will " +
	"include a [TASK:id] prefix when you are working on a specific card."

func agentRolePrompt(agentName string) string {
	identity := "You are a participant"
	if agentName != "" {
		identity = fmt.Sprintf("You are %s,", agentName)
	}
	return fmt.Sprintf("%s in a multi-agent group chat with a human user and other AI agents.\n\n%s", identity, staticGuidancePrompt)
}

// BuildAgentSystemPrompt assembles the system prompt handed to each vendor
// CLI: a role/behavior section (overridden by basePrompt if set), a
// working-directory section, and the task-card phase guidance.
func BuildAgentSystemPrompt(projectDir, basePrompt, agentName string) string {
	var roleSection string
	if basePrompt != "" {
		roleSection = fmt.Sprintf("%s\n\n%s", strings.TrimSpace(basePrompt), staticGuidancePrompt)
	} else {
		roleSection = agentRolePrompt(agentName)
	}

	dirSection := isolatedDirPrompt
	if projectDir != "" {
		dirSection = fmt.Sprintf("IMPORTANT: The project directory is %s. You are working directly in this directory.", projectDir)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", roleSection, dirSection, taskCardsPrompt)
}
