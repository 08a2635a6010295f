package runner

import (
	"io"

	"github.com/google/uuid"

	"github.com/multiagents/conclave/internal/baseagent"
	"github.com/multiagents/conclave/internal/protocol"
	"github.com/multiagents/conclave/internal/protocol/claude"
	"github.com/multiagents/conclave/internal/protocol/codex"
	"github.com/multiagents/conclave/internal/protocol/kimi"
	"github.com/multiagents/conclave/internal/supervisor"
)

// Persona describes one conversation participant the control plane asked
// for: a display name, which of the three CLI vendors backs it, its
// optional persona role (planner/reviewer/etc., surfaced in prompts), and
// an optional pinned model override.
type Persona struct {
	Name      string
	AgentType string // "claude", "codex", "kimi"
	Role      string
	Model     string
}

// NewAgent builds a baseagent.Agent wired to the protocol adapter for
// persona.AgentType, closing over the Agent itself so that ProjectDir,
// SystemPromptOverride, and Model set after construction (once a session's
// working directory and config are known) are picked up at spawn time
// rather than frozen at factory-call time.
func NewAgent(persona Persona, bypassPermissions bool) *baseagent.Agent {
	var agent *baseagent.Agent

	switch persona.AgentType {
	case "codex":
		newAdapter := func(stdin io.Writer, stdout io.Reader) protocol.Adapter {
			factory := codex.NewFactory(agent.ProjectDir, agent.SystemPromptOverride, agent.Name, agent.Model)
			return factory(stdin, stdout)
		}
		agent = baseagent.New(persona.Name, persona.AgentType, codex.BuildArgs, codex.BuildResumeArgs, newAdapter)
		agent.SetRetryWithoutSession(codex.ShouldRetryWithoutSession)

	case "kimi":
		fileSet := &supervisor.KimiAgentFileSet{}
		agentFilePath := func() (string, error) {
			prompt := baseagent.BuildAgentSystemPrompt(agent.ProjectDir, agent.SystemPromptOverride, agent.Name)
			return fileSet.Path(agent.ProjectDir, prompt, agent.Model, agent.Name)
		}
		buildArgs := func() []string {
			path, err := agentFilePath()
			if err != nil {
				return nil
			}
			return supervisor.KimiBuildArgs(path, uuid.New().String(), bypassPermissions)
		}
		buildResumeArgs := func(sessionID string) []string {
			path, err := agentFilePath()
			if err != nil {
				return nil
			}
			return supervisor.KimiBuildArgs(path, sessionID, bypassPermissions)
		}
		agent = baseagent.New(persona.Name, persona.AgentType, buildArgs, buildResumeArgs, kimi.New)

	default: // "claude"
		buildArgs := func() []string {
			return claude.BuildArgs(agent.ProjectDir, agent.SystemPromptOverride, agent.Name, agent.Model)
		}
		buildResumeArgs := func(sessionID string) []string {
			return claude.BuildResumeArgs(sessionID, agent.ProjectDir, agent.SystemPromptOverride, agent.Name, agent.Model)
		}
		agent = baseagent.New(persona.Name, persona.AgentType, buildArgs, buildResumeArgs, claude.New)
		agent.SetRetryWithoutSession(claude.ShouldRetryWithoutSession)
	}

	agent.Model = persona.Model
	return agent
}
