package codex

import (
	"io"

	"github.com/multiagents/conclave/internal/baseagent"
	"github.com/multiagents/conclave/internal/protocol"
)

// NewFactory returns an adapter constructor that bakes the given model and
// system prompt into every spawned Adapter's thread/start params — the
// app-server equivalent of the one-shot CLI's `-c model=... -c
// developer_instructions=...` flags.
func NewFactory(projectDir, systemPromptOverride, agentName, model string) func(stdin io.Writer, stdout io.Reader) protocol.Adapter {
	instructions := baseagent.BuildAgentSystemPrompt(projectDir, systemPromptOverride, agentName)
	return func(stdin io.Writer, stdout io.Reader) protocol.Adapter {
		a := New(stdin, stdout)
		a.model = model
		a.developerInstructions = instructions
		return a
	}
}

// BuildArgs assembles the `codex app-server` persistent spawn command —
// approval policy, sandbox, model, and developer instructions all travel
// over the wire handshake rather than argv.
func BuildArgs() []string {
	return []string{"codex", "app-server", "--skip-git-repo-check"}
}

// BuildResumeArgs is identical: app-server mode resumes via thread/resume,
// not a distinct spawn command.
func BuildResumeArgs(string) []string {
	return BuildArgs()
}

// ShouldRetryWithoutSession reports whether a failed thread/resume looks
// unrecoverable. Codex fails a stale resume either with an explicit
// context-window exhaustion error or by exiting the app-server process
// nonzero — both show up here as a non-nil runTurn error, so any failure on
// a resumed turn drops the session id rather than retrying the same resume.
func ShouldRetryWithoutSession(stderr string, err error) bool {
	return err != nil
}
