package claude

import (
	"strings"

	"github.com/multiagents/conclave/internal/baseagent"
)

// baseFlags mirror the CLI flags the one-shot invocation used, adapted for
// the persistent stream-json pipe: the prompt now arrives over stdin via
// SendMessage instead of argv, so --input-format is added and -p is dropped.
var baseFlags = []string{
	"--verbose",
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--disable-slash-commands",
	"--setting-sources", "",
	"--dangerously-skip-permissions",
}

func cliFlags(projectDir, systemPromptOverride, agentName, model string) []string {
	flags := []string{"--system-prompt", baseagent.BuildAgentSystemPrompt(projectDir, systemPromptOverride, agentName)}
	flags = append(flags, baseFlags...)
	if model != "" {
		flags = append(flags, "--model", model)
	}
	return flags
}

// BuildArgs assembles a fresh `claude ...` persistent-pipe spawn command.
func BuildArgs(projectDir, systemPromptOverride, agentName, model string) []string {
	return append([]string{"claude"}, cliFlags(projectDir, systemPromptOverride, agentName, model)...)
}

// BuildResumeArgs assembles the spawn command for resuming a known session.
func BuildResumeArgs(sessionID, projectDir, systemPromptOverride, agentName, model string) []string {
	args := []string{"claude", "--resume", sessionID}
	return append(args, cliFlags(projectDir, systemPromptOverride, agentName, model)...)
}

// ShouldRetryWithoutSession reports whether a failed resume looks
// unrecoverable: claude exits with no stderr at all when `--resume` points
// at a session id it no longer has on disk, so retrying the same resume
// would just fail the same way every time.
func ShouldRetryWithoutSession(stderr string, err error) bool {
	return err != nil && strings.TrimSpace(stderr) == ""
}
