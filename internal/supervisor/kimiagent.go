package supervisor

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// kimiAgentManifest mirrors the agent.yaml schema the Kimi CLI reads at
// spawn: version 1, extending its built-in default agent with a custom
// system prompt file and, optionally, a pinned model.
type kimiAgentManifest struct {
	Version int `yaml:"version"`
	Agent   struct {
		Extend           string `yaml:"extend"`
		SystemPromptPath string `yaml:"system_prompt_path"`
		Model            string `yaml:"model,omitempty"`
	} `yaml:"agent"`
}

// KimiAgentFileSet caches the temp directory holding a live Kimi agent's
// system.md + agent.yaml so repeated turns skip rewriting unchanged files.
type KimiAgentFileSet struct {
	dir string

	cachedModel      string
	cachedPrompt     string
	cachedProjectDir string
	cachedName       string
}

// Path returns the agent.yaml path, writing system.md and agent.yaml (in a
// fresh temp directory on first use) only when model, prompt, project
// directory, or agent name have changed since the last write.
func (s *KimiAgentFileSet) Path(projectDir, systemPrompt, model, agentName string) (string, error) {
	needsWrite := s.dir == ""
	if !needsWrite {
		needsWrite = model != s.cachedModel ||
			systemPrompt != s.cachedPrompt ||
			projectDir != s.cachedProjectDir ||
			agentName != s.cachedName
	}
	if !needsWrite {
		return filepath.Join(s.dir, "agent.yaml"), nil
	}

	if s.dir == "" {
		dir, err := os.MkdirTemp("", "conclave-kimi-agent-")
		if err != nil {
			return "", err
		}
		s.dir = dir
	}

	promptPath := filepath.Join(s.dir, "system.md")
	agentPath := filepath.Join(s.dir, "agent.yaml")

	prompt := systemPrompt + "\n\n${KIMI_AGENTS_MD}\n"
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return "", err
	}

	var manifest kimiAgentManifest
	manifest.Version = 1
	manifest.Agent.Extend = "default"
	manifest.Agent.SystemPromptPath = promptPath
	manifest.Agent.Model = model

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(agentPath, data, 0o644); err != nil {
		return "", err
	}

	s.cachedModel = model
	s.cachedPrompt = systemPrompt
	s.cachedProjectDir = projectDir
	s.cachedName = agentName
	return agentPath, nil
}

// Cleanup removes the temp directory holding the agent file set, if any.
func (s *KimiAgentFileSet) Cleanup() error {
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

// KimiBuildArgs assembles the `kimi --wire [--yolo] --agent-file <path>
// --session <id>` spawn arguments for a fresh or resumed session.
func KimiBuildArgs(agentFilePath, sessionID string, bypassPermissions bool) []string {
	args := []string{"kimi", "--wire"}
	if bypassPermissions {
		args = append(args, "--yolo")
	}
	args = append(args, "--agent-file", agentFilePath, "--session", sessionID)
	return args
}
