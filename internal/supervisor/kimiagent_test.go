package supervisor

import (
	"os"
	"strings"
	"testing"
)

func TestKimiAgentFileSetWritesOnFirstUse(t *testing.T) {
	var s KimiAgentFileSet
	defer s.Cleanup()

	path, err := s.Path("/proj", "be helpful", "gpt", "codex")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected agent.yaml to exist: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read agent.yaml: %v", err)
	}
	if !strings.Contains(string(data), "model: gpt") {
		t.Errorf("expected model in manifest, got %s", data)
	}
}

func TestKimiAgentFileSetSkipsRewriteWhenUnchanged(t *testing.T) {
	var s KimiAgentFileSet
	defer s.Cleanup()

	path1, err := s.Path("/proj", "be helpful", "gpt", "codex")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	info1, _ := os.Stat(path1)

	path2, err := s.Path("/proj", "be helpful", "gpt", "codex")
	if err != nil {
		t.Fatalf("Path (2nd): %v", err)
	}
	info2, _ := os.Stat(path2)

	if path1 != path2 {
		t.Fatalf("expected same path, got %q and %q", path1, path2)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("expected no rewrite when inputs are unchanged")
	}
}

func TestKimiAgentFileSetRewritesWhenModelChanges(t *testing.T) {
	var s KimiAgentFileSet
	defer s.Cleanup()

	if _, err := s.Path("/proj", "be helpful", "gpt", "codex"); err != nil {
		t.Fatalf("Path: %v", err)
	}
	path, err := s.Path("/proj", "be helpful", "claude-opus", "codex")
	if err != nil {
		t.Fatalf("Path (2nd): %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "model: claude-opus") {
		t.Errorf("expected rewritten manifest with new model, got %s", data)
	}
}

func TestKimiBuildArgsBypassFlag(t *testing.T) {
	args := KimiBuildArgs("/tmp/agent.yaml", "sess-1", true)
	if !strings.Contains(strings.Join(args, " "), "--yolo") {
		t.Errorf("expected --yolo in bypass mode, got %v", args)
	}
	args = KimiBuildArgs("/tmp/agent.yaml", "sess-1", false)
	if strings.Contains(strings.Join(args, " "), "--yolo") {
		t.Errorf("expected no --yolo outside bypass mode, got %v", args)
	}
}
