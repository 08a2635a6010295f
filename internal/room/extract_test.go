package room

import (
	"reflect"
	"testing"
)

func TestDetectPass(t *testing.T) {
	if !DetectPass("  [PASS]  ") {
		t.Error("expected whitespace-padded [PASS] to be detected")
	}
	if DetectPass("[PASS] not really") {
		t.Error("expected trailing content to disqualify [PASS]")
	}
}

func TestExtractShareableFindsShareTags(t *testing.T) {
	got := ExtractShareable("<thinking>scratch</thinking><Share>hello</Share>")
	if got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestExtractShareableMultipleBlocksJoined(t *testing.T) {
	got := ExtractShareable("<Share>one</Share> noise <Share>two</Share>")
	if got != "one\n\ntwo" {
		t.Errorf("got %q", got)
	}
}

func TestExtractShareableNoTagsReturnsPlaceholder(t *testing.T) {
	if got := ExtractShareable("just text"); got != PlaceholderResponse {
		t.Errorf("got %q", got)
	}
}

func TestExtractShareablePassPassesThrough(t *testing.T) {
	if got := ExtractShareable("[PASS]"); got != "[PASS]" {
		t.Errorf("got %q", got)
	}
}

func TestExtractMentions(t *testing.T) {
	got := ExtractMentions("hey @claude and @codex, not a path/@ignored")
	want := []string{"claude", "codex"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExtractAgreements(t *testing.T) {
	got := ExtractAgreements("+1 claude sounds good")
	if len(got) != 1 || got[0] != "claude" {
		t.Errorf("got %v", got)
	}
}

func TestExtractHandoffsIncludesContext(t *testing.T) {
	got := ExtractHandoffs("[HANDOFF:codex] please finish the migration. thanks")
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	if got[0].Agent != "codex" {
		t.Errorf("unexpected agent: %q", got[0].Agent)
	}
	if got[0].Context != "please finish the migration" {
		t.Errorf("unexpected context: %q", got[0].Context)
	}
}

func TestExtractStatuses(t *testing.T) {
	got := ExtractStatuses("[DONE] then [STATUS: waiting on review]")
	want := []string{"DONE", "waiting on review"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
