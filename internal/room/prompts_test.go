package room

import "testing"

func TestSplitHistoryFirstRoundIsAllCurrent(t *testing.T) {
	history := []HistoryMessage{{Role: "user", Content: "hi"}}
	older, current := splitHistory(history, 1)
	if len(older) != 0 || len(current) != 1 {
		t.Fatalf("got older=%v current=%v", older, current)
	}
}

func TestSplitHistoryIncludesTriggeringUserMessage(t *testing.T) {
	history := []HistoryMessage{
		{Role: "user", Content: "seed"},
		{Role: "claude", Content: "r1 reply", Round: 1, HasRound: true},
		{Role: "user", Content: "follow up"},
		{Role: "codex", Content: "r2 reply", Round: 2, HasRound: true},
	}
	older, current := splitHistory(history, 3)
	if len(older) != 2 {
		t.Fatalf("expected 2 older messages, got %d: %v", len(older), older)
	}
	if len(current) != 2 || current[0].Content != "follow up" {
		t.Fatalf("expected current context to include the triggering user message, got %v", current)
	}
}

func TestBuildMentionNoticeDetectsMentionAndHandoff(t *testing.T) {
	current := []HistoryMessage{
		{Role: "claude", Content: "@codex can you take this? [HANDOFF:codex] finish the migration."},
	}
	notice := buildMentionNotice(current, "codex")
	if notice == "" {
		t.Fatal("expected a mention/handoff notice")
	}
}

func TestFormatCardsSectionListsAssignedRole(t *testing.T) {
	cards := []Card{{ID: "c1", Title: "Fix bug", Status: "in_progress", Implementer: "claude"}}
	got := FormatCardsSection(cards, "claude")
	if got == "" {
		t.Fatal("expected non-empty section")
	}
}

func TestFormatCardsSectionEmptyWhenNoCards(t *testing.T) {
	if got := FormatCardsSection(nil, "claude"); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
