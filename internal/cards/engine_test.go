package cards

import "testing"

func TestStartCardNoCoordinatorGoesToPlanning(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("Fix bug", "parser crashes on empty input", "claude", "codex", "claude", "")

	updated, prompt, err := e.StartCard(card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPlanning {
		t.Errorf("status = %s, want planning", updated.Status)
	}
	if prompt == "" {
		t.Error("expected a planning prompt")
	}
}

func TestStartCardWithCoordinatorGoesToCoordinating(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("Migrate auth", "", "", "", "", "claude")

	updated, prompt, err := e.StartCard(card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusCoordinating || updated.CoordinationStage != StageInitial {
		t.Errorf("got status=%s stage=%s", updated.Status, updated.CoordinationStage)
	}
	if prompt == "" {
		t.Error("expected a coordinating prompt")
	}
}

func TestStartCardRejectsNonBacklog(t *testing.T) {
	e := NewEngine([]string{"claude"})
	card := e.CreateCard("t", "d", "claude", "claude", "claude", "")
	if _, _, err := e.StartCard(card.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.StartCard(card.ID); err == nil {
		t.Error("expected error starting an already-started card")
	}
}

func TestPlanningDoneMovesToReviewing(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	if _, _, err := e.StartCard(card.ID); err != nil {
		t.Fatal(err)
	}

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "here's the plan [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusReviewing {
		t.Errorf("status = %s, want reviewing", updated.Status)
	}
	if updated.PreviousPhase != StatusPlanning {
		t.Errorf("previous_phase = %s, want planning", updated.PreviousPhase)
	}
	if prompt == "" {
		t.Error("expected a review prompt")
	}
}

func TestPlanningWithoutDoneStaysInPlanning(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	if _, _, err := e.StartCard(card.ID); err != nil {
		t.Fatal(err)
	}

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "still thinking it through")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPlanning {
		t.Errorf("status = %s, want planning", updated.Status)
	}
	if prompt != "" {
		t.Error("expected no prompt when work isn't done")
	}
}

func TestReviewApprovalAfterPlanningMovesToImplementing(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	e.StartCard(card.ID)
	e.OnAgentCompleted(card.ID, "claude", "plan ready [DONE]")

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "looks good [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusImplementing {
		t.Errorf("status = %s, want implementing", updated.Status)
	}
	if prompt == "" {
		t.Error("expected an implementation prompt")
	}
}

func TestReviewRejectionAfterPlanningSendsBackToPlanner(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	e.StartCard(card.ID)
	e.OnAgentCompleted(card.ID, "claude", "plan ready [DONE]")

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "needs more detail on rollback")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPlanning {
		t.Errorf("status = %s, want planning", updated.Status)
	}
	if prompt == "" {
		t.Error("expected a rejection prompt")
	}
}

func TestReviewAfterImplementingWithNoCoordinatorWaitsForUser(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	e.StartCard(card.ID)
	e.OnAgentCompleted(card.ID, "claude", "plan [DONE]")
	e.OnAgentCompleted(card.ID, "claude", "approved [DONE]")

	updated, prompt, err := e.OnAgentCompleted(card.ID, "codex", "implemented it [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusReviewing {
		t.Errorf("status = %s, want reviewing", updated.Status)
	}
	if prompt == "" {
		t.Fatal("expected a review prompt")
	}

	final, donePrompt, err := e.OnAgentCompleted(card.ID, "claude", "ship it [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusReviewing {
		t.Errorf("status = %s, want reviewing (await user)", final.Status)
	}
	if donePrompt != "" {
		t.Error("expected no auto-transition without the user marking done")
	}

	marked, err := e.MarkDone(card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marked.Status != StatusDone {
		t.Errorf("status = %s, want done", marked.Status)
	}
}

func TestMarkDoneRejectsNonReviewing(t *testing.T) {
	e := NewEngine([]string{"claude"})
	card := e.CreateCard("t", "d", "claude", "claude", "claude", "")
	if _, err := e.MarkDone(card.ID); err == nil {
		t.Error("expected error marking a backlog card done")
	}
}

func TestCoordinatingInitialDoneAssignsRolesAndMovesToPlanning(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("t", "d", "", "", "", "claude")
	e.StartCard(card.ID)

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude",
		"Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPlanning {
		t.Errorf("status = %s, want planning", updated.Status)
	}
	if updated.Planner != "claude" || updated.Implementer != "codex" || updated.Reviewer != "kimi" {
		t.Errorf("roles not assigned: planner=%s implementer=%s reviewer=%s",
			updated.Planner, updated.Implementer, updated.Reviewer)
	}
	if prompt == "" {
		t.Error("expected a planning prompt")
	}
}

func TestCoordinatingInitialWithoutDoneStays(t *testing.T) {
	e := NewEngine([]string{"claude"})
	card := e.CreateCard("t", "d", "", "", "", "claude")
	e.StartCard(card.ID)

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "still deciding direction")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusCoordinating || updated.CoordinationStage != StageInitial {
		t.Errorf("got status=%s stage=%s", updated.Status, updated.CoordinationStage)
	}
	if prompt != "" {
		t.Error("expected no prompt while still coordinating")
	}
}

func TestReviewingWithCoordinatorRoutesToCoordinationDecision(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("t", "d", "claude", "codex", "kimi", "claude")
	card.Status = StatusReviewing
	card.PreviousPhase = StatusPlanning

	updated, prompt, err := e.OnAgentCompleted(card.ID, "kimi", "plan looks solid [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusCoordinating || updated.CoordinationStage != StagePlanDecision {
		t.Errorf("got status=%s stage=%s", updated.Status, updated.CoordinationStage)
	}
	if prompt == "" {
		t.Error("expected a coordination-decision prompt")
	}
}

func TestCoordinationPlanDecisionApproveMovesToImplementing(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("t", "d", "claude", "codex", "kimi", "claude")
	card.Status = StatusCoordinating
	card.CoordinationStage = StagePlanDecision

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "approved [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusImplementing {
		t.Errorf("status = %s, want implementing", updated.Status)
	}
	if prompt == "" {
		t.Error("expected an implementation prompt")
	}
}

func TestCoordinationImplDecisionRejectSendsBackToImplementing(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("t", "d", "claude", "codex", "kimi", "claude")
	card.Status = StatusCoordinating
	card.CoordinationStage = StageImplDecision

	updated, prompt, err := e.OnAgentCompleted(card.ID, "claude", "not quite, missing edge cases")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusImplementing {
		t.Errorf("status = %s, want implementing", updated.Status)
	}
	if prompt == "" {
		t.Error("expected a rejection prompt")
	}
}

func TestParseDelegationResponseRequiresAllThreeRoles(t *testing.T) {
	e := NewEngine([]string{"claude", "codex", "kimi"})
	card := e.CreateCard("t", "d", "", "", "", "")

	updated, err := e.ParseDelegationResponse(card.ID, map[string]string{
		"claude": "Planner: @Claude, Implementer: @Codex",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated != nil {
		t.Fatal("expected nil until all three roles are claimed")
	}

	updated, err = e.ParseDelegationResponse(card.ID, map[string]string{
		"claude": "Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated == nil {
		t.Fatal("expected a card once all three roles are present")
	}
	if updated.Planner != "claude" || updated.Implementer != "codex" || updated.Reviewer != "kimi" {
		t.Errorf("roles not assigned correctly: %+v", updated)
	}
}

func TestGetCardsForAgent(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	a := e.CreateCard("a", "", "claude", "codex", "claude", "")
	e.CreateCard("b", "", "codex", "codex", "codex", "")

	got := e.GetCardsForAgent("claude")
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("got %v, want only card %s", got, a.ID)
	}
}

func TestHistoryAppendedBeforeTransition(t *testing.T) {
	e := NewEngine([]string{"claude", "codex"})
	card := e.CreateCard("t", "d", "claude", "codex", "claude", "")
	e.StartCard(card.ID)

	updated, _, err := e.OnAgentCompleted(card.ID, "claude", "plan [DONE]")
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(updated.History))
	}
	if updated.History[0].Phase != StatusPlanning {
		t.Errorf("history entry phase = %s, want planning (the phase active when the turn was taken)", updated.History[0].Phase)
	}
}
