// Package cards implements the task-card state machine that coordinates a
// group of agents through backlog, planning, implementation, and review.
package cards

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a phase a card occupies as it moves through discussion.
type Status string

const (
	StatusBacklog      Status = "backlog"
	StatusCoordinating Status = "coordinating"
	StatusPlanning     Status = "planning"
	StatusReviewing    Status = "reviewing"
	StatusImplementing Status = "implementing"
	StatusDone         Status = "done"
)

// CoordinationStage further distinguishes the coordinating phase: the
// coordinator's initial direction-setting turn versus the two decision
// points it's routed back into after a review.
const (
	StageInitial      = "initial"
	StagePlanDecision = "plan_decision"
	StageImplDecision = "impl_decision"
)

// PhaseEntry is a single phase-transition record in a card's history.
type PhaseEntry struct {
	Phase     Status    `json:"phase"`
	Agent     string    `json:"agent"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Card is a Kanban task card that moves through discussion phases.
type Card struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Status             Status       `json:"status"`
	Planner            string       `json:"planner"`
	Implementer        string       `json:"implementer"`
	Reviewer           string       `json:"reviewer"`
	Coordinator        string       `json:"coordinator"`
	CoordinationStage  string       `json:"coordination_stage"`
	PreviousPhase      Status       `json:"previous_phase,omitempty"`
	History            []PhaseEntry `json:"history,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// GenerateCardID creates a unique card identifier.
func GenerateCardID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
