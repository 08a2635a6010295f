package codex

import (
	"errors"
	"testing"
)

func TestShouldRetryWithoutSession(t *testing.T) {
	if ShouldRetryWithoutSession("", nil) {
		t.Error("expected false when the turn did not fail")
	}
	if !ShouldRetryWithoutSession("", errors.New("boom")) {
		t.Error("expected any resumed-turn failure to drop the session")
	}
	if !ShouldRetryWithoutSession("context_length_exceeded", errors.New("boom")) {
		t.Error("expected context-window exhaustion to drop the session")
	}
}
