package claude

import (
	"errors"
	"testing"
)

func TestShouldRetryWithoutSession(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		err    error
		want   bool
	}{
		{"no error", "", nil, false},
		{"empty stderr on failure", "", errors.New("turn ended without completion marker"), true},
		{"whitespace-only stderr on failure", "  \n", errors.New("boom"), true},
		{"non-empty stderr on failure", "rate limited, retrying\n", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldRetryWithoutSession(c.stderr, c.err); got != c.want {
				t.Errorf("ShouldRetryWithoutSession(%q, %v) = %v, want %v", c.stderr, c.err, got, c.want)
			}
		})
	}
}
