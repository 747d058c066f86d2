package store

import (
	"fmt"
	"testing"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   models.Status
		valid  bool
	}{
		{"claim", models.StatusWaiting, true},
		{"claim", models.StatusServing, false},
		{"claim", models.StatusCompleted, false},
		{"claim", models.StatusCanceled, false},
		{"complete", models.StatusServing, true},
		{"complete", models.StatusWaiting, false},
		{"complete", models.StatusCompleted, false},
		{"cancel", models.StatusWaiting, true},
		{"cancel", models.StatusServing, false},
		{"cancel", models.StatusCanceled, false},
		{"unknown", models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	all := []models.Status{models.StatusWaiting, models.StatusServing, models.StatusCompleted, models.StatusCanceled}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if Reachable(from, to) {
				t.Fatalf("terminal status %s reaches %s", from, to)
			}
		}
	}
	if Reachable(models.StatusWaiting, models.StatusCompleted) {
		t.Fatalf("WAITING must not reach COMPLETED without SERVING")
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrAlreadyClaimed, "already_claimed"},
		{fmt.Errorf("claim q1: %w", ErrNotFound), "not_found"},
		{ErrExpired, "expired"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tt := range cases {
		if got := Kind(tt.err); got != tt.want {
			t.Fatalf("Kind(%v)=%q, want %q", tt.err, got, tt.want)
		}
	}
}
