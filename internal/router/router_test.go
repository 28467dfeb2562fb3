package router

import (
	"errors"
	"testing"

	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/fault"
)

func testRoles() []config.RoleConfig {
	return []config.RoleConfig{
		{Name: "general", Description: "everyday assistant", Instructions: "Be helpful."},
		{Name: "coder", Keywords: []string{"code", "function", "compile", "stack trace"}},
		{Name: "planner", Keywords: []string{"schedule", "calendar", "remind"}},
	}
}

func TestRouter_ForcedIntentAlwaysWins(t *testing.T) {
	r, err := New(testRoles(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Content screams "coder" but the forced designation wins.
	role, err := r.Route("fix this function, the compile fails with a stack trace", "planner")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if role.Name != "planner" {
		t.Fatalf("role = %s, want planner", role.Name)
	}

	if _, err := r.Route("anything", "ghost"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("unknown forced intent err = %v, want ErrValidation", err)
	}
}

func TestRouter_ClassifierKeywordScoring(t *testing.T) {
	r, err := New(testRoles(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		content string
		want    string
	}{
		{"please add this to my calendar and remind me", "planner"},
		{"why does this function not compile", "coder"},
		{"hello there", "general"},
		{"", "general"},
	}
	for _, tc := range cases {
		role, err := r.Route(tc.content, "")
		if err != nil {
			t.Fatalf("Route(%q): %v", tc.content, err)
		}
		if role.Name != tc.want {
			t.Errorf("Route(%q) = %s, want %s", tc.content, role.Name, tc.want)
		}
	}
}

func TestRouter_RequiresRoles(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("New(nil) err = %v, want ErrValidation", err)
	}
}
