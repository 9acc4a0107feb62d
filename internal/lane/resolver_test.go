// SPDX-License-Identifier: MIT

package lane

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/surfwright/surfwright/internal/command"
)

func TestResolveRules(t *testing.T) {
	r := NewResolver(command.Default(), "")

	tests := []struct {
		name     string
		argv     []string
		wantLane string
		wantFam  string
	}{
		{
			name:     "explicit session flag wins",
			argv:     []string{"target", "click", "--session", "s-7", "--target", "t-1"},
			wantLane: "session:s-7",
			wantFam:  command.FamilyTarget,
		},
		{
			name:     "session flag with equals form",
			argv:     []string{"target", "click", "--session=s-7"},
			wantLane: "session:s-7",
			wantFam:  command.FamilyTarget,
		},
		{
			name:     "open with profile",
			argv:     []string{"open", "--profile", "Work", "https://example.com"},
			wantLane: "origin:profile:work",
			wantFam:  command.FamilyOpen,
		},
		{
			name:     "run with shared isolation",
			argv:     []string{"run", "--isolation=shared"},
			wantLane: "origin:shared",
			wantFam:  command.FamilyRun,
		},
		{
			name:     "no binding falls to control default",
			argv:     []string{"session", "list"},
			wantLane: "control:default",
			wantFam:  command.FamilyControl,
		},
		{
			name:     "unknown command still resolves",
			argv:     []string{"bogus"},
			wantLane: "control:default",
			wantFam:  command.FamilyControl,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lane, fam := r.Resolve(tc.argv)
			assert.Equal(t, tc.wantLane, lane)
			assert.Equal(t, tc.wantFam, fam)
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := NewResolver(command.Default(), "agent-9")
	argv := []string{"open", "https://example.com/path?q=1"}

	first, fam := r.Resolve(argv)
	for i := 0; i < 50; i++ {
		lane, f := r.Resolve(argv)
		assert.Equal(t, first, lane)
		assert.Equal(t, fam, f)
	}
}

func TestResolveOpenURLOriginOnly(t *testing.T) {
	r := NewResolver(command.Default(), "")

	a, _ := r.Resolve([]string{"open", "https://example.com/one"})
	b, _ := r.Resolve([]string{"open", "https://example.com/two?x=y"})
	c, _ := r.Resolve([]string{"open", "https://other.example.com/one"})

	assert.Equal(t, a, b, "same origin shares a lane")
	assert.NotEqual(t, a, c, "different origin gets its own lane")
}

func TestResolveAttachByCDPOrigin(t *testing.T) {
	r := NewResolver(command.Default(), "")

	lower, fam := r.Resolve([]string{"session", "attach", "--cdp", "http://127.0.0.1:9222"})
	upper, _ := r.Resolve([]string{"session", "attach", "--cdp", "HTTP://127.0.0.1:9222"})

	assert.Equal(t, lower, upper, "cdp origin lane key is case-insensitive")
	assert.Equal(t, command.FamilyAttach, fam)
}

func TestResolveAgentScopedControlLane(t *testing.T) {
	withAgent := NewResolver(command.Default(), "agent-1")
	without := NewResolver(command.Default(), "")

	a, _ := withAgent.Resolve([]string{"session", "list"})
	b, _ := without.Resolve([]string{"session", "list"})

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "control:agent:")
	assert.Equal(t, "control:default", b)
}
