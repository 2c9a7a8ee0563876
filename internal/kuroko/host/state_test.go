package host_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to host.State
		want     bool
	}{
		{host.StatePending, host.StateProvisioning, true},
		{host.StateProvisioning, host.StateRunning, true},
		{host.StateRunning, host.StateIdlePaused, true},
		{host.StateIdlePaused, host.StateRunning, true},
		{host.StateRunning, host.StateStopping, true},
		{host.StateStopping, host.StateStopped, true},
		{host.StateStopped, host.StateProvisioning, true},
		{host.StateFailed, host.StateDestroying, true},
		{host.StateDestroying, host.StateDestroyed, true},

		{host.StateRunning, host.StateDestroyed, false},
		{host.StateRunning, host.StateStopped, false},
		{host.StateStopped, host.StateRunning, false},
		{host.StateDestroyed, host.StateDestroying, false},
		{host.StateFailed, host.StateRunning, false},
	}
	for _, tt := range tests {
		if got := host.ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEveryStateCanReachDestroyed(t *testing.T) {
	for _, s := range host.AllStates {
		if s == host.StateDestroyed {
			continue
		}
		if !reaches(s, host.StateDestroyed, map[host.State]bool{}) {
			t.Errorf("%s cannot reach DESTROYED", s)
		}
	}
}

func reaches(from, to host.State, seen map[host.State]bool) bool {
	if from == to {
		return true
	}
	seen[from] = true
	for _, n := range host.Next(from) {
		if !seen[n] && reaches(n, to, seen) {
			return true
		}
	}
	return false
}

func TestValidWalk_AllowsRevertFromIntermediate(t *testing.T) {
	walk := []host.State{
		host.StatePending, host.StateProvisioning, host.StateRunning,
		host.StateStopping, host.StateRunning, // provider stop failed, reverted
		host.StateStopping, host.StateStopped,
	}
	if i := host.ValidWalk(walk); i != -1 {
		t.Fatalf("walk rejected at step %d", i)
	}

	bad := []host.State{host.StateRunning, host.StateDestroyed}
	if i := host.ValidWalk(bad); i != 1 {
		t.Fatalf("expected RUNNING -> DESTROYED rejected at 1, got %d", i)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	var err error = &host.InvalidTransitionError{HostID: "host-1", From: host.StateStopped, To: host.StateIdlePaused, Op: "pause"}
	var ite *host.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatal("errors.As failed")
	}
	if !strings.Contains(err.Error(), "pause not allowed from STOPPED") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

// Random walks driven only through Next never produce an invalid step.
func TestRandomWalksStayOnGraph(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("walks built from Next are valid", prop.ForAll(
		func(choices []int) bool {
			walk := []host.State{host.StatePending}
			cur := host.StatePending
			for _, c := range choices {
				next := host.Next(cur)
				if len(next) == 0 {
					break
				}
				cur = next[c%len(next)]
				walk = append(walk, cur)
			}
			if host.ValidWalk(walk) != -1 {
				return false
			}
			for i := 1; i < len(walk); i++ {
				if walk[i-1] == host.StateRunning && walk[i] == host.StateDestroyed {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 16)),
	))

	properties.Property("no state skips DESTROYING on the way to DESTROYED", prop.ForAll(
		func(i int) bool {
			from := host.AllStates[i]
			return from == host.StateDestroying || !host.ValidTransition(from, host.StateDestroyed)
		},
		gen.IntRange(0, len(host.AllStates)-1),
	))

	properties.TestingRun(t)
}
