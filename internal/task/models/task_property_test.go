package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type step struct {
	Action Action
	Agent  string
}

func genStep() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(ActionClaim, ActionStart, ActionDone, ActionRelease, ActionCancel),
		gen.OneConstOf("alice", "bob", "carol"),
	).Map(func(vals []any) step {
		return step{Action: vals[0].(Action), Agent: vals[1].(string)}
	})
}

// legal is the transition table the state machine must never step outside
// of, ownership aside.
func legal(from StatusState, action Action) bool {
	switch action {
	case ActionClaim:
		return from == StateTodo
	case ActionStart:
		return from == StateClaimed
	case ActionDone, ActionRelease:
		return from == StateClaimed || from == StateInProgress
	case ActionCancel:
		return from == StateTodo || from == StateClaimed || from == StateInProgress
	}
	return false
}

func TestTransitionSequencesStayConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any action sequence preserves the state-machine invariants", prop.ForAll(
		func(steps []step) bool {
			now := time.Now().UTC()
			task := Task{
				ID:        "task-001",
				Title:     "prop",
				Priority:  3,
				Status:    Status{State: StateTodo},
				CreatedAt: now,
			}
			for _, s := range steps {
				before := task.Status
				terr := task.Transition(s.Action, s.Agent, now, "", "")
				if terr != nil {
					// A refused transition must not touch the status.
					if task.Status != before {
						return false
					}
					continue
				}
				// A granted transition must be on the legality table.
				if !legal(before.State, s.Action) {
					return false
				}
				// Ownership: start/done/release only ever succeed for the
				// current assignee.
				if (s.Action == ActionStart || s.Action == ActionDone || s.Action == ActionRelease) &&
					before.Assignee != s.Agent {
					return false
				}
				// Active states always carry an assignee; todo never does.
				switch task.Status.State {
				case StateClaimed, StateInProgress:
					if task.Status.Assignee == "" {
						return false
					}
				case StateTodo:
					if task.Status.Assignee != "" {
						return false
					}
				}
			}
			// Terminal states are absorbing: nothing moves a done or
			// cancelled task.
			if !task.Status.Open() {
				final := task.Status
				for _, a := range []Action{ActionClaim, ActionStart, ActionDone, ActionRelease, ActionCancel} {
					if task.Transition(a, "alice", now, "", "") == nil {
						return false
					}
					if task.Status != final {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genStep()),
	))

	properties.TestingRun(t)
}

func TestEffectivePriorityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("effective priority stays within [1, nominal]", prop.ForAll(
		func(priority int, ageHours int) bool {
			now := time.Now().UTC()
			task := Task{
				Priority:  priority,
				CreatedAt: now.Add(-time.Duration(ageHours) * time.Hour),
			}
			eff := task.EffectivePriority(now)
			if eff < 1 || eff > priority {
				return false
			}
			// One aged level per full day.
			want := priority - ageHours/24
			if want < 1 {
				want = 1
			}
			return eff == want
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 24*30),
	))

	properties.Property("aging is monotone: older never outranks newer numerically", prop.ForAll(
		func(priority int, ageA int, ageB int) bool {
			now := time.Now().UTC()
			older, newer := ageA, ageB
			if older < newer {
				older, newer = newer, older
			}
			a := Task{Priority: priority, CreatedAt: now.Add(-time.Duration(older) * time.Hour)}
			b := Task{Priority: priority, CreatedAt: now.Add(-time.Duration(newer) * time.Hour)}
			return a.EffectivePriority(now) <= b.EffectivePriority(now)
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 24*30),
		gen.IntRange(0, 24*30),
	))

	properties.TestingRun(t)
}

func TestIDRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatID and IDNumber round-trip", prop.ForAll(
		func(n int) bool {
			return IDNumber(FormatID(n)) == n
		},
		gen.IntRange(1, 99999),
	))

	properties.TestingRun(t)
}
