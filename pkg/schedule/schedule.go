// Package schedule describes and generates the fault and workload
// scripts run against a simulated cluster.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/types"
)

// ActionKind identifies what a step does.
type ActionKind int

const (
	ActionWriteTx ActionKind = iota
	ActionRestartWalProposer
	ActionRestartSafekeeper
)

func (k ActionKind) String() string {
	switch k {
	case ActionWriteTx:
		return "write-tx"
	case ActionRestartWalProposer:
		return "restart-walproposer"
	case ActionRestartSafekeeper:
		return "restart-safekeeper"
	default:
		return "unknown"
	}
}

// Action is one scripted operation.
type Action struct {
	Kind ActionKind
	// Count is the number of transactions for ActionWriteTx.
	Count int
	// Safekeeper is the index restarted by ActionRestartSafekeeper.
	Safekeeper int
}

// WriteTx writes n transactions through the current proposer.
func WriteTx(n int) Action { return Action{Kind: ActionWriteTx, Count: n} }

// RestartWalProposer replaces the proposer with a fresh one.
func RestartWalProposer() Action { return Action{Kind: ActionRestartWalProposer} }

// RestartSafekeeper crashes and restarts safekeeper i.
func RestartSafekeeper(i int) Action { return Action{Kind: ActionRestartSafekeeper, Safekeeper: i} }

func (a Action) String() string {
	switch a.Kind {
	case ActionWriteTx:
		return fmt.Sprintf("WriteTx(%d)", a.Count)
	case ActionRestartWalProposer:
		return "RestartWalProposer"
	case ActionRestartSafekeeper:
		return fmt.Sprintf("RestartSafekeeper(%d)", a.Safekeeper)
	default:
		return a.Kind.String()
	}
}

// Step runs Action at virtual time At.
type Step struct {
	At     types.VirtualTime
	Action Action
}

func (s Step) String() string {
	return fmt.Sprintf("(%d, %s)", s.At, s.Action)
}

// Schedule is a list of steps ordered by time.
type Schedule []Step

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = st.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Writes returns the total number of transactions the schedule issues.
func (s Schedule) Writes() int {
	n := 0
	for _, st := range s {
		if st.Action.Kind == ActionWriteTx {
			n += st.Action.Count
		}
	}
	return n
}

// Validate checks s against a cluster of n safekeepers.
func (s Schedule) Validate(n int) error {
	var prev types.VirtualTime
	for i, st := range s {
		if st.At < prev {
			return errors.Wrapf(types.ErrConfiguration, "step %d at %d precedes step at %d", i, st.At, prev)
		}
		prev = st.At
		switch st.Action.Kind {
		case ActionWriteTx:
			if st.Action.Count < 0 {
				return errors.Wrapf(types.ErrConfiguration, "step %d writes %d transactions", i, st.Action.Count)
			}
		case ActionRestartWalProposer:
		case ActionRestartSafekeeper:
			if st.Action.Safekeeper < 0 || st.Action.Safekeeper >= n {
				return errors.Wrapf(types.ErrConfiguration, "step %d restarts safekeeper %d of %d", i, st.Action.Safekeeper, n)
			}
		default:
			return errors.Wrapf(types.ErrConfiguration, "step %d has unknown action %d", i, int(st.Action.Kind))
		}
	}
	return nil
}

// Generator produces random schedules. The same seed always yields the
// same schedule.
type Generator struct {
	Safekeepers int
	// MaxSteps bounds the schedule length; at least MinSteps are made.
	MinSteps, MaxSteps int
	// MaxGap is the largest time between two consecutive steps.
	MaxGap uint64
	// MaxWrites is the largest WriteTx count.
	MaxWrites int
}

// DefaultGenerator returns the generator used by Generate.
func DefaultGenerator() Generator {
	return Generator{
		Safekeepers: 3,
		MinSteps:    5,
		MaxSteps:    40,
		MaxGap:      100,
		MaxWrites:   10,
	}
}

// Generate returns a random schedule for seed using DefaultGenerator.
func Generate(seed uint64) Schedule {
	return DefaultGenerator().Generate(seed)
}

// Generate returns a random schedule for seed.
func (g Generator) Generate(seed uint64) Schedule {
	g = g.normalize()
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	steps := g.MinSteps + rng.IntN(g.MaxSteps-g.MinSteps+1)
	out := make(Schedule, 0, steps)
	var at types.VirtualTime
	for i := 0; i < steps; i++ {
		at += types.VirtualTime(rng.Uint64N(g.MaxGap + 1))
		var a Action
		switch roll := rng.IntN(100); {
		case roll < 60:
			a = WriteTx(1 + rng.IntN(g.MaxWrites))
		case roll < 85:
			a = RestartSafekeeper(rng.IntN(g.Safekeepers))
		default:
			a = RestartWalProposer()
		}
		out = append(out, Step{At: at, Action: a})
	}
	return out
}

func (g Generator) normalize() Generator {
	d := DefaultGenerator()
	if g.Safekeepers <= 0 {
		g.Safekeepers = d.Safekeepers
	}
	if g.MinSteps <= 0 {
		g.MinSteps = 1
	}
	if g.MaxSteps < g.MinSteps {
		g.MaxSteps = g.MinSteps
	}
	if g.MaxWrites <= 0 {
		g.MaxWrites = d.MaxWrites
	}
	return g
}
