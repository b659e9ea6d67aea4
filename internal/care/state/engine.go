// Package state holds the C.A.R.E. state engine and policy gate.
//
// The engine is a pure function over a data-driven transition table. The
// gate decides, per tenant and per call, whether a proposal may be persisted
// or only recorded in shadow mode.
package state

import (
	"portal_care_backend/internal/care/signals"
)

// Input is everything the engine looks at.
type Input struct {
	CurrentState string
	Signals      signals.Signals
	ActionOrigin string
}

// Proposal is a suggested transition. A nil proposal means no change.
type Proposal struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
	Rule      string `json:"rule"`
}

// Engine evaluates a transition table.
type Engine struct {
	table *Table
}

// NewEngine builds an engine over t.
func NewEngine(t *Table) *Engine {
	return &Engine{table: t}
}

// InitialState is the state a new entity starts in.
func (e *Engine) InitialState() string {
	return e.table.Initial
}

// ProposeTransition returns the first matching rule's target, or nil.
func (e *Engine) ProposeTransition(in Input) *Proposal {
	current := in.CurrentState
	if current == "" {
		current = e.table.Initial
	}

	for _, r := range e.table.Rules {
		if !r.appliesFrom(current) {
			continue
		}
		if !r.guardsHold(in) {
			continue
		}
		if r.To == current {
			return nil
		}
		return &Proposal{FromState: current, ToState: r.To, Reason: r.Reason, Rule: r.Name}
	}
	return nil
}

func (r Rule) appliesFrom(current string) bool {
	for _, f := range r.From {
		if f == AnyState || f == current {
			return true
		}
	}
	return false
}

func (r Rule) guardsHold(in Input) bool {
	for _, c := range r.When {
		if !c.holds(in) {
			return false
		}
	}
	return true
}

func (c Condition) holds(in Input) bool {
	switch {
	case c.Flag != "":
		want := true
		if c.Is != nil {
			want = *c.Is
		}
		return in.Signals.Flag(c.Flag) == want
	case c.Trigger != "":
		return string(in.Signals.TriggerType) == c.Trigger
	case c.Origin != "":
		return in.ActionOrigin == c.Origin
	case c.Signal != "":
		v, ok := in.Signals.Number(c.Signal)
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	}
	return false
}

func compare(v float64, op string, target float64) bool {
	switch op {
	case "gt":
		return v > target
	case "gte":
		return v >= target
	case "lt":
		return v < target
	case "lte":
		return v <= target
	case "eq":
		return v == target
	}
	return false
}
