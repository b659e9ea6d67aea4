package state

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed transitions.yaml
var defaultTableYAML []byte

// AnyState matches every source state in a rule's from list.
const AnyState = "*"

// Table is a data-driven transition table.
type Table struct {
	Initial string   `yaml:"initial"`
	States  []string `yaml:"states"`
	Rules   []Rule   `yaml:"rules"`
}

// Rule proposes To when the current state is in From and every guard holds.
type Rule struct {
	Name   string      `yaml:"name"`
	From   []string    `yaml:"from"`
	To     string      `yaml:"to"`
	Reason string      `yaml:"reason"`
	When   []Condition `yaml:"when"`
}

// Condition is a single guard. Exactly one of Signal, Flag, Trigger or
// Origin is set.
type Condition struct {
	Signal  string  `yaml:"signal,omitempty"`
	Op      string  `yaml:"op,omitempty"`
	Value   float64 `yaml:"value,omitempty"`
	Flag    string  `yaml:"flag,omitempty"`
	Is      *bool   `yaml:"is,omitempty"`
	Trigger string  `yaml:"trigger,omitempty"`
	Origin  string  `yaml:"origin,omitempty"`
}

var validOps = []string{"gt", "gte", "lt", "lte", "eq"}

// DefaultTable returns the embedded table.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTableYAML)
}

// LoadTable reads a table from path, or the embedded default when path is empty.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transition table: %w", err)
	}
	return ParseTable(raw)
}

// ParseTable decodes and validates a YAML table.
func ParseTable(raw []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transition table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Has reports whether s is a configured state.
func (t *Table) Has(s string) bool {
	return slices.Contains(t.States, s)
}

func (t *Table) validate() error {
	if len(t.States) == 0 {
		return fmt.Errorf("transition table: no states")
	}
	if !t.Has(t.Initial) {
		return fmt.Errorf("transition table: initial state %q is not declared", t.Initial)
	}
	for i, r := range t.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if !t.Has(r.To) {
			return fmt.Errorf("transition table: rule %s targets unknown state %q", name, r.To)
		}
		if r.Reason == "" {
			return fmt.Errorf("transition table: rule %s has no reason", name)
		}
		if len(r.From) == 0 {
			return fmt.Errorf("transition table: rule %s has no source states", name)
		}
		for _, f := range r.From {
			if f != AnyState && !t.Has(f) {
				return fmt.Errorf("transition table: rule %s starts from unknown state %q", name, f)
			}
		}
		for _, c := range r.When {
			if err := c.validate(); err != nil {
				return fmt.Errorf("transition table: rule %s: %w", name, err)
			}
		}
	}
	return nil
}

func (c Condition) validate() error {
	set := 0
	for _, s := range []string{c.Signal, c.Flag, c.Trigger, c.Origin} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("guard must name exactly one of signal, flag, trigger, origin")
	}
	if c.Signal != "" && !slices.Contains(validOps, c.Op) {
		return fmt.Errorf("guard on %s has unknown op %q", c.Signal, c.Op)
	}
	return nil
}
