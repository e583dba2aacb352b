// Package policy maps inference results to control actions. A Policy is
// immutable once built and Decide has no side effects.
package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"autoflow/internal/ml"
	"autoflow/internal/tags"

	"github.com/google/uuid"
)

// Status of a control action when it is recorded.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Action is a decided write to a controller tag.
type Action struct {
	ID        string     `json:"id"`
	CycleID   string     `json:"cycle_id"`
	TargetTag string     `json:"target_tag"`
	NewValue  tags.Value `json:"new_value"`
	ResultID  string     `json:"result_id"`
	Timestamp time.Time  `json:"timestamp"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Rule is the action taken for one label. Either Value is written as is,
// or FromScore writes the score, clamped to [Min, Max] when set.
type Rule struct {
	Tag       string   `yaml:"tag" json:"tag"`
	Value     any      `yaml:"value,omitempty" json:"value,omitempty"`
	Type      string   `yaml:"type,omitempty" json:"type,omitempty"`
	FromScore bool     `yaml:"fromScore,omitempty" json:"from_score,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Validate checks the rule without building a policy.
func (r Rule) Validate() error {
	_, err := compile(r)
	return err
}

type compiled struct {
	rule  Rule
	typ   tags.Type
	fixed tags.Value
}

func compile(r Rule) (compiled, error) {
	c := compiled{rule: r}
	if r.Tag == "" {
		return c, fmt.Errorf("rule has no target tag")
	}
	if r.Type != "" {
		t, err := tags.ParseType(r.Type)
		if err != nil {
			return c, err
		}
		c.typ = t
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return c, fmt.Errorf("rule for %s: min exceeds max", r.Tag)
	}
	if r.FromScore {
		if r.Value != nil {
			return c, fmt.Errorf("rule for %s sets both value and fromScore", r.Tag)
		}
		return c, nil
	}
	v, err := tags.Decode(c.typ, r.Value)
	if err != nil {
		return c, fmt.Errorf("rule for %s: %w", r.Tag, err)
	}
	c.fixed = v
	return c, nil
}

// Policy holds the compiled decision thresholds.
type Policy struct {
	rules map[string]compiled
}

// New compiles rules keyed by inference label.
func New(rules map[string]Rule) (*Policy, error) {
	p := &Policy{rules: make(map[string]compiled, len(rules))}
	for label, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("decision threshold %q: %w", label, err)
		}
		p.rules[label] = c
	}
	return p, nil
}

// Labels returns the labels that trigger an action, sorted.
func (p *Policy) Labels() []string {
	out := make([]string, 0, len(p.rules))
	for l := range p.rules {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Decide returns the action for res, or nil when its label has no rule.
// The returned action is pending; its ID is derived from the result ID.
func (p *Policy) Decide(res ml.Result) (*Action, error) {
	c, ok := p.rules[res.Label]
	if !ok {
		return nil, nil
	}

	v := c.fixed
	if c.rule.FromScore {
		s := res.Score
		if c.rule.Min != nil {
			s = math.Max(s, *c.rule.Min)
		}
		if c.rule.Max != nil {
			s = math.Min(s, *c.rule.Max)
		}
		v = tags.Real(s)
		if c.typ != "" {
			var err error
			if v, err = tags.Coerce(c.typ, v); err != nil {
				return nil, &tags.TagError{Tag: c.rule.Tag, Err: err}
			}
		}
	}

	return &Action{
		ID:        ActionID(res.ID, c.rule.Tag),
		CycleID:   res.CycleID,
		TargetTag: c.rule.Tag,
		NewValue:  v,
		ResultID:  res.ID,
		Timestamp: res.Timestamp,
		Status:    StatusPending,
	}, nil
}

// ActionID derives the action ID for a result and target tag.
func ActionID(resultID, tag string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("action/"+resultID+"/"+tag)).String()
}
