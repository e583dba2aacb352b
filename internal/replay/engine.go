// Package replay re-runs recorded control cycles through a model and
// decision policy, offline. It never touches a controller; it reports
// what the given model and policy would have done and where that differs
// from what was recorded.
package replay

import (
	"time"

	"autoflow/internal/control"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"

	"github.com/rs/zerolog/log"
)

// Outcome is the replayed result of one cycle.
type Outcome struct {
	CycleID   string
	Timestamp time.Time
	Label     string
	Score     float64
	Action    *policy.Action
	Recorded  *policy.Action
	Skipped   string
	Diverged  bool
}

// Results holds replay results.
type Results struct {
	ModelVersion string
	StartTime    time.Time
	EndTime      time.Time
	Cycles       int
	Scored       int
	Skipped      map[string]int
	Labels       map[string]int
	Actions      map[string]int
	Divergences  int
	Outcomes     []Outcome
}

// Engine replays cycles.
type Engine struct {
	builder *features.Builder
	scorer  ml.Scorer
	decider control.Decider
}

func NewEngine(builder *features.Builder, scorer ml.Scorer, decider control.Decider) *Engine {
	return &Engine{builder: builder, scorer: scorer, decider: decider}
}

// Run replays every cycle of t in order.
func (e *Engine) Run(t *Trail) *Results {
	log.Info().
		Str("model_version", e.scorer.Version()).
		Int("cycles", len(t.Cycles)).
		Msg("Starting replay")

	res := &Results{
		ModelVersion: e.scorer.Version(),
		StartTime:    t.StartTime,
		EndTime:      t.EndTime,
		Skipped:      make(map[string]int),
		Labels:       make(map[string]int),
		Actions:      make(map[string]int),
		Outcomes:     make([]Outcome, 0, len(t.Cycles)),
	}

	for _, c := range t.Cycles {
		out := e.replay(c)
		if a, ok := t.Actions[c.ID]; ok {
			out.Recorded = &a
		}
		out.Diverged = out.Skipped == "" && !sameIntent(out.Action, out.Recorded)

		res.Cycles++
		if out.Skipped != "" {
			res.Skipped[out.Skipped]++
		} else {
			res.Scored++
			res.Labels[out.Label]++
		}
		if out.Action != nil {
			res.Actions[out.Action.TargetTag]++
		}
		if out.Diverged {
			res.Divergences++
			log.Debug().
				Str("cycle_id", c.ID).
				Str("label", out.Label).
				Msg("Replayed decision diverges from recorded action")
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	log.Info().
		Int("cycles", res.Cycles).
		Int("scored", res.Scored).
		Int("divergences", res.Divergences).
		Msg("Replay finished")
	return res
}

func (e *Engine) replay(c Cycle) Outcome {
	out := Outcome{CycleID: c.ID, Timestamp: c.Timestamp}

	fv, err := e.builder.Build(c.ID, c.Readings, c.Timestamp)
	if err != nil {
		out.Skipped = control.Classify(err)
		return out
	}
	r, err := e.scorer.Score(fv)
	if err != nil {
		out.Skipped = control.Classify(err)
		return out
	}
	out.Label = r.Label
	out.Score = r.Score

	action, err := e.decider.Decide(r)
	if err != nil {
		out.Skipped = control.Classify(err)
		return out
	}
	out.Action = action
	return out
}

// sameIntent reports whether two actions write the same value to the same
// tag. Write status is ignored.
func sameIntent(a, b *policy.Action) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.TargetTag == b.TargetTag && a.NewValue.Equal(b.NewValue)
}
