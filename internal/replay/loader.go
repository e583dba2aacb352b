package replay

import (
	"fmt"
	"time"

	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/rs/zerolog/log"
)

// Source is a recorded audit trail. audit.BoltStore implements it.
type Source interface {
	Readings(start, end time.Time) ([]tags.Reading, error)
	Actions(start, end time.Time) ([]policy.Action, error)
}

// Cycle is the set of readings taken in one recorded control cycle.
type Cycle struct {
	ID        string
	Timestamp time.Time
	Readings  map[string]tags.Value
}

// Trail is the recorded history to replay.
type Trail struct {
	Cycles    []Cycle
	Actions   map[string]policy.Action
	StartTime time.Time
	EndTime   time.Time
}

// Load reads readings and actions recorded in [start, end] and groups the
// readings by cycle in recording order. A zero bound is open.
func Load(src Source, start, end time.Time) (*Trail, error) {
	log.Info().
		Time("start", start).
		Time("end", end).
		Msg("Loading recorded cycles")

	readings, err := src.Readings(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}
	actions, err := src.Actions(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}

	t := &Trail{Actions: make(map[string]policy.Action, len(actions))}
	index := make(map[string]int)
	for _, r := range readings {
		i, ok := index[r.CycleID]
		if !ok {
			i = len(t.Cycles)
			index[r.CycleID] = i
			t.Cycles = append(t.Cycles, Cycle{
				ID:        r.CycleID,
				Timestamp: r.Timestamp,
				Readings:  make(map[string]tags.Value),
			})
		}
		t.Cycles[i].Readings[r.Tag] = r.Value

		if t.StartTime.IsZero() || r.Timestamp.Before(t.StartTime) {
			t.StartTime = r.Timestamp
		}
		if r.Timestamp.After(t.EndTime) {
			t.EndTime = r.Timestamp
		}
	}
	for _, a := range actions {
		t.Actions[a.CycleID] = a
	}

	log.Info().
		Int("readings", len(readings)).
		Int("cycles", len(t.Cycles)).
		Int("actions", len(actions)).
		Msg("Recorded cycles loaded")
	return t, nil
}
