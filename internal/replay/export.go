package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"autoflow/internal/features"

	"github.com/rs/zerolog/log"
)

// TrainingRow is one recorded cycle in model training format.
type TrainingRow struct {
	CycleID     string             `json:"cycle_id"`
	Timestamp   int64              `json:"timestamp"`
	Features    map[string]float64 `json:"features"`
	ActionTag   string             `json:"action_tag,omitempty"`
	ActionValue string             `json:"action_value,omitempty"`
}

// Export writes the cycles of t that carry every tag the builder requires
// to w, one JSON object per line, and returns the number written.
func Export(t *Trail, builder *features.Builder, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	written, dropped := 0, 0
	for _, c := range t.Cycles {
		fv, err := builder.Build(c.ID, c.Readings, c.Timestamp)
		if err != nil {
			dropped++
			log.Debug().Err(err).Str("cycle_id", c.ID).Msg("Cycle left out of export")
			continue
		}

		row := TrainingRow{
			CycleID:   c.ID,
			Timestamp: c.Timestamp.Unix(),
			Features:  make(map[string]float64, fv.Len()),
		}
		for i, name := range fv.Tags {
			row.Features[name] = fv.Values[i]
		}
		if a, ok := t.Actions[c.ID]; ok {
			row.ActionTag = a.TargetTag
			row.ActionValue = a.NewValue.String()
		}
		if err := enc.Encode(row); err != nil {
			return written, fmt.Errorf("failed to write training row: %w", err)
		}
		written++
	}

	if written == 0 {
		log.Warn().Int("dropped", dropped).Msg("No cycles matched the export criteria")
	} else {
		log.Info().Int("rows", written).Int("dropped", dropped).Msg("Training data exported")
	}
	return written, nil
}

// RowTime returns the cycle time of a training row.
func (r TrainingRow) RowTime() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}
