package replay

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autoflow/internal/audit"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

const modelAt = `
version: %s
kind: linear
features: [Temp, Pressure]
weights: [1, 0]
labels:
  - name: Normal
    max: %g
  - name: High
    min: %g
`

func engine(t *testing.T, version string, threshold float64) *Engine {
	t.Helper()
	a, err := ml.ParseArtifact([]byte(fmt.Sprintf(modelAt, version, threshold, threshold)))
	require.NoError(t, err)
	b, err := features.NewBuilder([]string{"Temp", "Pressure"})
	require.NoError(t, err)
	p, err := policy.New(map[string]policy.Rule{
		"High": {Tag: "CoolingValve", Value: 1, Type: "DINT"},
	})
	require.NoError(t, err)
	return NewEngine(b, ml.NewEngine(*a, nil), p)
}

type recorded struct {
	temp, pressure *float64
	action         bool
}

func f(v float64) *float64 { return &v }

// recordTrail writes readings, and an applied CoolingValve action where
// requested, one cycle per minute.
func recordTrail(t *testing.T, cycles []recorded) *audit.BoltStore {
	t.Helper()
	store, err := audit.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for i, c := range cycles {
		id := uuid.NewString()
		ts := t0.Add(time.Duration(i) * time.Minute)
		if c.temp != nil {
			require.NoError(t, store.Record(ctx, audit.ReadingRecord(tags.Reading{ID: uuid.NewString(), CycleID: id, Tag: "Temp", Value: tags.Real(*c.temp), Timestamp: ts})))
		}
		if c.pressure != nil {
			require.NoError(t, store.Record(ctx, audit.ReadingRecord(tags.Reading{ID: uuid.NewString(), CycleID: id, Tag: "Pressure", Value: tags.Real(*c.pressure), Timestamp: ts})))
		}
		if c.action {
			resID := ml.ResultID(id, "temp-v1")
			require.NoError(t, store.Record(ctx, audit.ActionRecord(policy.Action{
				ID: policy.ActionID(resID, "CoolingValve"), CycleID: id, TargetTag: "CoolingValve",
				NewValue: tags.Int(1), ResultID: resID, Timestamp: ts, Status: policy.StatusApplied,
			})))
		}
	}
	return store
}

func plantHistory() []recorded {
	return []recorded{
		{temp: f(72), pressure: f(101.3)},
		{temp: f(95), pressure: f(101.0), action: true},
		{temp: f(91.5), pressure: f(100.8), action: true},
		{temp: f(88)},
	}
}

func TestLoad_GroupsReadingsByCycle(t *testing.T) {
	store := recordTrail(t, plantHistory())

	trail, err := Load(store, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trail.Cycles, 4)
	assert.Len(t, trail.Actions, 2)
	assert.Equal(t, t0, trail.StartTime)
	assert.Equal(t, t0.Add(3*time.Minute), trail.EndTime)

	first := trail.Cycles[0]
	assert.Equal(t, t0, first.Timestamp)
	assert.True(t, first.Readings["Temp"].Equal(tags.Real(72)))
	assert.True(t, first.Readings["Pressure"].Equal(tags.Real(101.3)))
	assert.Len(t, trail.Cycles[3].Readings, 1)

	trail, err = Load(store, t0.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Len(t, trail.Cycles, 3)
}

type failingSource struct{}

func (failingSource) Readings(start, end time.Time) ([]tags.Reading, error) {
	return nil, errors.New("disk gone")
}

func (failingSource) Actions(start, end time.Time) ([]policy.Action, error) {
	return nil, nil
}

func TestLoad_SourceError(t *testing.T) {
	_, err := Load(failingSource{}, time.Time{}, time.Time{})
	assert.ErrorContains(t, err, "disk gone")
}

func TestEngine_SameModelHasNoDivergence(t *testing.T) {
	trail, err := Load(recordTrail(t, plantHistory()), time.Time{}, time.Time{})
	require.NoError(t, err)

	res := engine(t, "temp-v1", 90).Run(trail)

	assert.Equal(t, "temp-v1", res.ModelVersion)
	assert.Equal(t, 4, res.Cycles)
	assert.Equal(t, 3, res.Scored)
	assert.Equal(t, map[string]int{"incomplete_data": 1}, res.Skipped)
	assert.Equal(t, map[string]int{"Normal": 1, "High": 2}, res.Labels)
	assert.Equal(t, map[string]int{"CoolingValve": 2}, res.Actions)
	assert.Equal(t, 0, res.Divergences)

	high := res.Outcomes[1]
	require.NotNil(t, high.Action)
	require.NotNil(t, high.Recorded)
	assert.Equal(t, high.Recorded.ID, high.Action.ID, "replay reproduces the recorded action ID")
}

func TestEngine_NewThresholdDiverges(t *testing.T) {
	trail, err := Load(recordTrail(t, plantHistory()), time.Time{}, time.Time{})
	require.NoError(t, err)

	res := engine(t, "temp-v2", 93).Run(trail)

	assert.Equal(t, map[string]int{"Normal": 2, "High": 1}, res.Labels)
	assert.Equal(t, map[string]int{"CoolingValve": 1}, res.Actions)
	assert.Equal(t, 1, res.Divergences)

	o := res.Outcomes[2]
	assert.True(t, o.Diverged)
	assert.Nil(t, o.Action)
	require.NotNil(t, o.Recorded)
	assert.Equal(t, "Normal", o.Label)
	assert.False(t, res.Outcomes[3].Diverged, "skipped cycles never diverge")
}

func TestSameIntent(t *testing.T) {
	a := &policy.Action{TargetTag: "CoolingValve", NewValue: tags.Int(1), Status: policy.StatusApplied}
	b := &policy.Action{TargetTag: "CoolingValve", NewValue: tags.Int(1), Status: policy.StatusFailed}
	c := &policy.Action{TargetTag: "CoolingValve", NewValue: tags.Int(0)}

	assert.True(t, sameIntent(nil, nil))
	assert.True(t, sameIntent(a, b))
	assert.False(t, sameIntent(a, c))
	assert.False(t, sameIntent(a, nil))
	assert.False(t, sameIntent(nil, c))
}

func TestReporter(t *testing.T) {
	trail, err := Load(recordTrail(t, plantHistory()), time.Time{}, time.Time{})
	require.NoError(t, err)
	res := engine(t, "temp-v2", 93).Run(trail)
	r := NewReporter(res)

	var buf bytes.Buffer
	r.PrintSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "Model Version: temp-v2")
	assert.Contains(t, out, "Cycles: 4 (scored 3, skipped 1)")
	assert.Contains(t, out, "incomplete_data")
	assert.Contains(t, out, "Divergences from recorded actions: 1")

	path := filepath.Join(t.TempDir(), "replay.csv")
	require.NoError(t, r.WriteCSV(path))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "Cycle ID", rows[0][0])

	assert.Equal(t, "High", rows[2][2])
	assert.Equal(t, "CoolingValve", rows[2][5])
	assert.Equal(t, "1", rows[2][6])
	assert.Equal(t, "applied", rows[2][9])
	assert.Equal(t, "false", rows[2][10])

	assert.Equal(t, "Normal", rows[3][2])
	assert.Equal(t, "", rows[3][5])
	assert.Equal(t, "CoolingValve", rows[3][7])
	assert.Equal(t, "true", rows[3][10])

	assert.Equal(t, "incomplete_data", rows[4][4])
	assert.Equal(t, "", rows[4][3])
}

func TestExport(t *testing.T) {
	trail, err := Load(recordTrail(t, plantHistory()), time.Time{}, time.Time{})
	require.NoError(t, err)
	b, err := features.NewBuilder([]string{"Temp", "Pressure"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := Export(trail, b, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "the cycle without Pressure is left out")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var row TrainingRow
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &row))
	assert.Equal(t, trail.Cycles[1].ID, row.CycleID)
	assert.Equal(t, t0.Add(time.Minute), row.RowTime())
	assert.Equal(t, map[string]float64{"Temp": 95, "Pressure": 101.0}, row.Features)
	assert.Equal(t, "CoolingValve", row.ActionTag)
	assert.Equal(t, "1", row.ActionValue)

	var first TrainingRow
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Empty(t, first.ActionTag)
}
