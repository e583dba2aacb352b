package ml

import (
	"fmt"
	"math"
	"os"
	"time"

	"autoflow/internal/features"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines metrics methods needed by the engine
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLPredictionScoresObserve(float64)
}

// Engine scores feature vectors against one immutable model artifact.
// It holds no mutable state, so Score is safe for concurrent use.
type Engine struct {
	artifact     Artifact
	ids          [][]int
	path         string
	modelCreated time.Time
	loadedAt     time.Time
	metrics      MetricsInterface
}

// Info describes the loaded model.
type Info struct {
	Version     string    `json:"version"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description,omitempty"`
	Features    []string  `json:"features"`
	Labels      []string  `json:"labels"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Load resolves path (an artifact file, or a registry directory whose
// active version is used) and loads the model.
func Load(path string, metrics MetricsInterface) (*Engine, error) {
	resolved := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		reg, err := NewModelManager(path)
		if err != nil {
			return nil, err
		}
		current := reg.GetCurrentVersion()
		if current == nil {
			return nil, fmt.Errorf("model registry %s has no active version", path)
		}
		resolved = reg.ArtifactPath(*current)
	}

	a, err := ReadArtifact(resolved)
	if err != nil {
		return nil, err
	}
	e := NewEngine(*a, metrics)
	e.path = resolved

	if info, err := os.Stat(resolved); err == nil {
		e.modelCreated = info.ModTime()
		if metrics != nil {
			metrics.MLModelAgeSet(time.Since(e.modelCreated).Seconds())
		}
	}

	log.Info().
		Str("model_path", resolved).
		Str("version", a.Version).
		Str("kind", string(a.Kind)).
		Strs("features", a.Features).
		Msg("model artifact loaded")
	return e, nil
}

// NewEngine builds an engine from an already validated artifact.
func NewEngine(a Artifact, metrics MetricsInterface) *Engine {
	e := &Engine{artifact: a, loadedAt: time.Now(), metrics: metrics}
	if a.Basis.Degree > 1 {
		e.ids = polyIDs(len(a.Features), a.Basis.Degree)
	}
	return e
}

func (e *Engine) Version() string { return e.artifact.Version }

// Info returns metadata about the loaded model.
func (e *Engine) Info() Info {
	labels := make([]string, 0, len(e.artifact.Labels))
	for _, b := range e.artifact.Labels {
		labels = append(labels, b.Name)
	}
	if e.artifact.Kind == KindSetpoint {
		labels = append(labels, LabelValid, LabelInvalidInput, LabelInvalidOutput)
	}
	return Info{
		Version:     e.artifact.Version,
		Kind:        e.artifact.Kind,
		Description: e.artifact.Description,
		Features:    append([]string(nil), e.artifact.Features...),
		Labels:      labels,
		Path:        e.path,
		CreatedAt:   e.modelCreated,
		LoadedAt:    e.loadedAt,
	}
}

// Score implements Scorer.
func (e *Engine) Score(fv features.Vector) (Result, error) {
	start := time.Now()
	res, err := e.score(fv)
	if e.metrics != nil {
		e.metrics.MLLatencyObserve(time.Since(start).Seconds())
		if err != nil {
			e.metrics.MLFailuresInc()
		} else {
			e.metrics.MLPredictionsInc()
			e.metrics.MLPredictionScoresObserve(res.Score)
		}
	}
	return res, err
}

func (e *Engine) score(fv features.Vector) (Result, error) {
	a := &e.artifact
	if fv.Len() != a.InputLen() {
		return Result{}, &ModelError{Version: a.Version, Reason: fmt.Sprintf("expected %d features, got %d", a.InputLen(), fv.Len())}
	}
	if len(fv.Tags) == len(a.Features) {
		for i, name := range a.Features {
			if fv.Tags[i] != name {
				return Result{}, &ModelError{Version: a.Version, Reason: fmt.Sprintf("feature %d is %q, model expects %q", i, fv.Tags[i], name)}
			}
		}
	}

	var score float64
	var label string
	switch a.Kind {
	case KindSetpoint:
		score, label = setpoint(*a.Setpoint, fv.Values[0])
	default:
		x := fv.Values
		if e.ids != nil {
			x = expand(e.ids, x)
		}
		score = a.Bias
		for i, w := range a.Weights {
			score += w * x[i]
		}
		if a.Kind == KindLogistic {
			score = sigmoid(score)
		}
		label = e.label(score)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return Result{}, &ModelError{Version: a.Version, Reason: fmt.Sprintf("non-finite score %v", score)}
	}

	return Result{
		ID:           ResultID(fv.CycleID, a.Version),
		CycleID:      fv.CycleID,
		Features:     fv,
		Score:        score,
		Label:        label,
		ModelVersion: a.Version,
		Timestamp:    fv.Timestamp,
	}, nil
}

func (e *Engine) label(score float64) string {
	for _, b := range e.artifact.Labels {
		if b.contains(score) {
			return b.Name
		}
	}
	return LabelUnclassified
}

// setpoint returns the cooling-water return temperature for a wet-bulb
// temperature, rounded half to even at 0.1, and whether input and output are in range.
func setpoint(p SetpointParams, input float64) (float64, string) {
	var inc float64
	switch {
	case input <= p.LowInput:
		inc = p.LowIncrement
	case input >= p.HighInput:
		inc = p.HighIncrement
	default:
		slope := (p.HighIncrement - p.LowIncrement) / (p.HighInput - p.LowInput)
		inc = slope*(input-p.LowInput) + p.LowIncrement
	}
	out := math.RoundToEven((input+inc)*10) / 10

	if input < p.InputMin || input > p.InputMax {
		return out, LabelInvalidInput
	}
	if out < p.OutputMin || out > p.OutputMax {
		return out, LabelInvalidOutput
	}
	return out, LabelValid
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
