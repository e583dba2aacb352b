package ml

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind selects how an artifact turns features into a score.
type Kind string

const (
	// KindLinear scores w·x + b.
	KindLinear Kind = "linear"
	// KindLogistic scores sigmoid(w·x + b).
	KindLogistic Kind = "logistic"
	// KindSetpoint computes the cooling-water return temperature setpoint
	// from the wet-bulb temperature.
	KindSetpoint Kind = "setpoint"
)

// Labels produced by the setpoint kind and by unmatched scores.
const (
	LabelValid         = "Valid"
	LabelInvalidInput  = "InvalidInput"
	LabelInvalidOutput = "InvalidOutput"
	LabelUnclassified  = "Unclassified"
)

// Band maps a score interval to a label. Min is inclusive, Max exclusive;
// a nil bound is open.
type Band struct {
	Name string   `yaml:"name" json:"name"`
	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

func (b Band) contains(s float64) bool {
	if b.Min != nil && s < *b.Min {
		return false
	}
	if b.Max != nil && s >= *b.Max {
		return false
	}
	return true
}

// Basis configures the polynomial feature expansion applied before the
// weights. Degree 0 or 1 leaves the features unchanged.
type Basis struct {
	Degree int `yaml:"degree" json:"degree"`
}

// SetpointParams parameterise KindSetpoint. The increment added to the
// input is LowIncrement at or below LowInput, HighIncrement at or above
// HighInput and linear in between.
type SetpointParams struct {
	LowInput      float64 `yaml:"lowInput" json:"low_input"`
	HighInput     float64 `yaml:"highInput" json:"high_input"`
	LowIncrement  float64 `yaml:"lowIncrement" json:"low_increment"`
	HighIncrement float64 `yaml:"highIncrement" json:"high_increment"`
	InputMin      float64 `yaml:"inputMin" json:"input_min"`
	InputMax      float64 `yaml:"inputMax" json:"input_max"`
	OutputMin     float64 `yaml:"outputMin" json:"output_min"`
	OutputMax     float64 `yaml:"outputMax" json:"output_max"`
}

// DefaultSetpoint is the plant's commissioning rule.
func DefaultSetpoint() SetpointParams {
	return SetpointParams{
		LowInput:      20,
		HighInput:     30,
		LowIncrement:  3,
		HighIncrement: 4,
		InputMin:      5,
		InputMax:      35,
		OutputMin:     15,
		OutputMax:     30,
	}
}

// Artifact is a trained model as stored on disk (YAML or JSON).
type Artifact struct {
	Version     string          `yaml:"version" json:"version"`
	Kind        Kind            `yaml:"kind" json:"kind"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Features    []string        `yaml:"features" json:"features"`
	Basis       Basis           `yaml:"basis,omitempty" json:"basis"`
	Weights     []float64       `yaml:"weights,omitempty" json:"weights,omitempty"`
	Bias        float64         `yaml:"bias,omitempty" json:"bias"`
	Labels      []Band          `yaml:"labels,omitempty" json:"labels,omitempty"`
	Setpoint    *SetpointParams `yaml:"setpoint,omitempty" json:"setpoint,omitempty"`
}

// ReadArtifact reads and validates an artifact file.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes and validates an artifact. JSON is accepted as YAML.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact: %w", err)
	}
	return &a, nil
}

// InputLen is the number of features the model expects.
func (a *Artifact) InputLen() int { return len(a.Features) }

func (a *Artifact) expandedLen() int {
	if a.Basis.Degree <= 1 {
		return len(a.Features)
	}
	return len(polyIDs(len(a.Features), a.Basis.Degree))
}

func (a *Artifact) validate() error {
	if a.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(a.Features) == 0 {
		return fmt.Errorf("at least one feature is required")
	}
	if a.Basis.Degree < 0 || a.Basis.Degree > 5 {
		return fmt.Errorf("basis degree must be between 0 and 5, got %d", a.Basis.Degree)
	}

	switch a.Kind {
	case KindLinear, KindLogistic:
		if len(a.Weights) != a.expandedLen() {
			return fmt.Errorf("expected %d weights, got %d", a.expandedLen(), len(a.Weights))
		}
	case KindSetpoint:
		if len(a.Features) != 1 {
			return fmt.Errorf("setpoint model takes exactly one feature, got %d", len(a.Features))
		}
		if a.Setpoint == nil {
			sp := DefaultSetpoint()
			a.Setpoint = &sp
		}
		sp := a.Setpoint
		if sp.HighInput <= sp.LowInput {
			return fmt.Errorf("setpoint highInput must exceed lowInput")
		}
		if sp.InputMin > sp.InputMax || sp.OutputMin > sp.OutputMax {
			return fmt.Errorf("setpoint min must not exceed max")
		}
	default:
		return fmt.Errorf("unknown model kind %q", a.Kind)
	}

	for i, b := range a.Labels {
		if b.Name == "" {
			return fmt.Errorf("label band %d has no name", i)
		}
		if b.Min != nil && b.Max != nil && *b.Min >= *b.Max {
			return fmt.Errorf("label band %q: min must be below max", b.Name)
		}
	}
	return nil
}
