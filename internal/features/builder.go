// Package features turns one polling cycle's tag readings into the ordered
// numeric vector a model expects.
package features

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"autoflow/internal/tags"

	"github.com/google/uuid"
)

// Vector is the model input for one cycle. Values[i] was read from Tags[i].
type Vector struct {
	ID        string    `json:"id"`
	CycleID   string    `json:"cycle_id"`
	Tags      []string  `json:"tags"`
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

// Len returns the number of features.
func (v Vector) Len() int { return len(v.Values) }

// IncompleteDataError reports required tags that were missing from a
// reading set, or whose values cannot be used as numbers.
type IncompleteDataError struct {
	Missing []string
	Invalid []string
}

func (e *IncompleteDataError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "non-numeric "+strings.Join(e.Invalid, ", "))
	}
	return "incomplete data: " + strings.Join(parts, "; ")
}

// Builder assembles vectors from a fixed, ordered set of required tags.
type Builder struct {
	required []string
}

// NewBuilder returns a builder for required. The order of required is the
// order of the produced vector.
func NewBuilder(required []string) (*Builder, error) {
	if len(required) == 0 {
		return nil, fmt.Errorf("at least one required tag is needed")
	}
	seen := make(map[string]struct{}, len(required))
	for _, t := range required {
		if t == "" {
			return nil, fmt.Errorf("empty tag name in required tags")
		}
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("duplicate required tag %q", t)
		}
		seen[t] = struct{}{}
	}
	return &Builder{required: append([]string(nil), required...)}, nil
}

// RequiredTags returns the tags read every cycle.
func (b *Builder) RequiredTags() []string {
	return append([]string(nil), b.required...)
}

// Len is the length of every vector this builder produces.
func (b *Builder) Len() int { return len(b.required) }

// Build is deterministic: the same readings always give the same values.
// The vector ID is derived from the cycle ID so rebuilding a recorded cycle
// reproduces it.
func (b *Builder) Build(cycleID string, readings map[string]tags.Value, ts time.Time) (Vector, error) {
	values := make([]float64, len(b.required))
	var missing, invalid []string
	for i, name := range b.required {
		v, ok := readings[name]
		if !ok || !v.IsValid() {
			missing = append(missing, name)
			continue
		}
		f, err := v.Float()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			invalid = append(invalid, name)
			continue
		}
		values[i] = f
	}
	if len(missing) > 0 || len(invalid) > 0 {
		sort.Strings(missing)
		sort.Strings(invalid)
		return Vector{}, &IncompleteDataError{Missing: missing, Invalid: invalid}
	}

	return Vector{
		ID:        VectorID(cycleID),
		CycleID:   cycleID,
		Tags:      b.RequiredTags(),
		Values:    values,
		Timestamp: ts,
	}, nil
}

// VectorID derives the feature vector ID of a cycle.
func VectorID(cycleID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("features/"+cycleID)).String()
}
