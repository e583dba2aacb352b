// Package ml provides the inference engine of the controller. A model
// artifact is loaded once at startup and stays immutable for the life of
// the process; every cycle's feature vector is scored against it.
//
// The package also keeps a small on-disk registry of model versions so an
// operator can activate or roll back an artifact between restarts.
package ml

import (
	"fmt"
	"time"

	"autoflow/internal/features"

	"github.com/google/uuid"
)

// Scorer scores feature vectors. Engine is the production implementation.
type Scorer interface {
	// Score returns the inference result for fv, or a ModelError when fv
	// does not have the shape the model expects.
	Score(fv features.Vector) (Result, error)
	// Version is the version of the loaded model artifact.
	Version() string
}

// Result is the output of one inference. It embeds the feature vector that
// produced it.
type Result struct {
	ID           string          `json:"id"`
	CycleID      string          `json:"cycle_id"`
	Features     features.Vector `json:"features"`
	Score        float64         `json:"score"`
	Label        string          `json:"label"`
	ModelVersion string          `json:"model_version"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ModelError reports a vector the model cannot score.
type ModelError struct {
	Version string
	Reason  string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %s", e.Version, e.Reason)
}

// ResultID derives the result ID of a cycle scored by a model version.
func ResultID(cycleID, version string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("result/"+version+"/"+cycleID)).String()
}
