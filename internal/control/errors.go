package control

import (
	"context"
	"errors"

	"autoflow/internal/audit"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/tags"
)

// ErrHalted is returned by Run once consecutive failures exceed the
// configured threshold.
var ErrHalted = errors.New("control loop halted")

// Error classes used in logs and metric labels.
const (
	ClassConnection     = "connection"
	ClassTag            = "tag"
	ClassIncompleteData = "incomplete_data"
	ClassModel          = "model"
	ClassStorage        = "storage"
	ClassTimeout        = "timeout"
	ClassOther          = "other"
)

// Classify maps a cycle error to its class.
func Classify(err error) string {
	var (
		connErr    *tags.ConnectionError
		tagErr     *tags.TagError
		dataErr    *features.IncompleteDataError
		modelErr   *ml.ModelError
		storageErr *audit.StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &connErr):
		return ClassConnection
	case errors.As(err, &tagErr):
		return ClassTag
	case errors.As(err, &dataErr):
		return ClassIncompleteData
	case errors.As(err, &modelErr):
		return ClassModel
	case errors.As(err, &storageErr):
		return ClassStorage
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	return ClassOther
}
