// Package audit persists the append-only audit trail of the control loop:
// every tag reading, inference result and control action.
//
// Records are written through a Recorder. BoltStore keeps the trail in a
// local file, PostgresStore in a shared database, Multi fans out to
// several recorders and AsyncRecorder decouples the loop from storage
// latency with a bounded queue.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/tags"
)

// Kind discriminates the payload of a Record.
type Kind string

const (
	KindReading Kind = "reading"
	KindResult  Kind = "result"
	KindAction  Kind = "action"
)

// Record is one entry of the audit trail. Exactly one payload is set,
// selected by Kind.
type Record struct {
	Kind    Kind           `json:"kind"`
	Reading *tags.Reading  `json:"reading,omitempty"`
	Result  *ml.Result     `json:"result,omitempty"`
	Action  *policy.Action `json:"action,omitempty"`
}

func ReadingRecord(r tags.Reading) Record { return Record{Kind: KindReading, Reading: &r} }
func ResultRecord(r ml.Result) Record     { return Record{Kind: KindResult, Result: &r} }
func ActionRecord(a policy.Action) Record { return Record{Kind: KindAction, Action: &a} }

// ID returns the ID of the payload.
func (r Record) ID() string {
	switch {
	case r.Kind == KindReading && r.Reading != nil:
		return r.Reading.ID
	case r.Kind == KindResult && r.Result != nil:
		return r.Result.ID
	case r.Kind == KindAction && r.Action != nil:
		return r.Action.ID
	}
	return ""
}

// CycleID returns the cycle the payload belongs to.
func (r Record) CycleID() string {
	switch {
	case r.Kind == KindReading && r.Reading != nil:
		return r.Reading.CycleID
	case r.Kind == KindResult && r.Result != nil:
		return r.Result.CycleID
	case r.Kind == KindAction && r.Action != nil:
		return r.Action.CycleID
	}
	return ""
}

func (r Record) validate() error {
	if r.ID() == "" {
		return fmt.Errorf("malformed %q record", r.Kind)
	}
	return nil
}

// Recorder appends records to the audit trail. Records are never updated.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// StorageError reports a failed audit write.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IntegrityError lists audit records whose references cannot be resolved.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	if len(e.Problems) == 1 {
		return "audit integrity: " + e.Problems[0]
	}
	return fmt.Sprintf("audit integrity: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
