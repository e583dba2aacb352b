package audit

import (
	"context"
	"errors"
)

// Multi writes every record to all recorders in order. It fails if any
// recorder fails; the others still receive the record.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return joinStorage("record", errs)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func joinStorage(op string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		if IsStorage(errs[0]) {
			return errs[0]
		}
	}
	return &StorageError{Backend: "multi", Op: op, Err: errors.Join(errs...)}
}
