package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"go.etcd.io/bbolt"
)

const (
	readingsBucket = "readings"
	resultsBucket  = "results"
	actionsBucket  = "actions"
	// index maps kind/id to the sequence key the record was stored under
	indexBucket = "index"

	// BoltFile is the database file created in the data directory.
	BoltFile = "autoflow-audit.db"
)

var buckets = map[Kind]string{
	KindReading: readingsBucket,
	KindResult:  resultsBucket,
	KindAction:  actionsBucket,
}

// BoltStore keeps the audit trail in a BoltDB file. Keys are zero-padded
// bucket sequence numbers, so cursor order is insertion order.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the audit database in dataPath.
func OpenBolt(dataPath string) (*BoltStore, error) {
	dbPath := filepath.Join(dataPath, BoltFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{readingsBucket, resultsBucket, actionsBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record appends rec to its bucket. A record whose ID is already stored
// is skipped, so retried writes never duplicate an entry.
func (s *BoltStore) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Backend: "bolt", Op: "record", Err: err}
	}
	if err := rec.validate(); err != nil {
		return &StorageError{Backend: "bolt", Op: "record", Err: err}
	}

	var payload any
	switch rec.Kind {
	case KindReading:
		payload = rec.Reading
	case KindResult:
		payload = rec.Result
	case KindAction:
		payload = rec.Action
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &StorageError{Backend: "bolt", Op: "marshal", Err: err}
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(indexBucket))
		id := indexKey(rec)
		if idx.Get(id) != nil {
			return nil
		}
		b := tx.Bucket([]byte(buckets[rec.Kind]))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return idx.Put(id, key)
	})
	if err != nil {
		return &StorageError{Backend: "bolt", Op: "put " + string(rec.Kind), Err: err}
	}
	return nil
}

func indexKey(rec Record) []byte {
	return []byte(string(rec.Kind) + "/" + rec.ID())
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// scan calls fn for every value of bucket in insertion order.
func (s *BoltStore) scan(bucket string, fn func(v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error { return fn(v) })
	})
}

// Readings returns readings with a timestamp in [start, end]. A zero
// bound is open.
func (s *BoltStore) Readings(start, end time.Time) ([]tags.Reading, error) {
	var out []tags.Reading
	err := s.scan(readingsBucket, func(v []byte) error {
		var r tags.Reading
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode reading: %w", err)
		}
		if inRange(r.Timestamp, start, end) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Results returns inference results with a timestamp in [start, end].
func (s *BoltStore) Results(start, end time.Time) ([]ml.Result, error) {
	var out []ml.Result
	err := s.scan(resultsBucket, func(v []byte) error {
		var r ml.Result
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		if inRange(r.Timestamp, start, end) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Actions returns control actions with a timestamp in [start, end].
func (s *BoltStore) Actions(start, end time.Time) ([]policy.Action, error) {
	var out []policy.Action
	err := s.scan(actionsBucket, func(v []byte) error {
		var a policy.Action
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		if inRange(a.Timestamp, start, end) {
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Counts returns the number of stored records per kind.
func (s *BoltStore) Counts() (map[Kind]int, error) {
	out := make(map[Kind]int, len(buckets))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for kind, name := range buckets {
			if b := tx.Bucket([]byte(name)); b != nil {
				out[kind] = b.Stats().KeyN
			}
		}
		return nil
	})
	return out, err
}

// Verify checks referential completeness: every action references a
// stored result, and every result embeds the feature vector of its own
// cycle, for which readings were stored.
func (s *BoltStore) Verify() error {
	readings, err := s.Readings(time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	results, err := s.Results(time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	actions, err := s.Actions(time.Time{}, time.Time{})
	if err != nil {
		return err
	}

	cycles := make(map[string]bool)
	for _, r := range readings {
		cycles[r.CycleID] = true
	}

	var problems []string
	resultIDs := make(map[string]bool, len(results))
	for _, r := range results {
		resultIDs[r.ID] = true
		if r.Features.CycleID != r.CycleID || r.Features.ID != features.VectorID(r.CycleID) {
			problems = append(problems, fmt.Sprintf("result %s does not carry the feature vector of cycle %s", r.ID, r.CycleID))
		}
		if !cycles[r.CycleID] {
			problems = append(problems, fmt.Sprintf("result %s has no readings for cycle %s", r.ID, r.CycleID))
		}
	}
	for _, a := range actions {
		if !resultIDs[a.ResultID] {
			problems = append(problems, fmt.Sprintf("action %s references missing result %s", a.ID, a.ResultID))
		}
	}

	if len(problems) > 0 {
		return &IntegrityError{Problems: problems}
	}
	return nil
}
