package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// cycle builds the records of one complete cycle with an action.
func cycle(cycleID string, ts time.Time) []Record {
	reading := tags.Reading{ID: uuid.NewString(), CycleID: cycleID, Tag: "Temp", Value: tags.Real(95), Timestamp: ts}
	fv := features.Vector{ID: features.VectorID(cycleID), CycleID: cycleID, Tags: []string{"Temp"}, Values: []float64{95}, Timestamp: ts}
	res := ml.Result{ID: ml.ResultID(cycleID, "v1"), CycleID: cycleID, Features: fv, Score: 95, Label: "High", ModelVersion: "v1", Timestamp: ts}
	act := policy.Action{
		ID: policy.ActionID(res.ID, "CoolingValve"), CycleID: cycleID, TargetTag: "CoolingValve",
		NewValue: tags.Int(1), ResultID: res.ID, Timestamp: ts, Status: policy.StatusApplied,
	}
	return []Record{ReadingRecord(reading), ResultRecord(res), ActionRecord(act)}
}

func openBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenBolt(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBolt(dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, BoltFile))
	assert.NoError(t, err)
	assert.NoError(t, store.Close())

	_, err = OpenBolt(filepath.Join(dir, "missing", "dir"))
	assert.Error(t, err)

	assert.NoError(t, (&BoltStore{}).Close())
}

func TestBoltStore_RecordAndQuery(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		for _, rec := range cycle(uuid.NewString(), t0.Add(time.Duration(i)*time.Minute)) {
			require.NoError(t, store.Record(ctx, rec))
		}
	}

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindReading: 3, KindResult: 3, KindAction: 3}, counts)

	readings, err := store.Readings(t0.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.True(t, readings[0].Timestamp.Before(readings[1].Timestamp), "insertion order")
	assert.True(t, readings[0].Value.Equal(tags.Real(95)))

	actions, err := store.Actions(t0, t0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, policy.StatusApplied, actions[0].Status)
	assert.True(t, actions[0].NewValue.Equal(tags.Int(1)))

	results, err := store.Results(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []float64{95}, results[0].Features.Values)

	assert.NoError(t, store.Verify())
}

func TestBoltStore_RejectsMalformed(t *testing.T) {
	store := openBolt(t)
	err := store.Record(context.Background(), Record{Kind: KindAction})
	assert.True(t, IsStorage(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = store.Record(ctx, cycle("c", t0)[0])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBoltStore_VerifyDetectsOrphans(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()

	recs := cycle(uuid.NewString(), t0)
	// action without its result, result without readings
	require.NoError(t, store.Record(ctx, recs[2]))
	other := cycle(uuid.NewString(), t0)
	require.NoError(t, store.Record(ctx, other[1]))

	err := store.Verify()
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Len(t, ie.Problems, 2)
}

func TestBoltStore_RecordIsIdempotent(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()

	recs := cycle(uuid.NewString(), t0)
	for i := 0; i < 3; i++ {
		for _, rec := range recs {
			require.NoError(t, store.Record(ctx, rec))
		}
	}

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindReading: 1, KindResult: 1, KindAction: 1}, counts)
	assert.NoError(t, store.Verify())
}

// memRecorder stores records in memory and fails while failing is set.
type memRecorder struct {
	mu      sync.Mutex
	records []Record
	failing bool
	calls   int
	closed  bool
}

func (m *memRecorder) Record(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failing {
		return &StorageError{Backend: "mem", Op: "record", Err: errors.New("disk full")}
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memRecorder) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

func (m *memRecorder) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.ID()
	}
	return out
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type countingMetrics struct {
	mu       sync.Mutex
	writes   map[string]int
	failures int
	dropped  map[string]int
	depth    float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{writes: map[string]int{}, dropped: map[string]int{}}
}

func (c *countingMetrics) AuditWritesInc(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes[kind]++
}

func (c *countingMetrics) AuditFailuresInc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

func (c *countingMetrics) AuditDroppedInc(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

func (c *countingMetrics) AuditRetryDepthSet(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = v
}

func (c *countingMetrics) droppedFor(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped[reason]
}

func TestMulti(t *testing.T) {
	a, b := &memRecorder{}, &memRecorder{failing: true}
	m := Multi{a, b}

	err := m.Record(context.Background(), cycle("c", t0)[0])
	assert.True(t, IsStorage(err))
	assert.Equal(t, 1, a.len(), "healthy recorder still receives the record")

	b.setFailing(false)
	assert.NoError(t, m.Record(context.Background(), cycle("c", t0)[1]))
	assert.NoError(t, m.Close())
	assert.True(t, a.closed && b.closed)
}

func TestAsyncRecorder_PreservesOrder(t *testing.T) {
	mem := &memRecorder{}
	metrics := newCountingMetrics()
	a := NewAsync(mem, AsyncConfig{QueueSize: 16}, metrics)

	var want []string
	for i := 0; i < 5; i++ {
		for _, rec := range cycle(uuid.NewString(), t0) {
			want = append(want, rec.ID())
			require.NoError(t, a.Record(context.Background(), rec))
		}
	}
	require.NoError(t, a.Close())

	assert.Equal(t, want, mem.ids())
	assert.True(t, mem.closed)
	assert.Equal(t, 5, metrics.writes["action"])
}

func TestAsyncRecorder_RetriesInOrder(t *testing.T) {
	mem := &memRecorder{failing: true}
	metrics := newCountingMetrics()
	a := NewAsync(mem, AsyncConfig{RetryInterval: 10 * time.Millisecond}, metrics)

	recs := cycle(uuid.NewString(), t0)
	for _, rec := range recs {
		require.NoError(t, a.Record(context.Background(), rec), "storage failures are not reported to the caller")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, mem.len())

	mem.setFailing(false)
	require.Eventually(t, func() bool { return mem.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{recs[0].ID(), recs[1].ID(), recs[2].ID()}, mem.ids())

	require.NoError(t, a.Close())
	assert.Positive(t, metrics.failures)
}

func TestAsyncRecorder_RetryOverflowDropsOldest(t *testing.T) {
	mem := &memRecorder{failing: true}
	metrics := newCountingMetrics()
	a := NewAsync(mem, AsyncConfig{RetryQueueSize: 2, RetryInterval: time.Hour, CloseTimeout: 10 * time.Millisecond}, metrics)

	recs := cycle(uuid.NewString(), t0)
	for _, rec := range recs {
		require.NoError(t, a.Record(context.Background(), rec))
	}
	require.Eventually(t, func() bool { return metrics.droppedFor("retry_overflow") == 1 }, time.Second, 5*time.Millisecond)

	mem.setFailing(false)
	require.NoError(t, a.Close())
	assert.Equal(t, []string{recs[1].ID(), recs[2].ID()}, mem.ids())
}

func TestAsyncRecorder_CloseDeadline(t *testing.T) {
	mem := &memRecorder{failing: true}
	metrics := newCountingMetrics()
	a := NewAsync(mem, AsyncConfig{RetryInterval: 5 * time.Millisecond, CloseTimeout: 20 * time.Millisecond}, metrics)

	require.NoError(t, a.Record(context.Background(), cycle("c", t0)[0]))
	start := time.Now()
	require.NoError(t, a.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, metrics.droppedFor("close_deadline"))

	err := a.Record(context.Background(), cycle("c", t0)[0])
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, a.Close(), "second close is a no-op")
}

// blockingRecorder holds every write until release is closed.
type blockingRecorder struct {
	memRecorder
	release chan struct{}
}

func (b *blockingRecorder) Record(ctx context.Context, rec Record) error {
	<-b.release
	return b.memRecorder.Record(ctx, rec)
}

func TestAsyncRecorder_EnqueueTimeout(t *testing.T) {
	b := &blockingRecorder{release: make(chan struct{})}
	metrics := newCountingMetrics()
	a := NewAsync(b, AsyncConfig{QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond}, metrics)

	recs := cycle("c", t0)
	// first is taken by the writer, second fills the queue
	require.NoError(t, a.Record(context.Background(), recs[0]))
	require.Eventually(t, func() bool { return a.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Record(context.Background(), recs[1]))

	err := a.Record(context.Background(), recs[2])
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, metrics.droppedFor("enqueue_timeout"))

	close(b.release)
	require.NoError(t, a.Close())
	assert.Equal(t, []string{recs[0].ID(), recs[1].ID()}, b.ids())
}

func TestAsyncRecorder_BoltReferentialCompleteness(t *testing.T) {
	store, err := OpenBolt(t.TempDir())
	require.NoError(t, err)
	a := NewAsync(store, AsyncConfig{}, nil)

	for i := 0; i < 10; i++ {
		for _, rec := range cycle(uuid.NewString(), t0.Add(time.Duration(i)*time.Second)) {
			require.NoError(t, a.Record(context.Background(), rec))
		}
	}
	require.NoError(t, a.Close())

	reopened, err := OpenBolt(filepath.Dir(store.db.Path()))
	require.NoError(t, err)
	defer reopened.Close()
	assert.NoError(t, reopened.Verify())
}

func TestAsyncRecorder_RetryThroughMultiKeepsBoltUnique(t *testing.T) {
	store := openBolt(t)
	secondary := &memRecorder{failing: true}
	a := NewAsync(Multi{store, secondary}, AsyncConfig{RetryInterval: 10 * time.Millisecond}, nil)

	recs := cycle(uuid.NewString(), t0)
	for _, rec := range recs {
		require.NoError(t, a.Record(context.Background(), rec))
	}
	require.Eventually(t, func() bool {
		secondary.mu.Lock()
		defer secondary.mu.Unlock()
		return secondary.calls >= 10
	}, time.Second, 5*time.Millisecond, "writes keep being retried while the secondary is down")

	secondary.setFailing(false)
	require.Eventually(t, func() bool { return secondary.len() == 3 }, time.Second, 5*time.Millisecond)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindReading: 1, KindResult: 1, KindAction: 1}, counts)

	readings, err := store.Readings(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, recs[0].ID(), readings[0].ID)

	require.NoError(t, a.Close())
	assert.True(t, secondary.closed)
}

func TestAsyncRecorder_ExpiredContextStillEnqueues(t *testing.T) {
	mem := &memRecorder{}
	metrics := newCountingMetrics()
	a := NewAsync(mem, AsyncConfig{QueueSize: 8}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recs := cycle(uuid.NewString(), t0)
	for _, rec := range recs {
		require.NoError(t, a.Record(ctx, rec))
	}
	require.NoError(t, a.Close())

	assert.Equal(t, []string{recs[0].ID(), recs[1].ID(), recs[2].ID()}, mem.ids())
	assert.Zero(t, metrics.droppedFor("enqueue_cancelled"))
}
