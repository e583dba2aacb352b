package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recorder closed")

// ErrQueueFull is returned when a record could not be enqueued in time.
var ErrQueueFull = errors.New("audit queue full")

// MetricsInterface defines metrics methods needed by the async recorder
type MetricsInterface interface {
	AuditWritesInc(kind string)
	AuditFailuresInc()
	AuditDroppedInc(reason string)
	AuditRetryDepthSet(float64)
}

// AsyncConfig tunes an AsyncRecorder. Zero fields take defaults.
type AsyncConfig struct {
	QueueSize      int
	RetryQueueSize int
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration
	RetryInterval  time.Duration
	CloseTimeout   time.Duration
}

func (c *AsyncConfig) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 4096
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
}

// AsyncRecorder hands records to a single writer goroutine so the caller
// never waits on storage. Records reach the underlying recorder in the
// order they were enqueued. Records that cannot be stored are logged in
// full at warn level instead.
type AsyncRecorder struct {
	next    Recorder
	cfg     AsyncConfig
	metrics MetricsInterface

	mu     sync.RWMutex
	closed bool
	// close deadline in unix nanoseconds, zero while open
	deadline atomic.Int64

	queue chan Record
	done  chan struct{}

	// retry is owned by the writer goroutine
	retry []Record
}

// NewAsync starts the writer goroutine for next.
func NewAsync(next Recorder, cfg AsyncConfig, metrics MetricsInterface) *AsyncRecorder {
	cfg.setDefaults()
	a := &AsyncRecorder{
		next:    next,
		cfg:     cfg,
		metrics: metrics,
		queue:   make(chan Record, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues rec, waiting at most the enqueue timeout. A free slot
// is taken even when ctx is already done.
func (a *AsyncRecorder) Record(ctx context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(rec, "closed")
		return &StorageError{Backend: "async", Op: "enqueue", Err: ErrClosed}
	}

	select {
	case a.queue <- rec:
		return nil
	default:
	}

	timer := time.NewTimer(a.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case a.queue <- rec:
		return nil
	case <-timer.C:
		a.drop(rec, "enqueue_timeout")
		return &StorageError{Backend: "async", Op: "enqueue", Err: ErrQueueFull}
	case <-ctx.Done():
		a.drop(rec, "enqueue_cancelled")
		return &StorageError{Backend: "async", Op: "enqueue", Err: ctx.Err()}
	}
}

// Close stops accepting records, drains the queue and the retry queue
// within the close timeout, and closes the underlying recorder.
func (a *AsyncRecorder) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.deadline.Store(time.Now().Add(a.cfg.CloseTimeout).UnixNano())
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}

// Pending returns the number of records waiting in the queue.
func (a *AsyncRecorder) Pending() int {
	return len(a.queue)
}

func (a *AsyncRecorder) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-a.queue:
			if !ok {
				a.drain()
				return
			}
			a.handle(rec)
		case <-ticker.C:
			a.flushRetries()
		}
	}
}

func (a *AsyncRecorder) handle(rec Record) {
	if a.pastDeadline() {
		a.drop(rec, "close_deadline")
		return
	}
	// keep FIFO order behind records already waiting for retry
	if len(a.retry) > 0 {
		a.flushRetries()
		if len(a.retry) > 0 {
			a.enqueueRetry(rec)
			return
		}
	}
	if err := a.write(rec); err != nil {
		a.enqueueRetry(rec)
	}
}

func (a *AsyncRecorder) write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()

	err := a.next.Record(ctx, rec)
	if err != nil {
		log.Error().Err(err).Str("kind", string(rec.Kind)).Str("id", rec.ID()).Msg("audit write failed")
		if a.metrics != nil {
			a.metrics.AuditFailuresInc()
		}
		return err
	}
	if a.metrics != nil {
		a.metrics.AuditWritesInc(string(rec.Kind))
	}
	return nil
}

func (a *AsyncRecorder) enqueueRetry(rec Record) {
	if len(a.retry) >= a.cfg.RetryQueueSize {
		a.drop(a.retry[0], "retry_overflow")
		a.retry = a.retry[1:]
	}
	a.retry = append(a.retry, rec)
	a.setRetryDepth()
}

func (a *AsyncRecorder) flushRetries() {
	for len(a.retry) > 0 {
		if err := a.write(a.retry[0]); err != nil {
			break
		}
		a.retry[0] = Record{}
		a.retry = a.retry[1:]
	}
	a.setRetryDepth()
}

func (a *AsyncRecorder) drain() {
	for len(a.retry) > 0 {
		a.flushRetries()
		if len(a.retry) == 0 {
			return
		}
		remaining := time.Until(a.closeDeadline())
		if remaining <= 0 {
			for _, rec := range a.retry {
				a.drop(rec, "close_deadline")
			}
			a.retry = nil
			a.setRetryDepth()
			return
		}
		time.Sleep(min(a.cfg.RetryInterval, remaining))
	}
}

func (a *AsyncRecorder) closeDeadline() time.Time {
	return time.Unix(0, a.deadline.Load())
}

func (a *AsyncRecorder) pastDeadline() bool {
	d := a.deadline.Load()
	return d != 0 && time.Now().UnixNano() > d
}

func (a *AsyncRecorder) setRetryDepth() {
	if a.metrics != nil {
		a.metrics.AuditRetryDepthSet(float64(len(a.retry)))
	}
}

// drop writes rec to the log so the audit entry is not lost silently.
func (a *AsyncRecorder) drop(rec Record, reason string) {
	log.Warn().
		Str("reason", reason).
		Str("kind", string(rec.Kind)).
		Interface("record", rec).
		Msg("audit record not stored")
	if a.metrics != nil {
		a.metrics.AuditDroppedInc(reason)
	}
}
