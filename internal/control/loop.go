// Package control runs the AutoFlow control loop: poll the controller,
// build features, score them, decide and write back, and record the whole
// cycle in the audit trail.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autoflow/internal/audit"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TagIO is the controller access the loop needs. *tags.Session is the
// production implementation.
type TagIO interface {
	Read(ctx context.Context, names []string) (map[string]tags.Value, error)
	Write(ctx context.Context, name string, v tags.Value) error
}

// Decider turns an inference result into an optional action.
type Decider interface {
	Decide(res ml.Result) (*policy.Action, error)
}

// MetricsInterface defines metrics methods needed by the loop
type MetricsInterface interface {
	CyclesInc(outcome string)
	CycleFailuresInc(class string)
	CycleDurationObserve(float64)
	LoopStateSet(state string)
	ConsecutiveFailuresSet(float64)
	ActionsInc(tag, status string)
}

// Config controls cadence and failure handling.
type Config struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	// BackoffMax caps the backoff delay; 0 means 30 times BackoffBase.
	BackoffMax time.Duration
	// MaxConsecutiveFailures is the number of consecutive failed cycles
	// tolerated; one more halts the loop.
	MaxConsecutiveFailures int
	// CycleTimeout bounds one cycle; 0 means 30s.
	CycleTimeout time.Duration
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * c.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max %s is below backoff base %s", c.BackoffMax, c.BackoffBase)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max consecutive failures must be at least 1")
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 30 * time.Second
	}
	return nil
}

// Loop is the single control loop. It is the only user of its TagIO.
type Loop struct {
	io       TagIO
	builder  *features.Builder
	scorer   ml.Scorer
	decider  Decider
	recorder audit.Recorder
	cfg      Config

	metrics   MetricsInterface
	observers []Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	mu     sync.RWMutex
	status Status
}

// New wires a loop. recorder should not block for long; wrap slow
// backends in an audit.AsyncRecorder.
func New(cfg Config, io TagIO, builder *features.Builder, scorer ml.Scorer, decider Decider, recorder audit.Recorder) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if io == nil || builder == nil || scorer == nil || decider == nil || recorder == nil {
		return nil, errors.New("control loop requires tag io, feature builder, scorer, decider and recorder")
	}
	return &Loop{
		io:       io,
		builder:  builder,
		scorer:   scorer,
		decider:  decider,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
		status:   Status{State: StateIdle, ModelVersion: scorer.Version()},
	}, nil
}

// SetMetrics sets the metrics sink. Call before Run.
func (l *Loop) SetMetrics(m MetricsInterface) { l.metrics = m }

// AddObserver registers o for loop events. Call before Run.
func (l *Loop) AddObserver(o Observer) { l.observers = append(l.observers, o) }

// Status returns a snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	if s.LastAction != nil {
		a := *s.LastAction
		s.LastAction = &a
	}
	return s
}

// Run executes cycles until ctx is cancelled or the loop halts. A
// cancellation is only observed between cycles, so a started cycle always
// completes and is recorded. Run returns ctx.Err() on stop and an error
// wrapping ErrHalted on halt.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.status.StartedAt = l.now()
	l.mu.Unlock()

	log.Info().
		Dur("poll_interval", l.cfg.PollInterval).
		Dur("backoff_base", l.cfg.BackoffBase).
		Int("max_consecutive_failures", l.cfg.MaxConsecutiveFailures).
		Strs("required_tags", l.builder.RequiredTags()).
		Str("model_version", l.scorer.Version()).
		Msg("control loop started")

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			l.setState(StateIdle)
			return err
		}

		start := l.now()
		err := l.runCycle(ctx)
		if err == nil {
			failures = 0
			l.setFailures(0, 0)
			l.setState(StateIdle)
			wait := l.cfg.PollInterval - l.now().Sub(start)
			if wait < 0 {
				wait = 0
			}
			if err := l.sleep(ctx, wait); err != nil {
				return ctx.Err()
			}
			continue
		}

		failures++
		if failures > l.cfg.MaxConsecutiveFailures {
			l.setFailures(failures, 0)
			l.setState(StateHalted)
			log.Error().
				Err(err).
				Int("consecutive_failures", failures).
				Msg("control loop halted, operator restart required")
			return fmt.Errorf("%w after %d consecutive failures: %v", ErrHalted, failures, err)
		}

		delay := Backoff(l.cfg.BackoffBase, l.cfg.BackoffMax, failures)
		l.setFailures(failures, delay)
		l.setState(StateErrorBackoff)
		log.Warn().
			Int("consecutive_failures", failures).
			Dur("delay", delay).
			Msg("control loop backing off")
		if err := l.sleep(ctx, delay); err != nil {
			l.setState(StateIdle)
			return ctx.Err()
		}
		l.setState(StateIdle)
	}
}

// Backoff returns base*2^(n-1), capped at limit.
func Backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// cycle carries the state of one cycle.
type cycle struct {
	id     string
	start  time.Time
	path   []string
	trail  []audit.Record
	result *ml.Result
	action *policy.Action
}

func (l *Loop) enter(c *cycle, s State) {
	c.path = append(c.path, string(s))
	l.setState(s)
}

// runCycle performs one full cycle. Its context ignores the caller's
// cancellation and is bounded by the cycle timeout.
func (l *Loop) runCycle(parent context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.cfg.CycleTimeout)
	defer cancel()

	c := &cycle{id: l.newID(), start: l.now()}
	err := l.step(ctx, c)

	// the cycle context may have hit its deadline; recording gets its own
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(parent), l.cfg.CycleTimeout)
	defer rcancel()

	l.enter(c, StateRecording)
	for _, rec := range c.trail {
		if rerr := l.recorder.Record(rctx, rec); rerr != nil {
			log.Warn().Err(rerr).Str("cycle_id", c.id).Str("kind", string(rec.Kind)).Msg("audit record not accepted")
		}
	}

	l.finish(c, err)
	return err
}

func (l *Loop) step(ctx context.Context, c *cycle) error {
	l.enter(c, StatePolling)
	values, err := l.io.Read(ctx, l.builder.RequiredTags())
	if err != nil {
		return fmt.Errorf("read tags: %w", err)
	}
	for _, name := range l.builder.RequiredTags() {
		v, ok := values[name]
		if !ok {
			continue
		}
		c.trail = append(c.trail, audit.ReadingRecord(tags.Reading{
			ID:        l.newID(),
			CycleID:   c.id,
			Tag:       name,
			Value:     v,
			Timestamp: c.start,
		}))
	}

	l.enter(c, StateScoring)
	fv, err := l.builder.Build(c.id, values, c.start)
	if err != nil {
		return fmt.Errorf("build features: %w", err)
	}
	res, err := l.scorer.Score(fv)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	c.result = &res
	c.trail = append(c.trail, audit.ResultRecord(res))

	l.enter(c, StateDeciding)
	action, err := l.decider.Decide(res)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	if action == nil {
		return nil
	}

	l.enter(c, StateWriting)
	werr := l.io.Write(ctx, action.TargetTag, action.NewValue)
	a := *action
	if werr != nil {
		a.Status = policy.StatusFailed
		a.Error = werr.Error()
	} else {
		a.Status = policy.StatusApplied
	}
	c.action = &a
	c.trail = append(c.trail, audit.ActionRecord(a))
	if l.metrics != nil {
		l.metrics.ActionsInc(a.TargetTag, string(a.Status))
	}
	if werr != nil {
		return fmt.Errorf("write %s: %w", a.TargetTag, werr)
	}
	return nil
}

func (l *Loop) finish(c *cycle, err error) {
	elapsed := l.now().Sub(c.start)
	ev := Event{Type: EventCycle, Time: l.now(), CycleID: c.id, Duration: elapsed, Action: c.action}

	logEvent := log.Info()
	if err != nil {
		logEvent = log.Warn().Err(err)
	}
	logEvent = logEvent.
		Str("cycle_id", c.id).
		Str("path", strings.Join(c.path, ">")).
		Dur("duration", elapsed)

	l.mu.Lock()
	l.status.Cycles++
	l.status.LastCycleID = c.id
	l.status.LastCycleAt = c.start
	if c.result != nil {
		l.status.LastLabel = c.result.Label
		l.status.LastScore = c.result.Score
		ev.Label = c.result.Label
		ev.Score = c.result.Score
		logEvent = logEvent.Str("label", c.result.Label).Float64("score", c.result.Score)
	}
	if c.action != nil {
		l.status.LastAction = c.action
		logEvent = logEvent.
			Str("action_tag", c.action.TargetTag).
			Str("action_value", c.action.NewValue.String()).
			Str("action_status", string(c.action.Status))
	}
	if err != nil {
		class := Classify(err)
		l.status.FailedCycles++
		l.status.LastError = err.Error()
		l.status.LastErrorClass = class
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		ev.Class = class
		logEvent = logEvent.Str("class", class)
	} else {
		ev.Outcome = OutcomeOK
	}
	l.mu.Unlock()

	if err != nil {
		logEvent.Msg("control cycle failed")
	} else {
		logEvent.Msg("control cycle completed")
	}

	if l.metrics != nil {
		l.metrics.CyclesInc(ev.Outcome)
		l.metrics.CycleDurationObserve(elapsed.Seconds())
		if err != nil {
			l.metrics.CycleFailuresInc(ev.Class)
		}
	}
	l.emit(ev)
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.status.State != s
	l.status.State = s
	l.mu.Unlock()

	if !changed {
		return
	}
	if l.metrics != nil {
		l.metrics.LoopStateSet(string(s))
	}
	l.emit(Event{Type: EventState, Time: l.now(), State: s})
}

func (l *Loop) setFailures(n int, next time.Duration) {
	l.mu.Lock()
	l.status.ConsecutiveFailures = n
	l.status.NextBackoff = next
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.ConsecutiveFailuresSet(float64(n))
	}
}

func (l *Loop) emit(ev Event) {
	for _, o := range l.observers {
		o(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
