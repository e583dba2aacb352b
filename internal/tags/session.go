package tags

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Client reads and writes tags on one controller.
type Client interface {
	Connect(ctx context.Context) error
	// Read returns a value for every requested tag or an error. Unknown
	// tags fail the whole read with a TagError.
	Read(ctx context.Context, names []string) (map[string]Value, error)
	// Write mutates controller memory.
	Write(ctx context.Context, name string, v Value) error
	Close() error
}

// MetricsInterface defines the metrics a Session reports.
type MetricsInterface interface {
	TagReadsInc()
	TagWritesInc()
	TagErrorsInc(class string)
	ReconnectsInc()
}

// SessionConfig controls reconnect behaviour.
type SessionConfig struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts bounds connection attempts per access; 0 means 5.
	MaxAttempts int
}

// Session owns the controller connection. It is the only path to the
// controller and is not safe for concurrent use; the control loop
// serializes every access.
type Session struct {
	client    Client
	cfg       SessionConfig
	connected bool
	metrics   MetricsInterface
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewSession wraps client. The connection is opened lazily.
func NewSession(client Client, cfg SessionConfig) *Session {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * cfg.BackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Session{client: client, cfg: cfg, sleep: sleepContext}
}

// SetMetrics sets the metrics sink.
func (s *Session) SetMetrics(m MetricsInterface) { s.metrics = m }

// Connected reports whether the session currently holds a connection.
func (s *Session) Connected() bool { return s.connected }

// Read reads names, connecting first if needed.
func (s *Session) Read(ctx context.Context, names []string) (map[string]Value, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	values, err := s.client.Read(ctx, names)
	if err != nil {
		s.observeError(err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TagReadsInc()
	}
	return values, nil
}

// Write writes one tag, connecting first if needed.
func (s *Session) Write(ctx context.Context, name string, v Value) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Write(ctx, name, v); err != nil {
		s.observeError(err)
		return err
	}
	if s.metrics != nil {
		s.metrics.TagWritesInc()
	}
	return nil
}

// Close releases the connection.
func (s *Session) Close() error {
	s.connected = false
	return s.client.Close()
}

func (s *Session) observeError(err error) {
	class := "other"
	switch {
	case IsConnection(err):
		class = "connection"
		// Drop the session; the next access reconnects.
		s.connected = false
		if cerr := s.client.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("close after connection loss")
		}
	case IsTag(err):
		class = "tag"
	}
	if s.metrics != nil {
		s.metrics.TagErrorsInc(class)
	}
}

func (s *Session) ensureConnected(ctx context.Context) error {
	if s.connected {
		return nil
	}

	backoff := s.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.client.Connect(ctx)
		if err == nil {
			s.connected = true
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("controller session re-established")
			}
			return nil
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.ReconnectsInc()
		}
		if !IsConnection(err) {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("controller connect failed, retrying with exponential backoff")
		if err := s.sleep(ctx, backoff); err != nil {
			return &ConnectionError{Op: "connect", Err: err}
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
