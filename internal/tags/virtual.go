package tags

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Profile drives a simulated tag: base + amplitude*sin(2*pi*t/period).
type Profile struct {
	Base      float64
	Amplitude float64
	Period    time.Duration
}

// VirtualConfig describes a simulated plant.
type VirtualConfig struct {
	// SampleTime is the simulated time between two reads.
	SampleTime time.Duration
	// Initial seeds plain memory tags.
	Initial map[string]Value
	// Profiles drive time-varying tags, e.g. the wet-bulb temperature.
	Profiles map[string]Profile
	Types    map[string]Type
}

// virtualEpoch is the simulated start of time.
var virtualEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var errInjected = errors.New("injected connection failure")

// VirtualClient is an in-memory controller used for commissioning and
// tests. Every Read advances the simulation by one sample.
type VirtualClient struct {
	mu        sync.Mutex
	cfg       VirtualConfig
	memory    map[string]Value
	counter   int64
	connected bool
	failures  int
	writes    []Write
}

// Write is a write observed by the virtual controller.
type Write struct {
	Tag   string
	Value Value
	At    time.Time
}

func NewVirtual(cfg VirtualConfig) *VirtualClient {
	if cfg.SampleTime <= 0 {
		cfg.SampleTime = 20 * time.Second
	}
	mem := make(map[string]Value, len(cfg.Initial))
	for k, v := range cfg.Initial {
		mem[k] = v
	}
	return &VirtualClient{cfg: cfg, memory: mem}
}

// Fail makes the next n operations fail with a ConnectionError.
func (c *VirtualClient) Fail(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

// Set overwrites a memory tag, bypassing write accounting.
func (c *VirtualClient) Set(name string, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[name] = v
}

// Writes returns every write accepted so far.
func (c *VirtualClient) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// Now returns the simulated time.
func (c *VirtualClient) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *VirtualClient) now() time.Time {
	return virtualEpoch.Add(time.Duration(c.counter) * c.cfg.SampleTime)
}

func (c *VirtualClient) injected(op string) error {
	if c.failures > 0 {
		c.failures--
		c.connected = false
		return &ConnectionError{Op: op, Err: errInjected}
	}
	return nil
}

func (c *VirtualClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("connect"); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *VirtualClient) Read(ctx context.Context, names []string) (map[string]Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("read"); err != nil {
		return nil, err
	}
	if !c.connected {
		return nil, &ConnectionError{Op: "read", Err: errors.New("not connected")}
	}

	c.counter++
	elapsed := c.now().Sub(virtualEpoch)

	out := make(map[string]Value, len(names))
	for _, name := range names {
		if p, ok := c.cfg.Profiles[name]; ok {
			v := p.Base
			if p.Period > 0 {
				v += p.Amplitude * math.Sin(2*math.Pi*elapsed.Seconds()/p.Period.Seconds())
			}
			out[name] = Real(math.Round(v*100) / 100)
			continue
		}
		v, ok := c.memory[name]
		if !ok {
			return nil, &TagError{Tag: name, Err: ErrUnknownTag}
		}
		out[name] = v
	}
	return out, nil
}

func (c *VirtualClient) Write(ctx context.Context, name string, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("write"); err != nil {
		return err
	}
	if !c.connected {
		return &ConnectionError{Op: "write", Err: errors.New("not connected")}
	}
	if _, ok := c.memory[name]; !ok {
		return &TagError{Tag: name, Err: ErrUnknownTag}
	}
	if t, ok := c.cfg.Types[name]; ok {
		coerced, err := Coerce(t, v)
		if err != nil {
			return &TagError{Tag: name, Err: err}
		}
		v = coerced
	}
	c.memory[name] = v
	c.writes = append(c.writes, Write{Tag: name, Value: v, At: c.now()})
	return nil
}

func (c *VirtualClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}
