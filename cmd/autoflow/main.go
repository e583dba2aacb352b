package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autoflow/internal/audit"
	"autoflow/internal/cfg"
	"autoflow/internal/common"
	"autoflow/internal/control"
	"autoflow/internal/features"
	"autoflow/internal/metrics"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/server"
	"autoflow/internal/tags"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// exitHalted tells supervisors the loop stopped itself and needs an operator.
const exitHalted = 2

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWithRegistry(reg)

	recorder, err := initializeAudit(ctx, c, m)
	if err != nil {
		log.Fatal().Err(err).Msg("audit storage initialization failed")
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close audit storage")
		}
	}()

	engine, err := ml.Load(c.ModelPath, m)
	if err != nil {
		log.Error().Err(err).Str("model_path", c.ModelPath).Msg("model load failed")
		return 1
	}
	decider, err := policy.New(c.DecisionThresholds)
	if err != nil {
		log.Error().Err(err).Msg("decision policy invalid")
		return 1
	}
	builder, err := features.NewBuilder(c.RequiredTags)
	if err != nil {
		log.Error().Err(err).Msg("feature builder invalid")
		return 1
	}
	warnUnknownLabels(engine, decider)

	client, err := initializeController(c)
	if err != nil {
		log.Error().Err(err).Msg("controller initialization failed")
		return 1
	}
	session := tags.NewSession(client, c.SessionConfig())
	session.SetMetrics(m)
	defer session.Close()

	loop, err := control.New(control.Config{
		PollInterval:           c.PollInterval,
		BackoffBase:            c.BackoffBase,
		BackoffMax:             c.BackoffMax,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		CycleTimeout:           c.CycleTimeout,
	}, session, builder, engine, decider, recorder)
	if err != nil {
		log.Error().Err(err).Msg("control loop initialization failed")
		return 1
	}
	loop.SetMetrics(m)

	ops := server.New(fmt.Sprintf(":%d", c.MetricsPort), loop, engine, reg)
	loop.AddObserver(ops.Observe)
	if err := ops.Start(); err != nil {
		log.Error().Err(err).Msg("ops server failed to start")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ops server shutdown failed")
		}
	}()

	log.Info().
		Str("mode", c.ControllerMode).
		Strs("required_tags", c.RequiredTags).
		Str("model_version", engine.Version()).
		Strs("action_labels", decider.Labels()).
		Dur("poll_interval", c.PollInterval).
		Int("metrics_port", c.MetricsPort).
		Msg("AutoFlow controller started")

	err = loop.Run(ctx)
	switch {
	case errors.Is(err, control.ErrHalted):
		log.Error().Err(err).Msg("control loop halted, operator intervention required")
		return exitHalted
	case err != nil:
		log.Error().Err(err).Msg("control loop failed")
		return 1
	}

	log.Info().Msg("AutoFlow controller stopped")
	return 0
}

func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.LogFormat == common.LogFormatConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeAudit opens every configured audit backend behind one
// asynchronous recorder.
func initializeAudit(ctx context.Context, c cfg.Settings, m *metrics.Metrics) (audit.Recorder, error) {
	if c.StorageDisabled {
		log.Warn().Msg("audit storage disabled, cycles will not be recorded")
		return audit.Multi{}, nil
	}

	var backends audit.Multi
	if c.DataPath != "" {
		if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
		store, err := audit.OpenBolt(c.DataPath)
		if err != nil {
			return nil, err
		}
		backends = append(backends, store)
		log.Info().Str("path", c.DataPath).Msg("bolt audit store opened")
	}
	if c.DatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		store, err := audit.OpenPostgres(openCtx, c.DatabaseURL, audit.PostgresOptions{})
		if err != nil {
			backends.Close()
			return nil, err
		}
		backends = append(backends, store)
		log.Info().Msg("postgres audit store opened")
	}

	var next audit.Recorder = backends
	if len(backends) == 1 {
		next = backends[0]
	}
	return audit.NewAsync(next, audit.AsyncConfig{
		QueueSize:      c.Audit.QueueSize,
		RetryQueueSize: c.Audit.RetryQueueSize,
		EnqueueTimeout: c.Audit.EnqueueTimeout,
		WriteTimeout:   c.Audit.WriteTimeout,
		RetryInterval:  c.Audit.RetryInterval,
		CloseTimeout:   c.Audit.CloseTimeout,
	}, m), nil
}

func initializeController(c cfg.Settings) (tags.Client, error) {
	switch c.ControllerMode {
	case common.ModeGateway:
		types, err := c.TagTypeMap()
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", c.ControllerPath).Msg("using tag gateway")
		return tags.NewGateway(c.ControllerPath, types, c.ControllerTimeout), nil
	case common.ModeVirtual:
		vc, err := c.VirtualConfig()
		if err != nil {
			return nil, err
		}
		log.Warn().Msg("using virtual controller, no plant will be written")
		return tags.NewVirtual(vc), nil
	}
	return nil, fmt.Errorf("unknown controller mode %q", c.ControllerMode)
}

// warnUnknownLabels flags decision rules the model can never trigger.
func warnUnknownLabels(engine *ml.Engine, decider *policy.Policy) {
	known := make(map[string]bool)
	for _, l := range engine.Info().Labels {
		known[l] = true
	}
	for _, l := range decider.Labels() {
		if !known[l] && l != ml.LabelUnclassified {
			log.Warn().Str("label", l).Str("model_version", engine.Version()).Msg("decision threshold for a label the model does not produce")
		}
	}
}
