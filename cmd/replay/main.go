package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"autoflow/internal/audit"
	"autoflow/internal/cfg"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/policy"
	"autoflow/internal/replay"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		dataPath   = flag.String("data", "", "Directory holding the bolt audit store (default: config dataPath)")
		modelPath  = flag.String("model", "", "Model artifact or registry directory (default: config model path)")
		configPath = flag.String("config", "", "Config file for required tags and decision thresholds (default: CONFIG_FILE)")
		startDate  = flag.String("start", "", "Start of the replay window (RFC3339 or YYYY-MM-DD)")
		endDate    = flag.String("end", "", "End of the replay window (RFC3339 or YYYY-MM-DD)")
		csvPath    = flag.String("csv", "", "Write one row per cycle to this CSV file")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	var c cfg.Settings
	if *configPath != "" {
		c, err = cfg.LoadFile(*configPath)
	} else {
		c, err = cfg.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *dataPath == "" {
		*dataPath = c.DataPath
	}
	if *modelPath == "" {
		*modelPath = c.ModelPath
	}

	start, err := parseTime(*startDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid start date")
	}
	end, err := parseTime(*endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid end date")
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		log.Fatal().Time("start", start).Time("end", end).Msg("End of replay window precedes its start")
	}

	store, err := audit.OpenBolt(*dataPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dataPath).Msg("Failed to open audit store")
	}
	defer store.Close()

	engine, err := ml.Load(*modelPath, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model")
	}
	decider, err := policy.New(c.DecisionThresholds)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid decision thresholds")
	}
	builder, err := features.NewBuilder(c.RequiredTags)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid required tags")
	}

	trail, err := replay.Load(store, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load recorded cycles")
	}

	results := replay.NewEngine(builder, engine, decider).Run(trail)
	reporter := replay.NewReporter(results)
	if *csvPath != "" {
		if err := reporter.WriteCSV(*csvPath); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV report")
		}
	}
	reporter.PrintSummary(os.Stdout)
}

// parseTime accepts RFC3339 timestamps or plain dates in UTC. An empty
// string is an open bound.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
