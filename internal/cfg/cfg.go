package cfg

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"autoflow/internal/common"
	"autoflow/internal/policy"
	"autoflow/internal/tags"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ControllerMode    string
	ControllerPath    string
	ControllerTimeout time.Duration
	ReconnectAttempts int
	TagTypes          map[string]string
	Virtual           VirtualSettings

	PollInterval           time.Duration
	RequiredTags           []string
	DecisionThresholds     map[string]policy.Rule
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	MaxConsecutiveFailures int
	CycleTimeout           time.Duration

	ModelPath string

	DataPath        string
	DatabaseURL     string
	StorageDisabled bool
	Audit           AuditSettings

	MetricsPort int
	LogLevel    string
	LogFormat   string
}

// VirtualSettings describe the simulated plant used in virtual mode.
type VirtualSettings struct {
	SampleTime time.Duration
	Profiles   map[string]ProfileConfig
	Initial    map[string]any
}

type ProfileConfig struct {
	Base      float64 `yaml:"base"`
	Amplitude float64 `yaml:"amplitude"`
	Period    string  `yaml:"period"`
}

// AuditSettings tune the asynchronous audit recorder.
type AuditSettings struct {
	QueueSize      int
	RetryQueueSize int
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration
	RetryInterval  time.Duration
	CloseTimeout   time.Duration
}

type ConfigFile struct {
	PollIntervalSeconds    float64                `yaml:"pollIntervalSeconds"`
	RequiredTags           []string               `yaml:"requiredTags"`
	DecisionThresholds     map[string]policy.Rule `yaml:"decisionThresholds"`
	BackoffBaseSeconds     float64                `yaml:"backoffBaseSeconds"`
	MaxConsecutiveFailures int                    `yaml:"maxConsecutiveFailures"`

	Controller struct {
		Mode              string            `yaml:"mode"`
		Path              string            `yaml:"path"`
		Timeout           string            `yaml:"timeout"`
		ReconnectAttempts int               `yaml:"reconnectAttempts"`
		TagTypes          map[string]string `yaml:"tagTypes"`
		Virtual           struct {
			SampleTime string                   `yaml:"sampleTime"`
			Profiles   map[string]ProfileConfig `yaml:"profiles"`
			Initial    map[string]any           `yaml:"initial"`
		} `yaml:"virtual"`
	} `yaml:"controller"`

	Loop struct {
		BackoffMax   string `yaml:"backoffMax"`
		CycleTimeout string `yaml:"cycleTimeout"`
	} `yaml:"loop"`

	Model struct {
		Path string `yaml:"path"`
	} `yaml:"model"`

	Storage struct {
		DataPath       string `yaml:"dataPath"`
		DatabaseURL    string `yaml:"databaseURL"`
		Disabled       bool   `yaml:"disabled"`
		QueueSize      int    `yaml:"queueSize"`
		RetryQueueSize int    `yaml:"retryQueueSize"`
		EnqueueTimeout string `yaml:"enqueueTimeout"`
		WriteTimeout   string `yaml:"writeTimeout"`
		RetryInterval  string `yaml:"retryInterval"`
		CloseTimeout   string `yaml:"closeTimeout"`
	} `yaml:"storage"`

	System struct {
		MetricsPort int    `yaml:"metricsPort"`
		LogLevel    string `yaml:"logLevel"`
		LogFormat   string `yaml:"logFormat"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// YAML first, environment variables override it
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

// LoadFile loads path regardless of CONFIG_FILE. Environment overrides
// still apply.
func LoadFile(path string) (Settings, error) {
	return loadFromYAML(path)
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return build(config)
}

func loadFromEnv() (Settings, error) {
	return build(ConfigFile{})
}

func build(config ConfigFile) (Settings, error) {
	pollInterval := getSecondsFromEnvOrConfig(common.EnvPollIntervalSeconds, config.PollIntervalSeconds, common.DefaultPollInterval)
	backoffBase := getSecondsFromEnvOrConfig(common.EnvBackoffBaseSeconds, config.BackoffBaseSeconds, common.DefaultBackoffBase)

	settings := Settings{
		ControllerMode:    strings.ToLower(getEnvOrDefault(common.EnvControllerMode, orDefault(config.Controller.Mode, common.DefaultControllerMode))),
		ControllerPath:    getEnvOrDefault(common.EnvControllerPath, config.Controller.Path),
		ControllerTimeout: getDurationFromEnvOrConfig(common.EnvControllerTimeout, config.Controller.Timeout, common.DefaultControllerTimeout),
		ReconnectAttempts: getIntFromEnvOrConfig(common.EnvReconnectAttempts, config.Controller.ReconnectAttempts, common.DefaultReconnectAttempts),
		TagTypes:          config.Controller.TagTypes,
		Virtual: VirtualSettings{
			SampleTime: parseDurationOrDefault(config.Controller.Virtual.SampleTime, pollInterval),
			Profiles:   config.Controller.Virtual.Profiles,
			Initial:    config.Controller.Virtual.Initial,
		},

		PollInterval:           pollInterval,
		RequiredTags:           getTagsFromEnvOrConfig(config.RequiredTags),
		DecisionThresholds:     config.DecisionThresholds,
		BackoffBase:            backoffBase,
		BackoffMax:             getDurationFromEnvOrConfig(common.EnvBackoffMax, config.Loop.BackoffMax, 30*backoffBase),
		MaxConsecutiveFailures: getIntFromEnvOrConfig(common.EnvMaxConsecutiveFailures, config.MaxConsecutiveFailures, common.DefaultMaxConsecutiveFailures),
		CycleTimeout:           getDurationFromEnvOrConfig(common.EnvCycleTimeout, config.Loop.CycleTimeout, common.DefaultCycleTimeout),

		ModelPath: getEnvOrDefault(common.EnvModelPath, orDefault(config.Model.Path, common.DefaultModelPath)),

		DataPath:        getEnvOrDefault(common.EnvDataPath, config.Storage.DataPath),
		DatabaseURL:     getEnvOrDefault(common.EnvDatabaseURL, config.Storage.DatabaseURL),
		StorageDisabled: getBoolFromEnvOrConfig(common.EnvStorageDisabled, config.Storage.Disabled),
		Audit: AuditSettings{
			QueueSize:      orDefaultInt(config.Storage.QueueSize, common.DefaultAuditQueueSize),
			RetryQueueSize: orDefaultInt(config.Storage.RetryQueueSize, common.DefaultAuditRetryQueueSize),
			EnqueueTimeout: parseDurationOrDefault(config.Storage.EnqueueTimeout, common.DefaultAuditEnqueueTimeout),
			WriteTimeout:   parseDurationOrDefault(config.Storage.WriteTimeout, common.DefaultAuditWriteTimeout),
			RetryInterval:  parseDurationOrDefault(config.Storage.RetryInterval, common.DefaultAuditRetryInterval),
			CloseTimeout:   parseDurationOrDefault(config.Storage.CloseTimeout, common.DefaultAuditCloseTimeout),
		},

		MetricsPort: getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		LogLevel:    strings.ToLower(getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel))),
		LogFormat:   strings.ToLower(getEnvOrDefault(common.EnvLogFormat, orDefault(config.System.LogFormat, common.DefaultLogFormat))),
	}

	if settings.DataPath == "" && settings.DatabaseURL == "" {
		settings.DataPath = common.DefaultDataPath
	}
	if settings.DecisionThresholds == nil {
		settings.DecisionThresholds = make(map[string]policy.Rule)
	}
	if settings.ControllerMode == common.ModeVirtual && len(settings.Virtual.Profiles) == 0 && len(settings.Virtual.Initial) == 0 {
		settings.Virtual.Profiles = map[string]ProfileConfig{
			common.TagWetBulb: {Base: 24, Amplitude: 6, Period: "24h"},
		}
		settings.Virtual.Initial = map[string]any{
			common.TagCoolingWaterSP: 27.0,
			common.TagInterlock:      0,
		}
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// TagTypeMap parses the configured CIP tag types.
func (s *Settings) TagTypeMap() (map[string]tags.Type, error) {
	out := make(map[string]tags.Type, len(s.TagTypes))
	for name, raw := range s.TagTypes {
		t, err := tags.ParseType(raw)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// VirtualConfig builds the simulated plant for virtual mode.
func (s *Settings) VirtualConfig() (tags.VirtualConfig, error) {
	types, err := s.TagTypeMap()
	if err != nil {
		return tags.VirtualConfig{}, err
	}
	vc := tags.VirtualConfig{
		SampleTime: s.Virtual.SampleTime,
		Initial:    make(map[string]tags.Value, len(s.Virtual.Initial)),
		Profiles:   make(map[string]tags.Profile, len(s.Virtual.Profiles)),
		Types:      types,
	}
	for name, p := range s.Virtual.Profiles {
		period, err := time.ParseDuration(orDefault(p.Period, "24h"))
		if err != nil || period <= 0 {
			return tags.VirtualConfig{}, fmt.Errorf("virtual profile %s: invalid period %q", name, p.Period)
		}
		vc.Profiles[name] = tags.Profile{Base: p.Base, Amplitude: p.Amplitude, Period: period}
	}
	for name, raw := range s.Virtual.Initial {
		v, err := tags.Decode(types[name], raw)
		if err != nil {
			return tags.VirtualConfig{}, fmt.Errorf("virtual tag %s: %w", name, err)
		}
		vc.Initial[name] = v
	}
	return vc, nil
}

// SessionConfig derives the reconnect policy of the controller session.
func (s *Settings) SessionConfig() tags.SessionConfig {
	return tags.SessionConfig{
		BackoffBase: s.BackoffBase,
		BackoffMax:  s.BackoffMax,
		MaxAttempts: s.ReconnectAttempts,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		warnUnparsed(key, v, err)
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		warnUnparsed(key, v, err)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
		warnUnparsed(key, v, err)
	}
	return defaultValue
}

// warnUnparsed reports an environment value that falls back to the default.
func warnUnparsed(key, value string, err error) {
	log.Warn().Err(err).Str("env", key).Str("value", value).Msg("ignoring malformed environment value, using default")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func parseDurationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func getTagsFromEnvOrConfig(configTags []string) []string {
	if env := os.Getenv(common.EnvRequiredTags); env != "" {
		var out []string
		for _, t := range strings.Split(env, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	if len(configTags) > 0 {
		return configTags
	}
	return append([]string(nil), common.DefaultRequiredTags...)
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getIntOrDefault(key, defaultValue)
}

func getDurationFromEnvOrConfig(key, configValue string, defaultValue time.Duration) time.Duration {
	return getDurationOrDefault(key, parseDurationOrDefault(configValue, defaultValue))
}

// getSecondsFromEnvOrConfig reads a duration given in (fractional) seconds.
func getSecondsFromEnvOrConfig(key string, configValue float64, defaultValue time.Duration) time.Duration {
	secs := defaultValue.Seconds()
	if configValue != 0 {
		secs = configValue
	}
	secs = getFloatOrDefault(key, secs)
	return time.Duration(secs * float64(time.Second))
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		val, err := strconv.ParseBool(env)
		if err == nil {
			return val
		}
		warnUnparsed(key, env, err)
	}
	return configValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Controller
	switch settings.ControllerMode {
	case common.ModeVirtual:
	case common.ModeGateway:
		if settings.ControllerPath == "" {
			return fmt.Errorf("controller path is required in gateway mode")
		}
	default:
		return fmt.Errorf("controller mode must be %q or %q, got %q", common.ModeGateway, common.ModeVirtual, settings.ControllerMode)
	}
	if settings.ControllerTimeout < common.MinControllerTimeout || settings.ControllerTimeout > common.MaxControllerTimeout {
		return fmt.Errorf("controller timeout must be between %v and %v, got %v", common.MinControllerTimeout, common.MaxControllerTimeout, settings.ControllerTimeout)
	}
	if settings.ReconnectAttempts < 1 || settings.ReconnectAttempts > common.MaxReconnectAttempts {
		return fmt.Errorf("reconnect attempts must be between 1 and %d, got %d", common.MaxReconnectAttempts, settings.ReconnectAttempts)
	}
	if _, err := settings.TagTypeMap(); err != nil {
		return err
	}

	// Loop timing
	if settings.PollInterval < common.MinPollInterval || settings.PollInterval > common.MaxPollInterval {
		return fmt.Errorf("poll interval must be between %v and %v, got %v", common.MinPollInterval, common.MaxPollInterval, settings.PollInterval)
	}
	if settings.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", settings.BackoffBase)
	}
	if settings.BackoffMax < settings.BackoffBase {
		return fmt.Errorf("backoff max %v must not be below backoff base %v", settings.BackoffMax, settings.BackoffBase)
	}
	if settings.MaxConsecutiveFailures < common.MinConsecutiveFailures || settings.MaxConsecutiveFailures > common.MaxConsecutiveFailures {
		return fmt.Errorf("max consecutive failures must be between %d and %d, got %d", common.MinConsecutiveFailures, common.MaxConsecutiveFailures, settings.MaxConsecutiveFailures)
	}
	if settings.CycleTimeout <= 0 {
		return fmt.Errorf("cycle timeout must be positive, got %v", settings.CycleTimeout)
	}

	// Tags and decisions
	if len(settings.RequiredTags) == 0 {
		return fmt.Errorf("at least one required tag must be specified")
	}
	seen := make(map[string]bool, len(settings.RequiredTags))
	for _, t := range settings.RequiredTags {
		if t == "" {
			return fmt.Errorf("required tags must not be empty")
		}
		if seen[t] {
			return fmt.Errorf("required tag %s listed twice", t)
		}
		seen[t] = true
	}
	labels := make([]string, 0, len(settings.DecisionThresholds))
	for label := range settings.DecisionThresholds {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if err := settings.DecisionThresholds[label].Validate(); err != nil {
			return fmt.Errorf("decision threshold %s: %w", label, err)
		}
	}

	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}

	// Storage
	if !settings.StorageDisabled && settings.DataPath == "" && settings.DatabaseURL == "" {
		return fmt.Errorf("data path or database URL is required unless storage is disabled")
	}
	if settings.Audit.QueueSize <= 0 || settings.Audit.RetryQueueSize <= 0 {
		return fmt.Errorf("audit queue sizes must be positive")
	}

	// System
	if settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}
	switch settings.LogFormat {
	case common.LogFormatJSON, common.LogFormatConsole:
	default:
		return fmt.Errorf("log format must be %q or %q, got %q", common.LogFormatJSON, common.LogFormatConsole, settings.LogFormat)
	}

	return nil
}
