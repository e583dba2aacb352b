package common

import "time"

// Environment variable keys
const (
	EnvConfigFile             = "CONFIG_FILE"
	EnvControllerMode         = "CONTROLLER_MODE"
	EnvControllerPath         = "CONTROLLER_PATH"
	EnvControllerTimeout      = "CONTROLLER_TIMEOUT"
	EnvReconnectAttempts      = "RECONNECT_ATTEMPTS"
	EnvPollIntervalSeconds    = "POLL_INTERVAL_SECONDS"
	EnvRequiredTags           = "REQUIRED_TAGS"
	EnvBackoffBaseSeconds     = "BACKOFF_BASE_SECONDS"
	EnvBackoffMax             = "BACKOFF_MAX"
	EnvMaxConsecutiveFailures = "MAX_CONSECUTIVE_FAILURES"
	EnvCycleTimeout           = "CYCLE_TIMEOUT"
	EnvModelPath              = "MODEL_PATH"
	EnvDataPath               = "DATA_PATH"
	EnvDatabaseURL            = "DATABASE_URL"
	EnvStorageDisabled        = "STORAGE_DISABLED"
	EnvMetricsPort            = "METRICS_PORT"
	EnvLogLevel               = "LOG_LEVEL"
	EnvLogFormat              = "LOG_FORMAT"
)

// Controller modes
const (
	ModeGateway = "gateway"
	ModeVirtual = "virtual"
)

// Log formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Configuration defaults
const (
	DefaultControllerMode         = ModeVirtual
	DefaultControllerTimeout      = 5 * time.Second
	DefaultReconnectAttempts      = 5
	DefaultPollInterval           = 20 * time.Second
	DefaultBackoffBase            = 1 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultCycleTimeout           = 30 * time.Second
	DefaultModelPath              = "models"
	DefaultDataPath               = "data"
	DefaultMetricsPort            = 8080
	DefaultLogLevel               = "info"
	DefaultLogFormat              = LogFormatJSON

	DefaultAuditQueueSize      = 1024
	DefaultAuditRetryQueueSize = 4096
	DefaultAuditEnqueueTimeout = 100 * time.Millisecond
	DefaultAuditWriteTimeout   = 5 * time.Second
	DefaultAuditRetryInterval  = 5 * time.Second
	DefaultAuditCloseTimeout   = 10 * time.Second
)

// Plant tags of the cooling-water setpoint optimiser.
const (
	TagInterlock      = "Tag_INT"
	TagWetBulb        = "Tag_TW"
	TagCoolingWaterSP = "Tag_CTW_SP"
)

// DefaultRequiredTags are polled when no tags are configured.
var DefaultRequiredTags = []string{TagWetBulb}

// Validation constants
const (
	MinPollInterval        = 100 * time.Millisecond
	MaxPollInterval        = time.Hour
	MinConsecutiveFailures = 1
	MaxConsecutiveFailures = 1000
	MinMetricsPort         = 1024
	MaxMetricsPort         = 65535
	MinControllerTimeout   = 100 * time.Millisecond
	MaxControllerTimeout   = time.Minute
	MaxReconnectAttempts   = 100
)
