package control

import (
	"time"

	"autoflow/internal/policy"
)

// State of the control loop.
type State string

const (
	StateIdle         State = "Idle"
	StatePolling      State = "Polling"
	StateScoring      State = "Scoring"
	StateDeciding     State = "Deciding"
	StateWriting      State = "Writing"
	StateRecording    State = "Recording"
	StateErrorBackoff State = "ErrorBackoff"
	// StateHalted is terminal; the process must be restarted.
	StateHalted State = "Halted"
)

// Outcome of one cycle.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Status is a point-in-time snapshot of the loop.
type Status struct {
	State               State          `json:"state"`
	ModelVersion        string         `json:"model_version"`
	StartedAt           time.Time      `json:"started_at"`
	Cycles              uint64         `json:"cycles"`
	FailedCycles        uint64         `json:"failed_cycles"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastCycleID         string         `json:"last_cycle_id,omitempty"`
	LastCycleAt         time.Time      `json:"last_cycle_at"`
	LastLabel           string         `json:"last_label,omitempty"`
	LastScore           float64        `json:"last_score"`
	LastAction          *policy.Action `json:"last_action,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	LastErrorClass      string         `json:"last_error_class,omitempty"`
	NextBackoff         time.Duration  `json:"next_backoff"`
}

// Halted reports whether the loop reached its terminal state.
func (s Status) Halted() bool { return s.State == StateHalted }

// EventType discriminates events.
type EventType string

const (
	EventState EventType = "state"
	EventCycle EventType = "cycle"
)

// Event is emitted on every state change and at the end of every cycle.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	State    State          `json:"state,omitempty"`
	CycleID  string         `json:"cycle_id,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
	Label    string         `json:"label,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Action   *policy.Action `json:"action,omitempty"`
	Error    string         `json:"error,omitempty"`
	Class    string         `json:"class,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// Observer receives loop events on the loop goroutine. It must not block.
type Observer func(Event)
