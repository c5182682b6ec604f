package domain

import "time"

// =============================================================================
// Progress Events
// =============================================================================

// Level is the severity of a progress event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ProgressEvent is one entry of a run's progress stream.
type ProgressEvent struct {
	RunID     string    `json:"run_id"`
	Sequence  uint64    `json:"sequence"`
	Stage     *Stage    `json:"stage,omitempty"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Final     bool      `json:"final,omitempty"`
	// Omitted is set only on a replay gap marker: the number of earlier
	// events no longer held for replay. Markers carry Sequence 0.
	Omitted uint64 `json:"omitted,omitempty"`
}

// StagePtr returns a pointer to s for use in events.
func StagePtr(s Stage) *Stage {
	return &s
}
