package timer

import "time"

// Phase is one half of an interval loop.
type Phase string

const (
	PhaseWork  Phase = "work"
	PhaseBreak Phase = "break"
)

// RunState is the engine's coarse lifecycle state.
type RunState string

const (
	RunIdle    RunState = "idle"
	RunRunning RunState = "running"
	RunPaused  RunState = "paused"
)

// Status is a read-only view of the engine at one instant.
type Status struct {
	TimeLeft      time.Duration
	Active        bool
	Paused        bool
	Interval      Phase
	IntervalCount int
	// TargetLoops is 0 when the session runs indefinitely.
	TargetLoops  int
	Progress     float64
	WorkMinutes  int
	BreakMinutes int
	SessionName  string
}

// Result summarizes a manually terminated session.
type Result struct {
	Duration      time.Duration
	IntervalCount int
	SessionName   string
	TargetLoops   int
	StartedAt     time.Time
	EndedAt       time.Time
	// Completed is true when overdue phase ends reached the target before
	// the kill applied.
	Completed bool
}

// Completion is handed to the completion callback when a session stops
// because it reached its target loop count.
type Completion struct {
	Duration      time.Duration
	IntervalCount int
	SessionName   string
	TargetLoops   int
	StartedAt     time.Time
	EndedAt       time.Time
}

// PhaseChange is the payload of events.EventTypePhaseChanged.
type PhaseChange struct {
	From          Phase
	To            Phase
	IntervalCount int
	TimeLeft      time.Duration
}
