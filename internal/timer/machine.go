package timer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MachineState is the cross product of phase and run state; Idle carries no phase.
type MachineState string

const (
	StateIdle         MachineState = "idle"
	StateWorkRunning  MachineState = "work_running"
	StateWorkPaused   MachineState = "work_paused"
	StateBreakRunning MachineState = "break_running"
	StateBreakPaused  MachineState = "break_paused"
)

const transitionHistoryLimit = 256

var allowedTransitions = map[MachineState]map[MachineState]struct{}{
	StateIdle: {
		StateWorkRunning:  {},
		StateBreakRunning: {},
		StateWorkPaused:   {},
		StateBreakPaused:  {},
	},
	StateWorkRunning: {
		StateWorkRunning:  {},
		StateWorkPaused:   {},
		StateBreakRunning: {},
		StateIdle:         {},
	},
	StateWorkPaused: {
		StateWorkRunning: {},
		StateIdle:        {},
	},
	StateBreakRunning: {
		StateBreakPaused: {},
		StateWorkRunning: {},
		StateIdle:        {},
	},
	StateBreakPaused: {
		StateBreakRunning: {},
		StateWorkRunning:  {},
		StateIdle:         {},
	},
}

func machineState(phase Phase, run RunState) MachineState {
	switch {
	case run == RunIdle:
		return StateIdle
	case phase == PhaseBreak && run == RunPaused:
		return StateBreakPaused
	case phase == PhaseBreak:
		return StateBreakRunning
	case run == RunPaused:
		return StateWorkPaused
	default:
		return StateWorkRunning
	}
}

// Transition records one applied state change.
type Transition struct {
	From      MachineState
	To        MachineState
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError reports a state change outside the transition table.
type IllegalTransitionError struct {
	From   MachineState
	To     MachineState
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition interval timer from %q to %q (%s)", e.From, e.To, e.Reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

type machine struct {
	tracer  trace.Tracer
	history []Transition
}

// record validates and appends one transition. The caller has already
// mutated session state; an illegal pair signals an engine bug and is
// reported, not undone.
func (m *machine) record(from, to MachineState, reason string, at time.Time) error {
	_, span := m.tracer.Start(context.Background(), "timer.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
	)

	if !isAllowed(from, to) {
		err := &IllegalTransitionError{From: from, To: to, Reason: reason}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, Timestamp: at})
	if overflow := len(m.history) - transitionHistoryLimit; overflow > 0 {
		m.history = append(m.history[:0], m.history[overflow:]...)
	}
	span.SetStatus(codes.Ok, "transition applied")
	return nil
}

func (m *machine) snapshot() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(from, to MachineState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
