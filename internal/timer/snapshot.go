package timer

import (
	"strings"
	"time"

	"github.com/habitloop/intervals/internal/events"
)

// SnapshotVersion is bumped when Snapshot fields change meaning.
const SnapshotVersion = 1

// Snapshot is the minimal state needed to resume a session after a restart.
type Snapshot struct {
	Version        int           `json:"version"`
	SessionName    string        `json:"session_name,omitempty"`
	RunState       RunState      `json:"run_state"`
	Phase          Phase         `json:"phase"`
	TimeLeft       time.Duration `json:"time_left"`
	PhaseDuration  time.Duration `json:"phase_duration"`
	PhaseStartedAt time.Time     `json:"phase_started_at"`
	WorkDuration   time.Duration `json:"work_duration"`
	BreakDuration  time.Duration `json:"break_duration"`
	IntervalCount  int           `json:"interval_count"`
	TargetLoops    int           `json:"target_loops,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
	StartedAt      time.Time     `json:"started_at"`
	SavedAt        time.Time     `json:"saved_at"`
}

// Snapshot captures the current session. Running sessions are captured as of
// now without disturbing the tick schedule.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	timeLeft := e.session.timeLeft
	elapsed := e.session.elapsed
	if e.session.run == RunRunning {
		if delta := now.Sub(e.session.lastTick); delta > 0 {
			timeLeft -= delta
			elapsed += delta
		}
		if timeLeft < 0 {
			timeLeft = 0
		}
	}

	return Snapshot{
		Version:        SnapshotVersion,
		SessionName:    e.session.name,
		RunState:       e.session.run,
		Phase:          e.session.phase,
		TimeLeft:       timeLeft,
		PhaseDuration:  e.session.phaseDuration,
		PhaseStartedAt: e.session.phaseStartedAt,
		WorkDuration:   e.workDuration,
		BreakDuration:  e.breakDuration,
		IntervalCount:  e.session.loops,
		TargetLoops:    e.session.target,
		Elapsed:        elapsed,
		StartedAt:      e.session.startedAt,
		SavedAt:        now,
	}
}

// Restore resumes a saved session on an idle engine and reports whether it
// did. A running snapshot keeps counting down: the wall time between SavedAt
// and the first tick is charged to it like any late tick. Idle snapshots and
// busy engines are ignored.
func (e *Engine) Restore(snapshot Snapshot) bool {
	e.mu.Lock()
	if e.closed || e.session.run != RunIdle {
		e.mu.Unlock()
		return false
	}
	if snapshot.RunState != RunRunning && snapshot.RunState != RunPaused {
		e.mu.Unlock()
		return false
	}

	now := e.clock.Now()
	phase := snapshot.Phase
	if phase != PhaseBreak {
		phase = PhaseWork
	}
	e.workDuration = clampDuration(snapshot.WorkDuration)
	e.breakDuration = clampDuration(snapshot.BreakDuration)

	phaseDuration := clampDuration(snapshot.PhaseDuration)
	if phaseDuration == 0 {
		phaseDuration = e.breakDuration
		if phase == PhaseWork {
			phaseDuration = e.workDuration
		}
	}
	lastTick := snapshot.SavedAt
	if lastTick.IsZero() || lastTick.After(now) {
		lastTick = now
	}
	loops := snapshot.IntervalCount
	if loops < 0 {
		loops = 0
	}
	target := snapshot.TargetLoops
	if target < 0 {
		target = 0
	}

	e.cancelTickingLocked()
	e.session = session{
		phase:          phase,
		run:            snapshot.RunState,
		timeLeft:       clampDuration(snapshot.TimeLeft),
		phaseDuration:  phaseDuration,
		loops:          loops,
		target:         target,
		name:           strings.TrimSpace(snapshot.SessionName),
		phaseStartedAt: snapshot.PhaseStartedAt,
		lastTick:       lastTick,
		startedAt:      snapshot.StartedAt,
		elapsed:        clampDuration(snapshot.Elapsed),
	}
	if e.session.startedAt.IsZero() {
		e.session.startedAt = now.Add(-e.session.elapsed)
	}

	var out outbox
	e.recordLocked(StateIdle, e.stateLocked(), "restore", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionResumed, e.session.name, e.statusLocked(), now))
	if e.session.run == RunRunning {
		e.startTickingLocked()
	}
	e.logger.Info("interval session restored",
		"session", e.session.name,
		"state", e.stateLocked(),
		"time_left", e.session.timeLeft,
		"loops", e.session.loops,
	)
	e.mu.Unlock()

	e.flush(out)
	return true
}
