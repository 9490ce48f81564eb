// Package timer implements the interval (work/break) timer engine: a
// tick-driven state machine with pause/resume, kill, an optional target
// loop count that stops the session, and a completion callback used to
// save finished sessions.
package timer

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/habitloop/intervals/internal/clock"
	"github.com/habitloop/intervals/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultWorkMinutes  = 25
	DefaultBreakMinutes = 5
	// DefaultTickInterval matches the display precision of the countdown.
	DefaultTickInterval = 10 * time.Millisecond
)

// Publisher receives lifecycle and phase events.
type Publisher interface {
	Publish(event events.Event)
}

// Option configures Engine construction.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for virtual-time tests.
func WithClock(c clock.Clock) Option {
	return func(engine *Engine) {
		if c != nil {
			engine.clock = c
		}
	}
}

// WithTickInterval sets how often the countdown is re-evaluated.
func WithTickInterval(interval time.Duration) Option {
	return func(engine *Engine) {
		if interval > 0 {
			engine.tickInterval = interval
		}
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(engine *Engine) {
		if tracer != nil {
			engine.machine.tracer = tracer
		}
	}
}

// WithPublisher configures where phase and lifecycle events go.
func WithPublisher(publisher Publisher) Option {
	return func(engine *Engine) {
		engine.publisher = publisher
	}
}

// WithOnSessionComplete registers the callback invoked when a session stops
// by reaching its target loop count with a non-zero elapsed duration.
func WithOnSessionComplete(fn func(Completion)) Option {
	return func(engine *Engine) {
		engine.onComplete = fn
	}
}

// WithDurations presets the configured work and break lengths.
func WithDurations(work, brk time.Duration) Option {
	return func(engine *Engine) {
		engine.workDuration = clampDuration(work)
		engine.breakDuration = clampDuration(brk)
	}
}

// Engine is an interval timer. All methods are safe for concurrent use;
// misuse (pausing an idle timer, continuing a running one) is a no-op.
type Engine struct {
	mu           sync.Mutex
	clock        clock.Clock
	tickInterval time.Duration
	logger       *log.Logger
	publisher    Publisher
	onComplete   func(Completion)
	machine      *machine

	workDuration  time.Duration
	breakDuration time.Duration
	session       session

	stopTicking func()
	generation  uint64
	closed      bool
}

type session struct {
	phase         Phase
	run           RunState
	timeLeft      time.Duration
	phaseDuration time.Duration
	loops         int
	target        int
	name          string
	// phaseStartedAt is when the current phase countdown last resumed.
	phaseStartedAt time.Time
	lastTick       time.Time
	startedAt      time.Time
	elapsed        time.Duration
}

func idleSession() session {
	return session{phase: PhaseWork, run: RunIdle}
}

// outbox collects notifications produced under the lock; they are
// delivered after it is released so callbacks may re-enter the engine.
type outbox struct {
	events     []events.Event
	completion *Completion
	// finished is set when the session reached its target.
	finished *Result
}

// New builds an idle engine with 25/5 minute defaults.
func New(options ...Option) *Engine {
	engine := &Engine{
		clock:         clock.Real{},
		tickInterval:  DefaultTickInterval,
		logger:        log.New(io.Discard),
		machine:       &machine{tracer: otel.Tracer("intervals/timer")},
		workDuration:  DefaultWorkMinutes * time.Minute,
		breakDuration: DefaultBreakMinutes * time.Minute,
		session:       idleSession(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(engine)
	}
	return engine
}

// SetWorkMinutes changes the work length used from the next work phase on.
// Negative values are clamped to zero.
func (e *Engine) SetWorkMinutes(minutes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.workDuration = minutesToDuration(minutes)
	e.logger.Debug("work duration configured", "work", e.workDuration)
}

// SetBreakMinutes changes the break length used from the next break phase on.
// Negative values are clamped to zero.
func (e *Engine) SetBreakMinutes(minutes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.breakDuration = minutesToDuration(minutes)
	e.logger.Debug("break duration configured", "break", e.breakDuration)
}

// Start begins a fresh session in the work phase, discarding any session in
// progress. targetLoops <= 0 runs until killed.
func (e *Engine) Start(sessionName string, targetLoops int) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var out outbox
	e.startLocked(sessionName, targetLoops, &out)
	e.mu.Unlock()
	e.flush(out)
}

// Pause freezes the countdown and elapsed-time accounting.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.closed || e.session.run != RunRunning {
		e.mu.Unlock()
		return
	}
	var out outbox
	e.pauseLocked(&out)
	e.mu.Unlock()
	e.flush(out)
}

// Continue resumes a paused countdown in the same phase.
func (e *Engine) Continue() {
	e.mu.Lock()
	if e.closed || e.session.run != RunPaused {
		e.mu.Unlock()
		return
	}
	var out outbox
	e.continueLocked(&out)
	e.mu.Unlock()
	e.flush(out)
}

// Toggle starts an idle timer, pauses a running one and continues a paused one.
func (e *Engine) Toggle() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var out outbox
	switch e.session.run {
	case RunIdle:
		e.startLocked("", 0, &out)
	case RunRunning:
		e.pauseLocked(&out)
	case RunPaused:
		e.continueLocked(&out)
	}
	e.mu.Unlock()
	e.flush(out)
}

// Kill stops the session and returns its summary. Time elapsed since the
// last tick is charged first, and phase ends that are already due are
// applied; if that reaches the target the session completes as usual,
// the completion callback runs and the Result has Completed set. Otherwise
// the completion callback is not invoked. Killing an idle timer returns a
// zero Result.
func (e *Engine) Kill() Result {
	e.mu.Lock()
	if e.closed || e.session.run == RunIdle {
		e.mu.Unlock()
		return Result{}
	}

	var out outbox
	now := e.clock.Now()
	if e.session.run == RunRunning {
		e.accrueLocked(now)
		e.evaluateLocked(now, &out)
	}
	if e.session.run == RunIdle {
		// Overdue transitions reached the target; the session completed.
		result := *out.finished
		e.mu.Unlock()
		e.flush(out)
		return result
	}
	result := Result{
		Duration:      e.session.elapsed,
		IntervalCount: e.session.loops,
		SessionName:   e.session.name,
		TargetLoops:   e.session.target,
		StartedAt:     e.session.startedAt,
		EndedAt:       now,
	}

	from := e.stateLocked()
	e.cancelTickingLocked()
	e.session = idleSession()
	e.recordLocked(from, StateIdle, "kill", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionKilled, result.SessionName, result, now))
	e.mu.Unlock()

	e.logger.Info("interval session killed",
		"session", result.SessionName,
		"duration", result.Duration,
		"loops", result.IntervalCount,
	)
	e.flush(out)
	return result
}

// Reset stops the session like Kill and discards the summary.
func (e *Engine) Reset() {
	_ = e.Kill()
}

// Close cancels the periodic tick. Every later call is a no-op; the last
// state stays readable. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.cancelTickingLocked()
	e.closed = true
	return nil
}

// State returns the current readable state.
func (e *Engine) State() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Progress reports how far the current phase has advanced, in [0,1].
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressLocked()
}

// Transitions returns the most recent applied state transitions.
func (e *Engine) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.snapshot()
}

func (e *Engine) startLocked(name string, target int, out *outbox) {
	now := e.clock.Now()
	from := e.stateLocked()
	e.cancelTickingLocked()
	if target < 0 {
		target = 0
	}

	e.session = session{
		phase:          PhaseWork,
		run:            RunRunning,
		timeLeft:       e.workDuration,
		phaseDuration:  e.workDuration,
		target:         target,
		name:           strings.TrimSpace(name),
		phaseStartedAt: now,
		lastTick:       now,
		startedAt:      now,
	}
	e.recordLocked(from, StateWorkRunning, "start", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionStarted, e.session.name, e.statusLocked(), now))
	e.logger.Info("interval session started",
		"session", e.session.name,
		"target_loops", target,
		"work", e.workDuration,
		"break", e.breakDuration,
	)

	// Zero-length phases finish here, before any time passes.
	e.evaluateLocked(now, out)
	if e.session.run == RunRunning {
		e.startTickingLocked()
	}
}

func (e *Engine) pauseLocked(out *outbox) {
	now := e.clock.Now()
	e.accrueLocked(now)
	e.evaluateLocked(now, out)
	if e.session.run != RunRunning {
		return
	}

	from := e.stateLocked()
	e.cancelTickingLocked()
	e.session.run = RunPaused
	e.recordLocked(from, e.stateLocked(), "pause", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionPaused, e.session.name, e.statusLocked(), now))
}

func (e *Engine) continueLocked(out *outbox) {
	now := e.clock.Now()
	from := e.stateLocked()
	e.session.run = RunRunning
	e.session.lastTick = now
	e.session.phaseStartedAt = now
	e.recordLocked(from, e.stateLocked(), "continue", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionResumed, e.session.name, e.statusLocked(), now))
	e.startTickingLocked()
}

func (e *Engine) tick(generation uint64) {
	e.mu.Lock()
	if e.closed || generation != e.generation || e.session.run != RunRunning {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	var out outbox
	e.accrueLocked(now)
	e.evaluateLocked(now, &out)
	e.mu.Unlock()
	e.flush(out)
}

// accrueLocked charges the real time since the previous tick to the
// countdown and to the session total. Measuring deltas keeps the countdown
// correct when ticks arrive late.
func (e *Engine) accrueLocked(now time.Time) {
	delta := now.Sub(e.session.lastTick)
	if delta < 0 {
		delta = 0
	}
	e.session.lastTick = now
	e.session.timeLeft -= delta
	e.session.elapsed += delta
	if e.session.timeLeft < 0 {
		e.session.timeLeft = 0
	}
}

// evaluateLocked applies phase transitions while the countdown is
// exhausted, at most one full loop per call.
func (e *Engine) evaluateLocked(now time.Time, out *outbox) {
	for step := 0; step < 2; step++ {
		if e.session.run != RunRunning || e.session.timeLeft > 0 {
			return
		}
		e.advancePhaseLocked(now, out)
	}
}

func (e *Engine) advancePhaseLocked(now time.Time, out *outbox) {
	from := e.stateLocked()

	if e.session.phase == PhaseWork {
		e.enterPhaseLocked(PhaseBreak, e.breakDuration, now)
		e.recordLocked(from, StateBreakRunning, "work finished", now)
		out.events = append(out.events, e.phaseEventLocked(PhaseWork, PhaseBreak, now))
		return
	}

	e.session.loops++
	if e.session.target > 0 && e.session.loops >= e.session.target {
		e.finishLocked(now, out)
		return
	}
	e.enterPhaseLocked(PhaseWork, e.workDuration, now)
	e.recordLocked(from, StateWorkRunning, "loop completed", now)
	out.events = append(out.events, e.phaseEventLocked(PhaseBreak, PhaseWork, now))
}

// enterPhaseLocked starts a phase at its full configured length; overshoot
// from the previous phase is not carried over.
func (e *Engine) enterPhaseLocked(phase Phase, length time.Duration, now time.Time) {
	e.session.phase = phase
	e.session.timeLeft = length
	e.session.phaseDuration = length
	e.session.phaseStartedAt = now
}

func (e *Engine) finishLocked(now time.Time, out *outbox) {
	completion := Completion{
		Duration:      e.session.elapsed,
		IntervalCount: e.session.loops,
		SessionName:   e.session.name,
		TargetLoops:   e.session.target,
		StartedAt:     e.session.startedAt,
		EndedAt:       now,
	}

	from := e.stateLocked()
	e.cancelTickingLocked()
	e.session = idleSession()
	e.recordLocked(from, StateIdle, "target reached", now)
	out.events = append(out.events, e.eventLocked(events.EventTypeSessionCompleted, completion.SessionName, completion, now))
	out.finished = &Result{
		Duration:      completion.Duration,
		IntervalCount: completion.IntervalCount,
		SessionName:   completion.SessionName,
		TargetLoops:   completion.TargetLoops,
		StartedAt:     completion.StartedAt,
		EndedAt:       completion.EndedAt,
		Completed:     true,
	}

	if completion.Duration <= 0 {
		e.logger.Warn("interval session finished without elapsed time; not saving",
			"session", completion.SessionName,
			"loops", completion.IntervalCount,
		)
		return
	}
	e.logger.Info("interval session completed",
		"session", completion.SessionName,
		"duration", completion.Duration,
		"loops", completion.IntervalCount,
	)
	out.completion = &completion
}

func (e *Engine) startTickingLocked() {
	e.cancelTickingLocked()
	generation := e.generation
	e.stopTicking = e.clock.Every(e.tickInterval, func() {
		e.tick(generation)
	})
}

// cancelTickingLocked stops the periodic callback and invalidates any tick
// already in flight.
func (e *Engine) cancelTickingLocked() {
	if e.stopTicking != nil {
		e.stopTicking()
		e.stopTicking = nil
	}
	e.generation++
}

func (e *Engine) recordLocked(from, to MachineState, reason string, at time.Time) {
	if err := e.machine.record(from, to, reason, at); err != nil {
		e.logger.Error("illegal interval timer transition", "err", err)
	}
}

func (e *Engine) stateLocked() MachineState {
	return machineState(e.session.phase, e.session.run)
}

func (e *Engine) statusLocked() Status {
	return Status{
		TimeLeft:      e.session.timeLeft,
		Active:        e.session.run != RunIdle,
		Paused:        e.session.run == RunPaused,
		Interval:      e.session.phase,
		IntervalCount: e.session.loops,
		TargetLoops:   e.session.target,
		Progress:      e.progressLocked(),
		WorkMinutes:   int(e.workDuration / time.Minute),
		BreakMinutes:  int(e.breakDuration / time.Minute),
		SessionName:   e.session.name,
	}
}

func (e *Engine) progressLocked() float64 {
	total := e.session.phaseDuration
	if total <= 0 {
		return 0
	}
	progress := float64(total-e.session.timeLeft) / float64(total)
	switch {
	case progress < 0:
		return 0
	case progress > 1:
		return 1
	default:
		return progress
	}
}

func (e *Engine) phaseEventLocked(from, to Phase, now time.Time) events.Event {
	change := PhaseChange{
		From:          from,
		To:            to,
		IntervalCount: e.session.loops,
		TimeLeft:      e.session.timeLeft,
	}
	return e.eventLocked(events.EventTypePhaseChanged, e.session.name, change, now)
}

func (e *Engine) eventLocked(eventType, name string, payload any, now time.Time) events.Event {
	return events.Event{
		Type:       eventType,
		Timestamp:  now.UTC(),
		EntityType: events.EntityIntervalSession,
		EntityID:   name,
		Payload:    payload,
		Severity:   events.SeverityInfo,
	}
}

func (e *Engine) flush(out outbox) {
	if e.publisher != nil {
		for _, event := range out.events {
			e.publisher.Publish(event)
		}
	}
	if out.completion != nil && e.onComplete != nil {
		e.onComplete(*out.completion)
	}
}

func minutesToDuration(minutes int) time.Duration {
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
