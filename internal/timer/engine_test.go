package timer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/habitloop/intervals/internal/clock"
	"github.com/habitloop/intervals/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type completionLog struct {
	mu    sync.Mutex
	calls []Completion
}

func (c *completionLog) record(completion Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, completion)
}

func (c *completionLog) all() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Completion, len(c.calls))
	copy(out, c.calls)
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func newTestEngine(t *testing.T, options ...Option) (*Engine, *clock.Fake, *completionLog) {
	t.Helper()

	fake := clock.NewFake(epoch)
	completions := &completionLog{}
	base := []Option{WithClock(fake), WithOnSessionComplete(completions.record)}
	engine := New(append(base, options...)...)
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine, fake, completions
}

func oneMinuteLoops(engine *Engine) {
	engine.SetWorkMinutes(1)
	engine.SetBreakMinutes(1)
}

func TestNewEngineInitialState(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	state := engine.State()

	assert.Equal(t, time.Duration(0), state.TimeLeft)
	assert.False(t, state.Active)
	assert.False(t, state.Paused)
	assert.Equal(t, PhaseWork, state.Interval)
	assert.Equal(t, 0, state.IntervalCount)
	assert.Equal(t, 0, state.TargetLoops)
	assert.Equal(t, 25, state.WorkMinutes)
	assert.Equal(t, 5, state.BreakMinutes)
	assert.Equal(t, 0.0, state.Progress)
}

func TestStartUsesConfiguredWorkDuration(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	engine.SetWorkMinutes(30)
	engine.Start("", 0)

	state := engine.State()
	assert.Equal(t, 30*time.Minute, state.TimeLeft)
	assert.True(t, state.Active)
	assert.False(t, state.Paused)
	assert.Equal(t, PhaseWork, state.Interval)
}

func TestWorkPhaseSwitchesToBreak(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)

	fake.Advance(time.Minute + 50*time.Millisecond)

	state := engine.State()
	assert.Equal(t, PhaseBreak, state.Interval)
	assert.LessOrEqual(t, state.TimeLeft, time.Minute)
	assert.Equal(t, time.Minute-50*time.Millisecond, state.TimeLeft)
}

func TestLoopCountedOnlyWhenBreakFinishes(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)

	fake.Advance(time.Minute + time.Second)
	require.Equal(t, PhaseBreak, engine.State().Interval)
	assert.Equal(t, 0, engine.State().IntervalCount)

	fake.Advance(time.Minute)
	state := engine.State()
	assert.Equal(t, PhaseWork, state.Interval)
	assert.Equal(t, 1, state.IntervalCount)
}

func TestPauseFreezesCountdown(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)
	fake.Advance(10 * time.Second)

	engine.Pause()
	frozen := engine.State()
	require.True(t, frozen.Paused)
	require.True(t, frozen.Active)

	fake.Advance(5 * time.Second)
	assert.Equal(t, frozen.TimeLeft, engine.State().TimeLeft)
	assert.Equal(t, PhaseWork, engine.State().Interval)

	engine.Continue()
	fake.Advance(time.Second)
	state := engine.State()
	assert.False(t, state.Paused)
	assert.Equal(t, frozen.TimeLeft-time.Second, state.TimeLeft)
}

func TestKillReturnsDurationAndResets(t *testing.T) {
	t.Parallel()

	engine, fake, completions := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("focus", 0)

	fake.Advance(120100 * time.Millisecond)
	result := engine.Kill()

	assert.Greater(t, result.Duration, 120*time.Second)
	assert.Equal(t, 1, result.IntervalCount)
	assert.Equal(t, "focus", result.SessionName)
	assert.Equal(t, epoch, result.StartedAt)
	assert.Equal(t, epoch.Add(120100*time.Millisecond), result.EndedAt)

	state := engine.State()
	assert.Equal(t, time.Duration(0), state.TimeLeft)
	assert.False(t, state.Active)
	assert.Equal(t, PhaseWork, state.Interval)
	assert.Equal(t, 0, state.IntervalCount)
	assert.Equal(t, 1, state.WorkMinutes)
	assert.Equal(t, 1, state.BreakMinutes)
	assert.Empty(t, completions.all())
	assert.Equal(t, 0, fake.Pending())
}

func TestAutoStopAtTargetInvokesCompletionOnce(t *testing.T) {
	t.Parallel()

	engine, fake, completions := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("Test", 2)

	fake.Advance(4 * time.Minute)

	state := engine.State()
	assert.False(t, state.Active)
	assert.Equal(t, time.Duration(0), state.TimeLeft)
	assert.Equal(t, PhaseWork, state.Interval)
	assert.Equal(t, 0, fake.Pending())

	calls := completions.all()
	require.Len(t, calls, 1)
	assert.Equal(t, 4*time.Minute, calls[0].Duration)
	assert.Equal(t, 2, calls[0].IntervalCount)
	assert.Equal(t, "Test", calls[0].SessionName)
	assert.Equal(t, 2, calls[0].TargetLoops)

	fake.Advance(10 * time.Minute)
	assert.Len(t, completions.all(), 1)
}

func TestNoTargetRunsIndefinitely(t *testing.T) {
	t.Parallel()

	engine, fake, completions := newTestEngine(t, WithTickInterval(100*time.Millisecond))
	oneMinuteLoops(engine)
	engine.Start("Continuous", 0)

	fake.Advance(10*time.Minute + time.Second)

	state := engine.State()
	assert.True(t, state.Active)
	assert.Equal(t, 5, state.IntervalCount)
	assert.Empty(t, completions.all())
}

func TestKillBeforeTargetDoesNotComplete(t *testing.T) {
	t.Parallel()

	engine, fake, completions := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("short", 3)

	fake.Advance(3 * time.Minute)
	result := engine.Kill()

	assert.Equal(t, 1, result.IntervalCount)
	assert.Empty(t, completions.all())

	fake.Advance(10 * time.Minute)
	assert.Empty(t, completions.all())
}

func TestKillAfterDelayedTickAppliesOverdueBreak(t *testing.T) {
	t.Parallel()

	engine, fake, completions := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("late", 0)

	fake.Advance(61 * time.Second)
	fake.Skip(60 * time.Second)
	result := engine.Kill()

	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.IntervalCount)
	assert.Equal(t, 121*time.Second, result.Duration)
	assert.Empty(t, completions.all())
	assert.False(t, engine.State().Active)
}

func TestKillAfterDelayedTickCompletesReachedTarget(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	engine, fake, completions := newTestEngine(t, WithPublisher(publisher))
	oneMinuteLoops(engine)
	engine.Start("late", 1)

	fake.Advance(61 * time.Second)
	fake.Skip(60 * time.Second)
	result := engine.Kill()

	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.IntervalCount)
	assert.Equal(t, 121*time.Second, result.Duration)
	assert.Equal(t, "late", result.SessionName)

	calls := completions.all()
	require.Len(t, calls, 1)
	assert.Equal(t, 121*time.Second, calls[0].Duration)
	assert.Equal(t, 1, calls[0].IntervalCount)

	assert.NotContains(t, publisher.types(), events.EventTypeSessionKilled)
	assert.Contains(t, publisher.types(), events.EventTypeSessionCompleted)
	assert.False(t, engine.State().Active)
	assert.Equal(t, 0, fake.Pending())
}

func TestZeroDurationSessionIsNotSaved(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	engine, fake, completions := newTestEngine(t, WithPublisher(publisher))
	engine.SetWorkMinutes(0)
	engine.SetBreakMinutes(0)
	engine.Start("empty", 1)

	state := engine.State()
	assert.False(t, state.Active)
	assert.Equal(t, 0, fake.Pending())
	assert.Empty(t, completions.all())
	assert.Equal(t, []string{
		events.EventTypeSessionStarted,
		events.EventTypePhaseChanged,
		events.EventTypeSessionCompleted,
	}, publisher.types())

	fake.Advance(time.Second)
	assert.Empty(t, completions.all())
}

func TestPauseAndContinueAreIdempotent(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	engine, fake, _ := newTestEngine(t, WithPublisher(publisher))
	oneMinuteLoops(engine)

	engine.Pause()
	engine.Continue()
	assert.False(t, engine.State().Active)
	assert.Empty(t, publisher.types())

	engine.Start("", 0)
	engine.Continue()
	fake.Advance(time.Second)
	engine.Pause()
	first := engine.State()
	engine.Pause()
	assert.Equal(t, first, engine.State())

	assert.Equal(t, []string{
		events.EventTypeSessionStarted,
		events.EventTypeSessionPaused,
	}, publisher.types())
}

func TestLateTickChargesRealElapsedTime(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)

	fake.Skip(30 * time.Second)
	fake.Advance(0)

	assert.Equal(t, 30*time.Second, engine.State().TimeLeft)
}

func TestOvershootIsNotCarriedIntoNextPhase(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)

	fake.Skip(90 * time.Second)
	fake.Advance(0)

	state := engine.State()
	assert.Equal(t, PhaseBreak, state.Interval)
	assert.Equal(t, time.Minute, state.TimeLeft)
	assert.Equal(t, 90*time.Second, engine.Kill().Duration)
}

func TestDurationChangesApplyFromNextPhase(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)
	fake.Advance(10 * time.Second)

	engine.SetWorkMinutes(2)
	engine.SetBreakMinutes(3)
	assert.Equal(t, 50*time.Second, engine.State().TimeLeft)

	fake.Advance(50 * time.Second)
	assert.Equal(t, PhaseBreak, engine.State().Interval)
	assert.Equal(t, 3*time.Minute, engine.State().TimeLeft)

	fake.Advance(3 * time.Minute)
	assert.Equal(t, PhaseWork, engine.State().Interval)
	assert.Equal(t, 2*time.Minute, engine.State().TimeLeft)
}

func TestNegativeMinutesAreClamped(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	engine.SetWorkMinutes(-5)
	engine.SetBreakMinutes(-1)

	state := engine.State()
	assert.Equal(t, 0, state.WorkMinutes)
	assert.Equal(t, 0, state.BreakMinutes)
}

func TestProgressTracksCurrentPhase(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	assert.Equal(t, 0.0, engine.Progress())

	oneMinuteLoops(engine)
	engine.Start("", 0)
	assert.Equal(t, 0.0, engine.Progress())

	fake.Advance(30 * time.Second)
	assert.InDelta(t, 0.5, engine.Progress(), 1e-9)

	fake.Advance(45 * time.Second)
	assert.InDelta(t, 0.25, engine.Progress(), 1e-9)
}

func TestProgressWithZeroLengthPhaseIsZero(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	engine.SetWorkMinutes(0)
	engine.SetBreakMinutes(0)
	engine.Start("", 0)

	assert.True(t, engine.State().Active)
	assert.Equal(t, 0.0, engine.Progress())
}

func TestToggleCyclesThroughRunStates(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)

	engine.Toggle()
	require.True(t, engine.State().Active)
	require.False(t, engine.State().Paused)
	assert.Equal(t, time.Minute, engine.State().TimeLeft)

	fake.Advance(5 * time.Second)
	engine.Toggle()
	assert.True(t, engine.State().Paused)

	fake.Advance(5 * time.Second)
	engine.Toggle()
	assert.False(t, engine.State().Paused)
	assert.Equal(t, 55*time.Second, engine.State().TimeLeft)
}

func TestStartWhileRunningRestartsSession(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("first", 0)
	fake.Advance(150 * time.Second)
	require.Equal(t, 1, engine.State().IntervalCount)

	engine.Start("second", 4)

	state := engine.State()
	assert.Equal(t, "second", state.SessionName)
	assert.Equal(t, 4, state.TargetLoops)
	assert.Equal(t, 0, state.IntervalCount)
	assert.Equal(t, PhaseWork, state.Interval)
	assert.Equal(t, time.Minute, state.TimeLeft)
	assert.Equal(t, 1, fake.Pending())

	fake.Advance(10 * time.Second)
	assert.Equal(t, 10*time.Second, engine.Kill().Duration)
}

func TestKillFromPausedExcludesPausedTime(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)
	fake.Advance(20 * time.Second)
	engine.Pause()
	fake.Advance(time.Hour)

	result := engine.Kill()
	assert.Equal(t, 20*time.Second, result.Duration)
	assert.False(t, engine.State().Active)
}

func TestKillWhileIdleReturnsZeroResult(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	assert.Equal(t, Result{}, engine.Kill())
	engine.Reset()
	assert.False(t, engine.State().Active)
}

func TestResetKeepsConfiguredDurations(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	engine.SetWorkMinutes(50)
	engine.SetBreakMinutes(10)
	engine.Start("", 0)
	fake.Advance(time.Minute)

	engine.Reset()

	state := engine.State()
	assert.False(t, state.Active)
	assert.Equal(t, time.Duration(0), state.TimeLeft)
	assert.Equal(t, 50, state.WorkMinutes)
	assert.Equal(t, 10, state.BreakMinutes)
}

func TestCloseCancelsTicking(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t)
	oneMinuteLoops(engine)
	engine.Start("", 0)
	fake.Advance(time.Second)
	require.Equal(t, 1, fake.Pending())

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	assert.Equal(t, 0, fake.Pending())

	before := engine.State()
	fake.Advance(5 * time.Minute)
	assert.Equal(t, before, engine.State())

	engine.Start("after close", 0)
	engine.SetWorkMinutes(9)
	assert.Equal(t, before, engine.State())
	assert.Equal(t, Result{}, engine.Kill())
}

func TestCompletionCallbackMayReenterEngine(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var engine *Engine
	restarted := 0
	engine = New(
		WithClock(fake),
		WithDurations(time.Minute, time.Minute),
		WithOnSessionComplete(func(c Completion) {
			if restarted == 0 {
				restarted++
				engine.Start(c.SessionName+" again", 1)
			}
		}),
	)
	defer engine.Close()

	engine.Start("loop", 1)
	fake.Advance(2 * time.Minute)

	state := engine.State()
	assert.Equal(t, 1, restarted)
	assert.True(t, state.Active)
	assert.Equal(t, "loop again", state.SessionName)
	assert.Equal(t, 1, fake.Pending())
}

func TestPhaseEventsCarryTransitionDetails(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	engine, fake, _ := newTestEngine(t, WithPublisher(publisher))
	oneMinuteLoops(engine)
	engine.Start("focus", 1)
	fake.Advance(2 * time.Minute)

	assert.Equal(t, []string{
		events.EventTypeSessionStarted,
		events.EventTypePhaseChanged,
		events.EventTypeSessionCompleted,
	}, publisher.types())

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	change, ok := publisher.events[1].Payload.(PhaseChange)
	require.True(t, ok, "payload type = %T", publisher.events[1].Payload)
	assert.Equal(t, PhaseWork, change.From)
	assert.Equal(t, PhaseBreak, change.To)
	assert.Equal(t, time.Minute, change.TimeLeft)
	assert.Equal(t, "focus", publisher.events[1].EntityID)
	assert.Equal(t, events.EntityIntervalSession, publisher.events[1].EntityType)
	assert.Equal(t, epoch.Add(time.Minute), publisher.events[1].Timestamp)

	completion, ok := publisher.events[2].Payload.(Completion)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, completion.Duration)
}

func TestTransitionsAreRecordedAndTraced(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	engine, fake, _ := newTestEngine(t, WithTracer(provider.Tracer("test")))
	oneMinuteLoops(engine)

	engine.Start("", 0)
	fake.Advance(time.Minute)
	engine.Pause()
	engine.Continue()
	engine.Kill()

	transitions := engine.Transitions()
	got := make([][2]MachineState, 0, len(transitions))
	for _, transition := range transitions {
		got = append(got, [2]MachineState{transition.From, transition.To})
	}
	assert.Equal(t, [][2]MachineState{
		{StateIdle, StateWorkRunning},
		{StateWorkRunning, StateBreakRunning},
		{StateBreakRunning, StateBreakPaused},
		{StateBreakPaused, StateBreakRunning},
		{StateBreakRunning, StateIdle},
	}, got)

	spans := recorder.Ended()
	require.Len(t, spans, len(transitions))
	for _, span := range spans {
		assert.Equal(t, "timer.transition", span.Name())
	}
	assert.Contains(t, spans[1].Attributes(), attribute.String("to_state", string(StateBreakRunning)))
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := &machine{tracer: provider.Tracer("test")}

	err := m.record(StateWorkPaused, StateBreakRunning, "skip ahead", epoch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
	assert.Contains(t, err.Error(), `from "work_paused" to "break_running"`)
	assert.Empty(t, m.snapshot())

	require.NoError(t, m.record(StateIdle, StateWorkRunning, "start", epoch))
	assert.Len(t, m.snapshot(), 1)
}

func TestMachineHistoryIsBounded(t *testing.T) {
	t.Parallel()

	engine, fake, _ := newTestEngine(t, WithTickInterval(time.Second))
	engine.SetWorkMinutes(0)
	engine.SetBreakMinutes(0)
	engine.Start("", 0)
	fake.Advance(5 * time.Minute)

	transitions := engine.Transitions()
	assert.Len(t, transitions, transitionHistoryLimit)
	assert.Equal(t, epoch.Add(5*time.Minute), transitions[len(transitions)-1].Timestamp)
}
