package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/habitloop/intervals/internal/clock"
	"github.com/habitloop/intervals/internal/config"
	"github.com/habitloop/intervals/internal/events"
	"github.com/habitloop/intervals/internal/history"
	"github.com/habitloop/intervals/internal/snapshot"
	"github.com/habitloop/intervals/internal/timer"
	"github.com/habitloop/intervals/internal/watcher"
	"github.com/spf13/cobra"
)

const sessionHelp = "commands: p pause/continue, k kill, s status, q save and quit"

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		name   string
		loops  int
		work   int
		breakM int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interval session in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner := newSessionRunner(cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
			runner.workPinned = cmd.Flags().Changed("work")
			runner.breakPinned = cmd.Flags().Changed("break")
			return runner.run(cmd.Context(), sessionRequest{
				name:         name,
				targetLoops:  loops,
				workMinutes:  work,
				breakMinutes: breakM,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "session name stored in history")
	cmd.Flags().IntVar(&loops, "loops", cfg.TargetLoops, "stop after this many work+break loops (0 runs until killed)")
	cmd.Flags().IntVar(&work, "work", cfg.WorkMinutes, "work phase length in minutes")
	cmd.Flags().IntVar(&breakM, "break", cfg.BreakMinutes, "break phase length in minutes")
	return cmd
}

func newResumeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the session saved by pause, quit or interrupt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, ok, err := snapshot.Load(cfg.StateFile)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no saved session in %s", cfg.StateFile)
			}

			runner := newSessionRunner(cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
			// Restored sessions keep the lengths they were saved with.
			runner.workPinned = true
			runner.breakPinned = true
			return runner.run(cmd.Context(), sessionRequest{restore: &snap})
		},
	}
}

type sessionRequest struct {
	name         string
	targetLoops  int
	workMinutes  int
	breakMinutes int
	restore      *timer.Snapshot
}

// sessionRunner drives one foreground session: it wires the engine to the
// history store, the snapshot file and the config watcher, and turns stdin
// lines into engine commands.
type sessionRunner struct {
	cfg         *config.Config
	logger      *log.Logger
	in          io.Reader
	out         *syncWriter
	clock       clock.Clock
	configPaths []string

	// Pinned lengths came from flags or a snapshot and ignore config reloads.
	workPinned  bool
	breakPinned bool
}

func newSessionRunner(cfg *config.Config, logger *log.Logger, in io.Reader, out io.Writer) *sessionRunner {
	paths, err := config.Paths()
	if err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	}
	return &sessionRunner{
		cfg:         cfg,
		logger:      logger,
		in:          in,
		out:         &syncWriter{w: out},
		clock:       clock.Real{},
		configPaths: paths,
	}
}

func (r *sessionRunner) run(ctx context.Context, req sessionRequest) error {
	store, err := history.Open(ctx, r.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			r.logger.Warn("close history store", "err", closeErr)
		}
	}()
	recorder := history.NewRecorder(store, r.logger)

	bus := events.New(events.WithLogger(r.logger))
	defer bus.Close()

	finished := make(chan struct{})
	var finishOnce sync.Once
	finish := func() {
		finishOnce.Do(func() { close(finished) })
	}

	engine := timer.New(
		timer.WithClock(r.clock),
		timer.WithTickInterval(r.cfg.TickInterval),
		timer.WithLogger(r.logger),
		timer.WithPublisher(bus),
		timer.WithDurations(
			time.Duration(req.workMinutes)*time.Minute,
			time.Duration(req.breakMinutes)*time.Minute,
		),
		timer.WithOnSessionComplete(func(completion timer.Completion) {
			recorder.OnComplete(completion)
			r.out.Printf("session complete: %d loops in %s\n", completion.IntervalCount, formatClock(completion.Duration))
			finish()
		}),
	)
	defer engine.Close()

	bus.SubscribeAll(func(event events.Event) {
		r.handleEvent(event, finish)
	})

	if stopWatch := r.watchConfig(ctx, engine); stopWatch != nil {
		defer stopWatch()
	}

	if req.restore != nil {
		if !engine.Restore(*req.restore) {
			return errors.New("saved session could not be restored")
		}
		if engine.State().Paused {
			r.out.Println("restored paused session; press p to continue")
		}
	} else {
		engine.Start(req.name, req.targetLoops)
	}
	r.out.Println(sessionHelp)
	r.printStatus(engine.State())

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	commands := make(chan string)
	go r.readCommands(readCtx, commands)

	for {
		select {
		case <-finished:
			r.removeSnapshot()
			return nil

		case <-ctx.Done():
			r.saveSnapshot(engine)
			return nil

		case command := <-commands:
			if done := r.dispatch(command, engine, recorder); done {
				return nil
			}
		}
	}
}

// dispatch applies one stdin command and reports whether the session ended.
func (r *sessionRunner) dispatch(command string, engine *timer.Engine, recorder *history.Recorder) bool {
	switch command {
	case "":
		return false
	case "p", "pause", "c", "continue":
		// Toggling an idle engine would start a new session.
		if !engine.State().Active {
			return false
		}
		engine.Toggle()
		state := engine.State()
		if state.Paused {
			r.saveSnapshot(engine)
			r.out.Println("paused")
		} else {
			r.out.Println("continued")
		}
		return false
	case "k", "kill":
		result := engine.Kill()
		if result.Completed {
			// Recorded by the completion callback.
			r.removeSnapshot()
			return true
		}
		recorder.OnKill(result)
		r.removeSnapshot()
		r.out.Printf("session killed: %d loops in %s\n", result.IntervalCount, formatClock(result.Duration))
		return true
	case "s", "status":
		r.printStatus(engine.State())
		return false
	case "q", "quit":
		r.saveSnapshot(engine)
		return true
	default:
		r.out.Println(sessionHelp)
		return false
	}
}

func (r *sessionRunner) handleEvent(event events.Event, finish func()) {
	switch event.Type {
	case events.EventTypePhaseChanged:
		change, ok := event.Payload.(timer.PhaseChange)
		if !ok {
			return
		}
		if r.cfg.Bell {
			r.out.Print("\a")
		}
		r.out.Printf("%s -> %s (loops %d, %s left)\n", change.From, change.To, change.IntervalCount, formatClock(change.TimeLeft))
	case events.EventTypeSessionCompleted:
		completion, ok := event.Payload.(timer.Completion)
		if ok && completion.Duration <= 0 {
			r.out.Println("session finished without elapsed time; not saved")
			finish()
		}
	}
}

func (r *sessionRunner) readCommands(ctx context.Context, commands chan<- string) {
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		command := strings.ToLower(strings.TrimSpace(scanner.Text()))
		select {
		case commands <- command:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("read session commands", "err", err)
	}
}

// watchConfig reloads config files on change and applies new phase lengths
// that were not pinned. It returns a stop func, or nil when nothing is watched.
func (r *sessionRunner) watchConfig(ctx context.Context, engine *timer.Engine) func() {
	if len(r.configPaths) == 0 || (r.workPinned && r.breakPinned) {
		return nil
	}

	paths := append([]string(nil), r.configPaths...)
	w, err := watcher.New(paths, func() {
		reloaded, err := config.LoadFrom(ctx, paths...)
		if err != nil {
			r.logger.Warn("config reload rejected", "err", err)
			r.out.Printf("config reload rejected: %v\n", err)
			return
		}
		if !r.workPinned {
			engine.SetWorkMinutes(reloaded.WorkMinutes)
		}
		if !r.breakPinned {
			engine.SetBreakMinutes(reloaded.BreakMinutes)
		}
		state := engine.State()
		r.out.Printf("config reloaded: %dm work / %dm break from next phase\n", state.WorkMinutes, state.BreakMinutes)
	}, watcher.WithLogger(r.logger))
	if err != nil {
		r.logger.Warn("config hot reload disabled", "err", err)
		return nil
	}
	if err := w.Start(); err != nil {
		r.logger.Warn("config hot reload disabled", "err", err)
		return nil
	}
	return func() {
		if err := w.Stop(); err != nil {
			r.logger.Warn("stop config watcher", "err", err)
		}
	}
}

func (r *sessionRunner) saveSnapshot(engine *timer.Engine) {
	snap := engine.Snapshot()
	if snap.RunState == timer.RunIdle {
		return
	}
	if err := snapshot.Save(r.cfg.StateFile, snap); err != nil {
		r.logger.Error("save session snapshot", "path", r.cfg.StateFile, "err", err)
		r.out.Printf("failed to save session: %v\n", err)
		return
	}
	r.logger.Info("session snapshot saved", "path", r.cfg.StateFile, "state", snap.RunState)
	r.out.Printf("session saved to %s; continue with `intervals resume`\n", r.cfg.StateFile)
}

func (r *sessionRunner) removeSnapshot() {
	if err := snapshot.Remove(r.cfg.StateFile); err != nil {
		r.logger.Warn("remove session snapshot", "err", err)
	}
}

func (r *sessionRunner) printStatus(state timer.Status) {
	loops := fmt.Sprintf("%d", state.IntervalCount)
	if state.TargetLoops > 0 {
		loops = fmt.Sprintf("%d/%d", state.IntervalCount, state.TargetLoops)
	}
	run := "running"
	switch {
	case !state.Active:
		run = "idle"
	case state.Paused:
		run = "paused"
	}
	r.out.Printf("%s %s left | loops %s | %3.0f%% | %s\n",
		state.Interval, formatClock(state.TimeLeft), loops, state.Progress*100, run)
}

// formatClock renders d as mm:ss, or h:mm:ss from one hour up.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second) / time.Second)
	hours, minutes, seconds := total/3600, (total%3600)/60, total%60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// syncWriter serializes output from the command loop, bus handlers and the
// config watcher.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, format, args...)
}

func (s *syncWriter) Println(args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, args...)
}

func (s *syncWriter) Print(args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, args...)
}
