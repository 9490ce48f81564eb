package history

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/habitloop/intervals/internal/timer"
)

const recordTimeout = 5 * time.Second

// Recorder saves engine outcomes to a Store. Write failures are logged and
// swallowed so the engine never sees them.
type Recorder struct {
	store  *Store
	logger *log.Logger
}

// NewRecorder wraps store. A nil logger discards records.
func NewRecorder(store *Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Recorder{store: store, logger: logger}
}

// OnComplete stores a session that reached its target loop count.
func (r *Recorder) OnComplete(completion timer.Completion) {
	r.save(Record{
		Name:           completion.SessionName,
		StartedAt:      completion.StartedAt,
		EndedAt:        completion.EndedAt,
		Duration:       completion.Duration,
		CompletedLoops: completion.IntervalCount,
		TargetLoops:    completion.TargetLoops,
		Completed:      true,
	})
}

// OnKill stores a manually terminated session. Zero-length results are skipped.
func (r *Recorder) OnKill(result timer.Result) {
	if result.Duration <= 0 {
		return
	}
	r.save(Record{
		Name:           result.SessionName,
		StartedAt:      result.StartedAt,
		EndedAt:        result.EndedAt,
		Duration:       result.Duration,
		CompletedLoops: result.IntervalCount,
		TargetLoops:    result.TargetLoops,
	})
}

func (r *Recorder) save(record Record) {
	if r == nil || r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	id, err := r.store.Record(ctx, record)
	if err != nil {
		r.logger.Error("record interval session", "session", record.Name, "err", err)
		return
	}
	r.logger.Info("interval session recorded",
		"id", id,
		"session", record.Name,
		"duration", record.Duration,
		"loops", record.CompletedLoops,
		"completed", record.Completed,
	)
}
