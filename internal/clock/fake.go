package clock

import (
	"sync"
	"time"
)

// Fake is a manually driven clock. Scheduled callbacks only run inside
// Advance, synchronously and in timestamp order.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	nextID    uint64
	schedules map[uint64]*schedule
}

type schedule struct {
	id       uint64
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:       start,
		schedules: make(map[uint64]*schedule),
	}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every registers fn to fire each interval of virtual time.
func (f *Fake) Every(interval time.Duration, fn func()) func() {
	if interval < MinInterval {
		interval = MinInterval
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.schedules[id] = &schedule{
		id:       id,
		interval: interval,
		next:     f.now.Add(interval),
		fn:       fn,
	}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.schedules, id)
		f.mu.Unlock()
	}
}

// Advance moves virtual time forward by d, firing every callback that falls
// due on the way. Callbacks observe Now() equal to their due instant.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		due := f.earliestDue(target)
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if due.next.After(f.now) {
			f.now = due.next
		}
		due.next = f.now.Add(due.interval)
		fn := due.fn
		f.mu.Unlock()

		fn()
	}
}

// Skip moves virtual time forward by d without firing anything, the way a
// stalled scheduler delivers no ticks. Overdue schedules fire once on the
// next Advance, at the skipped-to instant.
func (f *Fake) Skip(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	for _, s := range f.schedules {
		if s.next.Before(f.now) {
			s.next = f.now
		}
	}
}

// Pending reports how many periodic callbacks are still registered.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.schedules)
}

func (f *Fake) earliestDue(target time.Time) *schedule {
	var best *schedule
	for _, s := range f.schedules {
		if s.next.After(target) {
			continue
		}
		if best == nil || s.next.Before(best.next) || (s.next.Equal(best.next) && s.id < best.id) {
			best = s
		}
	}
	return best
}
