// Package clock abstracts wall time and periodic scheduling so timed state
// machines can run against real time in production and virtual time in tests.
package clock

import (
	"sync"
	"time"
)

// MinInterval is the smallest period Every will schedule.
const MinInterval = time.Millisecond

// Clock provides the current time and a periodic callback scheduler.
type Clock interface {
	Now() time.Time
	// Every invokes fn once per interval until the returned stop func is
	// called. stop is idempotent and safe to call from inside fn.
	Every(interval time.Duration, fn func()) (stop func())
}

// Real is the wall-clock implementation backed by time.Ticker.
type Real struct{}

// Now returns time.Now.
func (Real) Now() time.Time {
	return time.Now()
}

// Every starts a goroutine that calls fn on every tick of a time.Ticker.
func (Real) Every(interval time.Duration, fn func()) func() {
	if interval < MinInterval {
		interval = MinInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
		})
	}
}
