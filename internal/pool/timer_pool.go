// Package pool provides pooled timers for the timeout paths of a device connection.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer for the given duration d from the pool.
// A non-positive d yields a timer that fires immediately.
//
// Return back the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	if d < 0 {
		d = 0
	}

	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer) // only *time.Timer is put into the pool
		if t.Reset(d) {
			drain(t)
		}

		return t
	}

	return time.NewTimer(d)
}

// PutTimer returns timer to the pool.
//
// t cannot be accessed after returning to the pool.
func PutTimer(t *time.Timer) {
	if t == nil {
		return
	}

	if !t.Stop() {
		drain(t)
	}
	timerPool.Put(t)
}

// drain empties t.C if the tick was not consumed by the caller.
func drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
