// Package runloop schedules guest timers on the single guest thread.
//
// There is no background goroutine: the owner polls RunDue and sleeps until
// NextWake, so timer callbacks run on the same goroutine as the guest.
package runloop

import (
	"sort"
	"time"
)

// Clock abstracts time for the loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Timer fires Callback at Fire and then every Interval; a zero interval
// fires once.
type Timer struct {
	Fire     time.Time
	Interval time.Duration
	Callback func() error

	valid bool
}

// Valid reports whether the timer can still fire.
func (t *Timer) Valid() bool { return t.valid }

// Invalidate stops the timer; the loop drops it on its next pass.
func (t *Timer) Invalidate() { t.valid = false }

// Result of RunUntil.
type Result int

const (
	Finished      Result = iota + 1 // no timers left
	Stopped                         // Stop was called
	TimedOut                        // deadline reached
	HandledSource                   // returned after the first fired timer
)

// Loop is a timer run loop.
type Loop struct {
	clock   Clock
	timers  []*Timer
	stopped bool
}

// New returns an empty loop; a nil clock means SystemClock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = SystemClock
	}
	return &Loop{clock: clock}
}

// Now returns the loop's current time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Add schedules t. Adding a timer twice has no effect.
func (l *Loop) Add(t *Timer) {
	for _, have := range l.timers {
		if have == t {
			return
		}
	}
	t.valid = true
	l.timers = append(l.timers, t)
}

// Len returns the number of valid timers.
func (l *Loop) Len() int {
	n := 0
	for _, t := range l.timers {
		if t.valid {
			n++
		}
	}
	return n
}

// Stop makes the current RunUntil return.
func (l *Loop) Stop() { l.stopped = true }

// NextWake returns the earliest fire date over valid timers.
func (l *Loop) NextWake() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range l.timers {
		if t.valid && (!found || t.Fire.Before(next)) {
			next, found = t.Fire, true
		}
	}
	return next, found
}

// RunDue fires every timer whose fire date has passed, earliest first, and
// returns how many fired. A callback error stops the pass.
func (l *Loop) RunDue() (int, error) {
	now := l.clock.Now()
	due := make([]*Timer, 0, len(l.timers))
	for _, t := range l.timers {
		if t.valid && !t.Fire.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Fire.Before(due[j].Fire) })

	fired := 0
	for _, t := range due {
		if !t.valid {
			continue // invalidated by an earlier callback
		}
		if t.Interval > 0 {
			// skip missed periods instead of firing a burst
			for !t.Fire.After(now) {
				t.Fire = t.Fire.Add(t.Interval)
			}
		} else {
			t.valid = false
		}
		fired++
		if t.Callback != nil {
			if err := t.Callback(); err != nil {
				l.compact()
				return fired, err
			}
		}
	}
	l.compact()
	return fired, nil
}

func (l *Loop) compact() {
	kept := l.timers[:0]
	for _, t := range l.timers {
		if t.valid {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(l.timers); i++ {
		l.timers[i] = nil
	}
	l.timers = kept
}

// RunUntil polls timers until deadline, sleeping until the next wake time.
// With returnAfterSource it returns as soon as a timer fired.
func (l *Loop) RunUntil(deadline time.Time, returnAfterSource bool) (Result, error) {
	l.stopped = false
	for {
		fired, err := l.RunDue()
		if err != nil {
			return 0, err
		}
		switch {
		case l.stopped:
			return Stopped, nil
		case fired > 0 && returnAfterSource:
			return HandledSource, nil
		}

		next, ok := l.NextWake()
		if !ok {
			return Finished, nil
		}
		now := l.clock.Now()
		if !now.Before(deadline) {
			return TimedOut, nil
		}
		if next.After(deadline) {
			next = deadline
		}
		if d := next.Sub(now); d > 0 {
			l.clock.Sleep(d)
		}
	}
}
