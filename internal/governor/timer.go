package governor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// timerFactory creates cancellable one-shot callbacks.
type timerFactory interface {
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// coreTimer is the sampling timer of one core. The main timer may slip while
// the core is idle: when it fires during idle the sample is deferred until
// idle exit or until the slack timer fires.
type coreTimer struct {
	mu       sync.Mutex
	main     clock.Timer
	slack    clock.Timer
	expires  time.Time
	armed    bool
	deferred bool
	gen      uint64
}

// schedule arms the timer, replacing any previous arming. fire receives the
// generation it was armed with and whether it comes from the slack timer.
// A negative slack arms the main timer only.
func (t *coreTimer) schedule(timers timerFactory, now time.Time, delay, slack time.Duration, fire func(gen uint64, fromSlack bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen
	t.armed = true
	t.deferred = false
	t.expires = now.Add(delay)
	t.main = timers.AfterFunc(delay, func() { fire(gen, false) })
	if slack >= 0 {
		t.slack = timers.AfterFunc(delay+slack, func() { fire(gen, true) })
	}
}

// retry re-arms the timer that fired for gen after delay, keeping the rest of
// the arming. It reports false when gen is no longer current.
func (t *coreTimer) retry(timers timerFactory, gen uint64, fromSlack bool, delay time.Duration, fire func(gen uint64, fromSlack bool)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.armed {
		return false
	}
	timer := timers.AfterFunc(delay, func() { fire(gen, fromSlack) })
	if fromSlack {
		if t.slack != nil {
			t.slack.Stop()
		}
		t.slack = timer
	} else {
		if t.main != nil {
			t.main.Stop()
		}
		t.main = timer
	}
	return true
}

// claim decides whether a firing should run a sample. A main firing while
// idle only marks the timer deferred.
func (t *coreTimer) claim(gen uint64, fromSlack, idle bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.armed {
		return false
	}
	if !fromSlack && idle {
		t.deferred = true
		return false
	}
	if fromSlack && !t.deferred {
		return false
	}
	t.stopLocked()
	t.armed = false
	t.deferred = false
	return true
}

func (t *coreTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Expired reports whether the timer is pending with its deadline passed.
func (t *coreTimer) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed && (t.deferred || !now.Before(t.expires))
}

func (t *coreTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
	t.armed = false
	t.deferred = false
}

func (t *coreTimer) stopLocked() {
	if t.main != nil {
		t.main.Stop()
		t.main = nil
	}
	if t.slack != nil {
		t.slack.Stop()
		t.slack = nil
	}
}
