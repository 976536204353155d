// Package loop provides the event adapter that every other package in
// httpio dispatches through: a single goroutine ("the loop thread") that
// serializes user-triggered events, fd readiness, one-shot timers, and
// posted continuations. It is one goroutine, not a locked OS thread.
//
// Every callback registered with a Loop runs on that one goroutine.
// Trigger and Post reach the loop through a channel; Add/Remove update
// the watcher set under a mutex.
package loop

import (
	"sync"
	"sync/atomic"
	"time"
)

// Flags describe the readiness a watcher cares about.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
)

func (f Flags) has(o Flags) bool { return f&o != 0 }

// pollInterval bounds how stale fd readiness can be: readiness is
// re-checked in short bursts rather than blocking forever in a single
// syscall, so the loop can still observe Stop and newly added watchers.
const pollInterval = 20 * time.Millisecond

// Loop is the event adapter. Construct with New, and Stop it when done;
// Stop waits for the dispatch goroutine to exit.
type Loop struct {
	post chan func()
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	watchers map[*fdWatcher]struct{}
}

type fdWatcher struct {
	fd      int
	flags   Flags
	onReady func(Flags)
}

// New starts the dispatch goroutine and returns the running Loop.
func New() *Loop {
	l := &Loop{
		post:     make(chan func(), 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[*fdWatcher]struct{}),
	}
	go l.run()
	return l
}

// Stop terminates the dispatch goroutine. It does not close or release
// any watcher still registered; callers must Remove their own watchers
// first.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-l.post:
			fn()
		case <-ticker.C:
			l.pollOnce()
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) pollOnce() {
	l.mu.Lock()
	if len(l.watchers) == 0 {
		l.mu.Unlock()
		return
	}
	watchers := make([]*fdWatcher, 0, len(l.watchers))
	for w := range l.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()

	ready := pollReady(watchers)
	for w, flags := range ready {
		w.onReady(flags)
	}
}

// Post schedules fn to run once on the loop thread. Used anywhere a
// callback must hand control back to the loop instead of resuming a
// waiter from inside its own call frame.
func (l *Loop) Post(fn func()) {
	select {
	case l.post <- fn:
	case <-l.stop:
	}
}

// UserEvent is a named, coalescing event: any number of Trigger calls
// before the loop processes the event collapse into a single firing.
type UserEvent struct {
	loop    *Loop
	onFire  func()
	pending atomic.Bool
}

// NewUserEvent creates a user event bound to this loop. onFire always
// runs on the loop thread.
func (l *Loop) NewUserEvent(onFire func()) *UserEvent {
	return &UserEvent{loop: l, onFire: onFire}
}

// Trigger schedules onFire to run once on the loop thread. Safe to call
// from any goroutine, including from within another callback already
// running on the loop thread.
func (e *UserEvent) Trigger() {
	if e.pending.CompareAndSwap(false, true) {
		e.loop.Post(func() {
			e.pending.Store(false)
			e.onFire()
		})
	}
}

// Timer is a one-shot, cancelable timer whose callback runs on the loop
// thread: arming an explicit deadline for work that would otherwise
// have no other wakeup source.
type Timer struct {
	loop  *Loop
	t     *time.Timer
	fired atomic.Bool
}

// NewTimer arms a one-shot timer that calls onFire on the loop thread
// after delay elapses.
func (l *Loop) NewTimer(delay time.Duration, onFire func()) *Timer {
	tm := &Timer{loop: l}
	tm.t = time.AfterFunc(delay, func() {
		if tm.fired.CompareAndSwap(false, true) {
			l.Post(onFire)
		}
	})
	return tm
}

// Cancel prevents a pending timer from firing. It is idempotent and
// safe to call after the timer has already fired.
func (tm *Timer) Cancel() {
	if tm.fired.CompareAndSwap(false, true) {
		tm.t.Stop()
	}
}

// PostResume schedules a one-shot, zero-delay callback that resumes a
// suspended task — the Go rendition is simply Post, named separately
// here to keep call sites readable where the intent is "wake a waiter",
// not "run an arbitrary callback".
func (l *Loop) PostResume(continuation func()) { l.Post(continuation) }

// NewFdEvent registers interest in read/write readiness for fd. onReady
// runs on the loop thread with the subset of the requested flags that
// are currently ready. The watcher is inactive until Add is called.
func (l *Loop) NewFdEvent(fd int, flags Flags, onReady func(Flags)) *FdEvent {
	return &FdEvent{
		loop: l,
		w:    &fdWatcher{fd: fd, flags: flags, onReady: onReady},
	}
}

// FdEvent is a registered (or not-yet-registered) fd readiness watch.
type FdEvent struct {
	loop *Loop
	w    *fdWatcher
}

// Add registers the watcher with the loop. Adding an already-added
// watcher is a no-op.
func (e *FdEvent) Add() {
	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()
	e.loop.watchers[e.w] = struct{}{}
}

// Remove deregisters the watcher. Idempotent.
func (e *FdEvent) Remove() {
	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()
	delete(e.loop.watchers, e.w)
}

// watcherCount reports how many FdEvents are currently registered; used
// by tests to check a cancelled wait cleans up after itself instead of
// leaking a watcher.
func (l *Loop) watcherCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}
