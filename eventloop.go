// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deputy

import (
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func signalFromInt(n int) os.Signal { return syscall.Signal(n) }

func intFromSignal(s os.Signal) int {
	if sig, ok := s.(syscall.Signal); ok {
		return int(sig)
	}
	return 0
}

// TimerType selects whether a Timer fires once or repeats.
type TimerType int

const (
	SingleShot TimerType = iota
	Repeating
)

// socketHandle is a registered read-readiness watch on an *os.File. The
// EventLoop polls it once each iteration; a dropped handle is only
// flagged while the iteration runs and is compacted out of the slice at
// its end, so an in-progress iteration never mutates the slice it is
// ranging over.
type socketHandle struct {
	file     *os.File
	callback func()
	dropped  bool
}

// Timer is a handle returned by AddTimer. Its methods are only safe to
// call from the goroutine running the owning EventLoop.
type Timer struct {
	loop      *EventLoop
	callback  func()
	timerType TimerType
	interval  time.Duration
	active    bool
	deadline  time.Time
}

// Start (re)arms the timer, computing its next deadline from now.
func (t *Timer) Start() {
	t.active = true
	t.deadline = time.Now().Add(t.interval)
	t.loop.touch(t)
}

// Stop disarms the timer. A stopped timer is simply skipped by
// fireDueTimers; it is not removed from the loop's bookkeeping,
// mirroring the original's inactive_timers_ set.
func (t *Timer) Stop() {
	t.active = false
}

// IsActive reports whether the timer will fire on its own schedule.
func (t *Timer) IsActive() bool { return t.active }

// SetInterval changes the timer's period. Takes effect on the next
// Start(); does not reschedule an already-armed timer.
func (t *Timer) SetInterval(interval time.Duration) {
	t.interval = interval
}

// SetTimerType changes single-shot vs repeating behavior.
func (t *Timer) SetTimerType(timerType TimerType) {
	t.timerType = timerType
}

// EventLoop is a single-threaded cooperative dispatcher: one call to
// IterateOnce polls every registered socket for read-readiness (in
// registration order), invoking callbacks for each ready one, and then
// fires every timer whose deadline has passed (in deadline order, ties
// broken by registration order). It is not safe for concurrent use;
// AddSocket/AddTimer/SetPosixSignals/Quit are expected to be called
// either before Run or from within a callback running on the loop's own
// goroutine.
type EventLoop struct {
	quit bool

	sockets []*socketHandle
	timers  []*Timer

	sigCh      chan os.Signal
	sigCallback func(signum int)
	sigNumbers  []int
	sigSet      bool

	pollInterval time.Duration
}

// NewEventLoop constructs an idle loop. pollInterval bounds how long
// IterateOnce blocks waiting for socket readiness when no timer is due
// sooner; the loop wakes early for a due timer. A delivered signal does
// not wake it: the signal is handled after the wait ends, at most
// pollInterval later.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		pollInterval: 50 * time.Millisecond,
	}
}

// AddSocket registers file for read-readiness polling. The returned
// cancel function drops the registration; calling it more than once, or
// after the file already dropped itself, is a harmless no-op.
func (el *EventLoop) AddSocket(file *os.File, callback func()) (cancel func()) {
	h := &socketHandle{file: file, callback: callback}
	el.sockets = append(el.sockets, h)
	return func() { h.dropped = true }
}

// AddTimer registers a new timer. If active is true it is armed
// immediately with a deadline of now+interval.
func (el *EventLoop) AddTimer(interval time.Duration, timerType TimerType, active bool, callback func()) *Timer {
	t := &Timer{
		loop:      el,
		callback:  callback,
		timerType: timerType,
		interval:  interval,
		active:    active,
	}
	if active {
		t.deadline = time.Now().Add(interval)
	}
	el.timers = append(el.timers, t)
	return t
}

// touch is called by Timer.Start to let the loop know a deadline moved.
// The loop keeps timers in a plain slice and sorts on demand, so there
// is nothing to do here beyond documenting the call site the original's
// active_timers_ re-insertion corresponds to.
func (el *EventLoop) touch(t *Timer) {}

// SetPosixSignals arms delivery of the given signal numbers through
// callback, invoked synchronously from within IterateOnce/Run on the
// loop's own goroutine (never from a true signal handler), the Go
// analog of the original's self-pipe trick. May be called at most once
// per loop.
func (el *EventLoop) SetPosixSignals(signums []int, callback func(signum int)) error {
	if el.sigSet {
		return ErrSignalsAlreadySet
	}
	el.sigSet = true
	el.sigNumbers = signums
	el.sigCallback = callback

	sigs := make([]os.Signal, len(signums))
	for i, n := range signums {
		sigs[i] = signalFromInt(n)
	}
	el.sigCh = make(chan os.Signal, 8)
	signal.Notify(el.sigCh, sigs...)
	return nil
}

// Quit requests that Run return after the current iteration completes.
func (el *EventLoop) Quit() {
	el.quit = true
}

// Run repeatedly calls IterateOnce until Quit is called.
func (el *EventLoop) Run() {
	el.quit = false
	for !el.quit {
		el.IterateOnce()
	}
}

// IterateOnce polls every live socket once, invoking ready callbacks,
// then drains any pending signal, then fires every timer whose deadline
// has passed. Sockets are always serviced before timers within one
// iteration, matching the original's ProcessReadyTimers-after-poll
// ordering.
func (el *EventLoop) IterateOnce() {
	deadline := el.nextTimerDeadline()
	timeout := el.pollInterval
	if deadline != nil {
		if d := time.Until(*deadline); d < timeout {
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}

	el.pollSockets(timeout)
	el.drainSignal()
	el.fireDueTimers()
	el.compactSockets()
}

func (el *EventLoop) nextTimerDeadline() *time.Time {
	var best *time.Time
	for _, t := range el.timers {
		if !t.active {
			continue
		}
		if best == nil || t.deadline.Before(*best) {
			d := t.deadline
			best = &d
		}
	}
	return best
}

// pollSockets calls poll(2) once across every registered fd, the direct
// analog of the original's poll()-based dispatch loop, then invokes the
// callback for each fd that came back readable, in registration order.
// Unlike a Read-based readiness probe, poll never consumes bytes from
// the underlying descriptor.
func (el *EventLoop) pollSockets(timeout time.Duration) {
	live := el.sockets[:0:0]
	for _, h := range el.sockets {
		if !h.dropped {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return
	}

	pfds := make([]unix.PollFd, len(live))
	for i, h := range live {
		pfds[i] = unix.PollFd{Fd: int32(h.file.Fd()), Events: unix.POLLIN}
	}

	timeoutMs := int(timeout / time.Millisecond)
	for {
		_, err := unix.Poll(pfds, timeoutMs)
		if err == nil || err != unix.EINTR {
			break
		}
	}

	for i, h := range live {
		if pfds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && !h.dropped {
			h.callback()
		}
	}
}

func (el *EventLoop) drainSignal() {
	if el.sigCh == nil {
		return
	}
	for {
		select {
		case sig := <-el.sigCh:
			el.sigCallback(intFromSignal(sig))
		default:
			return
		}
	}
}

func (el *EventLoop) fireDueTimers() {
	now := time.Now()

	var due []*Timer
	for _, t := range el.timers {
		if t.active && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, t := range due {
		if el.quit {
			return
		}
		if !t.active {
			continue // stopped by an earlier callback in this batch
		}
		if t.timerType == Repeating {
			t.deadline = t.deadline.Add(t.interval)
			if t.deadline.Before(now) {
				t.deadline = now.Add(t.interval)
			}
		} else {
			t.active = false
		}
		t.callback()
	}
}

func (el *EventLoop) compactSockets() {
	out := el.sockets[:0]
	for _, h := range el.sockets {
		if !h.dropped {
			out = append(out, h)
		}
	}
	el.sockets = out
}
