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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEventLoopTimerOrdering(t *testing.T) {
	Convey("Timers fire in deadline order regardless of registration order", t, func() {
		el := NewEventLoop()
		var fired []string

		el.AddTimer(30*time.Millisecond, SingleShot, true, func() { fired = append(fired, "late") })
		el.AddTimer(5*time.Millisecond, SingleShot, true, func() { fired = append(fired, "early") })

		deadline := time.Now().Add(200 * time.Millisecond)
		for len(fired) < 2 && time.Now().Before(deadline) {
			el.IterateOnce()
		}

		So(fired, ShouldResemble, []string{"early", "late"})
	})
}

func TestEventLoopRepeatingTimer(t *testing.T) {
	Convey("A repeating timer fires more than once", t, func() {
		el := NewEventLoop()
		count := 0
		timer := el.AddTimer(5*time.Millisecond, Repeating, true, func() { count++ })

		deadline := time.Now().Add(200 * time.Millisecond)
		for count < 3 && time.Now().Before(deadline) {
			el.IterateOnce()
		}
		So(count, ShouldBeGreaterThanOrEqualTo, 3)

		timer.Stop()
		So(timer.IsActive(), ShouldBeFalse)
	})
}

func TestEventLoopQuit(t *testing.T) {
	Convey("Run returns promptly after Quit is called from a timer callback", t, func() {
		el := NewEventLoop()
		el.AddTimer(5*time.Millisecond, SingleShot, true, func() { el.Quit() })

		done := make(chan struct{})
		go func() {
			el.Run()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Quit")
		}
	})
}

func TestEventLoopQuitStopsBatchedTimers(t *testing.T) {
	Convey("Quit called from one timer callback stops other due timers in the same batch from firing", t, func() {
		el := NewEventLoop()
		secondFired := false
		el.AddTimer(5*time.Millisecond, SingleShot, true, func() { el.Quit() })
		el.AddTimer(5*time.Millisecond, SingleShot, true, func() { secondFired = true })

		time.Sleep(10 * time.Millisecond)
		el.fireDueTimers()

		So(secondFired, ShouldBeFalse)
	})
}

func TestEventLoopSocketCallback(t *testing.T) {
	Convey("AddSocket invokes its callback when the pipe becomes readable", t, func() {
		r, w, err := os.Pipe()
		So(err, ShouldBeNil)
		defer r.Close()
		defer w.Close()

		el := NewEventLoop()
		notified := make(chan struct{}, 1)
		el.AddSocket(r, func() {
			buf := make([]byte, 16)
			r.Read(buf)
			notified <- struct{}{}
		})

		go func() { w.Write([]byte("hi")) }()

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			el.IterateOnce()
			select {
			case <-notified:
				return
			default:
			}
		}
		t.Fatal("socket callback never fired")
	})
}
