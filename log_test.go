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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogWatch(t *testing.T) {
	Convey("Watch wakes up and returns the new id as soon as a record is appended", t, func() {
		log := NewLog()
		log.Append("", "first")
		_, last := log.GetRecords(0, "")

		done := make(chan int64, 1)
		go func() {
			done <- log.Watch(last, 2*time.Second)
		}()

		time.Sleep(20 * time.Millisecond)
		log.Append("", "second")

		select {
		case newID := <-done:
			So(newID, ShouldNotEqual, last)
		case <-time.After(2 * time.Second):
			t.Fatal("Watch did not return after Append")
		}
	})

	Convey("Watch returns the unchanged id once expire elapses with nothing new", t, func() {
		log := NewLog()
		log.Append("", "only")
		_, last := log.GetRecords(0, "")

		start := time.Now()
		got := log.Watch(last, 20*time.Millisecond)
		So(got, ShouldEqual, last)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)
	})
}

func TestEngineWatchLog(t *testing.T) {
	Convey("Engine.WatchLog blocks on the underlying Log and returns fresh records", t, func() {
		e := newTestEngine()
		e.log.Append("greeter", "hello")
		_, last := e.log.GetRecords(0, "greeter")

		done := make(chan struct {
			recs []LogRecord
			id   int64
		}, 1)
		go func() {
			recs, id := e.WatchLog("greeter", last, 2*time.Second)
			done <- struct {
				recs []LogRecord
				id   int64
			}{recs, id}
		}()

		time.Sleep(20 * time.Millisecond)
		e.log.Append("greeter", "world")

		select {
		case r := <-done:
			So(r.id, ShouldNotEqual, last)
			So(len(r.recs), ShouldBeGreaterThanOrEqualTo, 1)
		case <-time.After(2 * time.Second):
			t.Fatal("WatchLog did not return after Append")
		}
	})
}
