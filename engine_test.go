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
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestEngine() *Engine {
	pm := NewProcessManager("")
	el := NewEventLoop()
	logger := NewLog()
	bus := NewLocalBus()
	return NewEngine("deputy-1", pm, el, logger, bus, nil)
}

func TestHandleOrdersReconciliation(t *testing.T) {
	Convey("An engine reconciles orders against its running commands", t, func() {
		e := newTestEngine()

		Convey("orders for a foreign deputy id are ignored", func() {
			e.handleOrders(OrdersMessage{
				Utime:    time.Now().UnixMicro(),
				DeputyID: "someone-else",
				Commands: []DesiredCommand{{CommandID: "a", ExecStr: "/bin/sleep 5"}},
			})
			So(e.findByID("a"), ShouldBeNil)
		})

		Convey("stale orders are ignored", func() {
			e.handleOrders(OrdersMessage{
				Utime:    time.Now().Add(-time.Hour).UnixMicro(),
				DeputyID: "deputy-1",
				Commands: []DesiredCommand{{CommandID: "a", ExecStr: "/bin/sleep 5"}},
			})
			So(e.findByID("a"), ShouldBeNil)
		})

		Convey("a new command is added and started", func() {
			e.handleOrders(OrdersMessage{
				Utime:    time.Now().UnixMicro(),
				DeputyID: "deputy-1",
				Commands: []DesiredCommand{{
					CommandID:    "greeter",
					ExecStr:      "/bin/echo hello",
					DesiredRunID: 1,
				}},
			})

			cs := e.findByID("greeter")
			So(cs, ShouldNotBeNil)
			So(cs.shouldBeRunning, ShouldBeTrue)
			So(cs.stopSignal, ShouldEqual, defaultStopSignal)
			So(cs.stopTimeAllowed, ShouldEqual, defaultStopTimeAllowed)

			Convey("a command missing from a later orders message is removed", func() {
				waitForStop(t, e.pm, 2*time.Second)

				e.handleOrders(OrdersMessage{
					Utime:    time.Now().UnixMicro(),
					DeputyID: "deputy-1",
					Commands: nil,
				})
				So(e.findByID("greeter"), ShouldBeNil)
			})

			Convey("force_quit stops a running command without removing it", func() {
				e.handleOrders(OrdersMessage{
					Utime:    time.Now().UnixMicro(),
					DeputyID: "deputy-1",
					Commands: []DesiredCommand{{
						CommandID:    "greeter",
						ExecStr:      "/bin/echo hello",
						DesiredRunID: 1,
						ForceQuit:    true,
					}},
				})
				cs := e.findByID("greeter")
				So(cs, ShouldNotBeNil)
				So(cs.shouldBeRunning, ShouldBeFalse)
			})
		})
	})
}

func TestOnPosixSignalUsesMaxStopTimeAllowed(t *testing.T) {
	Convey("Shutdown arms the kill timer for the longest configured stop_time_allowed", t, func() {
		e := newTestEngine()

		e.handleOrders(OrdersMessage{
			Utime:    time.Now().UnixMicro(),
			DeputyID: "deputy-1",
			Commands: []DesiredCommand{
				{CommandID: "short", ExecStr: "/bin/sleep 5", DesiredRunID: 1, StopTimeAllowed: 2},
				{CommandID: "long", ExecStr: "/bin/sleep 5", DesiredRunID: 1, StopTimeAllowed: 9},
			},
		})

		e.onPosixSignal(int(syscall.SIGTERM))

		So(e.el.timers, ShouldNotBeEmpty)
		grace := e.el.timers[len(e.el.timers)-1].interval
		So(grace, ShouldEqual, 9*time.Second)

		waitForStop(t, e.pm, 2*time.Second)
		waitForStop(t, e.pm, 2*time.Second)
	})
}

func TestStartCommandRespawnBackoff(t *testing.T) {
	Convey("startCommand doubles the backoff on a rapid restart and decays it after a longer gap", t, func() {
		e := newTestEngine()

		cmd := e.pm.Add("/bin/sleep 5", "flappy")
		cs := &commandState{
			cmd:             cmd,
			cmdID:           "flappy",
			stopSignal:      defaultStopSignal,
			stopTimeAllowed: defaultStopTimeAllowed,
			respawnBackoff:  minRespawnDelay,
		}
		cs.respawnTimer = e.el.AddTimer(minRespawnDelay, SingleShot, false, func() {})
		e.commands[cmd] = cs

		e.startCommand(cs, 1)
		So(cs.respawnBackoff, ShouldEqual, minRespawnDelay)

		_, err := e.pm.Kill(cmd, int(syscall.SIGKILL))
		So(err, ShouldBeNil)
		waitForStop(t, e.pm, 2*time.Second)

		Convey("a restart within maxRespawnDelay doubles the backoff", func() {
			e.startCommand(cs, 2)
			So(cs.respawnBackoff, ShouldEqual, minRespawnDelay*respawnBackoffRate)

			_, err := e.pm.Kill(cmd, int(syscall.SIGKILL))
			So(err, ShouldBeNil)
			waitForStop(t, e.pm, 2*time.Second)

			Convey("a restart long after the last one decays the backoff back toward the minimum", func() {
				cs.lastStartTime = time.Now().Add(-3 * maxRespawnDelay)
				e.startCommand(cs, 3)
				So(cs.respawnBackoff, ShouldEqual, minRespawnDelay)

				_, err := e.pm.Kill(cmd, int(syscall.SIGKILL))
				So(err, ShouldBeNil)
				waitForStop(t, e.pm, 2*time.Second)
			})
		})
	})
}

func TestHandleOrdersConvergence(t *testing.T) {
	Convey("Submitting identical orders twice does not restart the command or republish its status", t, func() {
		e := newTestEngine()

		infoCh, cancel := e.bus.Subscribe(TopicInfo)
		defer cancel()

		order := OrdersMessage{
			Utime:    time.Now().UnixMicro(),
			DeputyID: "deputy-1",
			Commands: []DesiredCommand{{
				CommandID:    "sleeper",
				ExecStr:      "/bin/sleep 5",
				DesiredRunID: 1,
			}},
		}

		e.handleOrders(order)
		select {
		case <-infoCh:
		case <-time.After(time.Second):
			t.Fatal("expected process info to be published after the first orders message")
		}

		cs := e.findByID("sleeper")
		So(cs, ShouldNotBeNil)
		pidAfterFirst := cs.cmd.Pid()
		startAfterFirst := cs.lastStartTime

		order.Utime = time.Now().UnixMicro()
		e.handleOrders(order)

		select {
		case <-infoCh:
			t.Fatal("orders identical to the running state republished process info")
		case <-time.After(100 * time.Millisecond):
		}

		So(cs.cmd.Pid(), ShouldEqual, pidAfterFirst)
		So(cs.lastStartTime, ShouldEqual, startAfterFirst)

		_, _ = e.pm.Kill(cs.cmd, int(syscall.SIGKILL))
		waitForStop(t, e.pm, 2*time.Second)
	})
}

func TestSetVerbose(t *testing.T) {
	Convey("SetVerbose is safe to flip at any time", t, func() {
		e := newTestEngine()
		So(e.isVerbose(), ShouldBeFalse)
		e.SetVerbose(true)
		So(e.isVerbose(), ShouldBeTrue)
		e.SetVerbose(false)
		So(e.isVerbose(), ShouldBeFalse)
	})
}
