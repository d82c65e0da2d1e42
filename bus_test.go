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
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLocalBusPubSub(t *testing.T) {
	Convey("A subscriber receives messages published after it subscribes", t, func() {
		bus := NewLocalBus()
		defer bus.Close()

		ch, cancel := bus.Subscribe(TopicOrders)
		defer cancel()

		msg := OrdersMessage{DeputyID: "dep1", Commands: []DesiredCommand{{CommandID: "a"}}}
		So(bus.Publish(TopicOrders, msg), ShouldBeNil)

		select {
		case env := <-ch:
			So(env.Topic, ShouldEqual, TopicOrders)
			So(env.Payload, ShouldResemble, msg)
		case <-time.After(time.Second):
			t.Fatal("did not receive published message")
		}
	})

	Convey("Subscribers on other topics are not delivered to", t, func() {
		bus := NewLocalBus()
		defer bus.Close()

		orders, cancel := bus.Subscribe(TopicOrders)
		defer cancel()

		So(bus.Publish(TopicInfo, InfoMessage{DeputyID: "dep1"}), ShouldBeNil)

		select {
		case <-orders:
			t.Fatal("received a message meant for a different topic")
		case <-time.After(50 * time.Millisecond):
		}
	})

	Convey("cancel stops further delivery and closes the channel", t, func() {
		bus := NewLocalBus()
		defer bus.Close()

		ch, cancel := bus.Subscribe(TopicDiscovery)
		cancel()

		_, ok := <-ch
		So(ok, ShouldBeFalse)
	})
}

func TestUnixDatagramBusPubSub(t *testing.T) {
	Convey("A unix:// bus delivers a published message back to its own subscriber", t, func() {
		sock := filepath.Join(t.TempDir(), "deputy.sock")
		bus, err := NewUDPBus("unix://" + sock)
		So(err, ShouldBeNil)
		defer bus.Close()

		ch, cancel := bus.Subscribe(TopicOrders)
		defer cancel()

		msg := OrdersMessage{DeputyID: "dep1", Commands: []DesiredCommand{{CommandID: "a"}}}
		So(bus.Publish(TopicOrders, msg), ShouldBeNil)

		select {
		case env := <-ch:
			So(env.Topic, ShouldEqual, TopicOrders)
			So(env.Payload, ShouldResemble, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("did not receive published message over unix datagram bus")
		}
	})

	Convey("An invalid bus scheme is rejected", t, func() {
		_, err := NewUDPBus("tcp://127.0.0.1:0")
		So(err, ShouldNotBeNil)
	})
}
