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

// Topic names for the four channels a deputy and a sheriff exchange
// messages on.
const (
	TopicOrders    = "PM_ORDERS"
	TopicInfo      = "PM_INFO"
	TopicDiscovery = "PM_DISCOVER"
	TopicOutput    = "PM_OUTPUT"
)

// Envelope is one delivered message: Payload is always the concrete
// message type published on Topic (DesiredCommand's container
// OrdersMessage, InfoMessage, DiscoveryMessage, or OutputMessage).
type Envelope struct {
	Topic   string
	Payload interface{}
}

// Bus is the transport a deputy uses to exchange orders/info/discovery/
// output messages with a sheriff. Engine code depends only on this
// interface, never on a concrete transport, so tests can run against
// localbus while a real deployment runs udpbus.
type Bus interface {
	// Publish sends v, which must be one of the message types above, on
	// topic to every current subscriber.
	Publish(topic string, v interface{}) error

	// Subscribe returns a channel of Envelopes published on topic from
	// this point forward, and a cancel function that unregisters it.
	// The channel is closed after cancel is called.
	Subscribe(topic string) (<-chan Envelope, func())

	// Close releases any transport resources (sockets, goroutines).
	Close() error
}

// DesiredCommand is a sheriff's desired state for a single command,
// carried inside an OrdersMessage.
type DesiredCommand struct {
	CommandID       string
	ExecStr         string
	Group           string
	AutoRespawn     bool
	StopSignal      int
	StopTimeAllowed float64 // seconds
	DesiredRunID    int32
	ForceQuit       bool
}

// OrdersMessage is a sheriff's complete desired state for one deputy.
type OrdersMessage struct {
	Utime    int64
	DeputyID string
	Commands []DesiredCommand
}

// CommandStatus is one command's reported state, carried inside an
// InfoMessage.
type CommandStatus struct {
	CommandID       string
	ExecStr         string
	Group           string
	AutoRespawn     bool
	StopSignal      int
	StopTimeAllowed float64
	ActualRunID     int32
	Pid             int
	ExitCode        int
	CPUUsage        float64
	MemVsizeBytes   int64
	MemRssBytes     int64
}

// InfoMessage is a deputy's periodic status report.
type InfoMessage struct {
	Utime             int64
	DeputyID          string
	CPULoad           float64
	PhysMemTotalBytes int64
	PhysMemFreeBytes  int64
	SwapTotalBytes    int64
	SwapFreeBytes     int64
	Commands          []CommandStatus
}

// DiscoveryMessage is broadcast by a deputy during its discovery window
// to detect a same-ID conflicting deputy already running.
type DiscoveryMessage struct {
	Utime         int64
	TransmitterID string
	Nonce         int32
}

// OutputMessage carries coalesced stdout/stderr text for one or more
// commands.
type OutputMessage struct {
	Utime      int64
	DeputyID   string
	CommandIDs []string
	Text       []string
}
