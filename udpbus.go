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
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
)

func init() {
	gob.Register(OrdersMessage{})
	gob.Register(InfoMessage{})
	gob.Register(DiscoveryMessage{})
	gob.Register(OutputMessage{})
}

// wireEnvelope is the gob-encoded frame carried in each datagram.
// Payload is encoded through the interface, which gob can decode back
// into its registered concrete type on the receiving end.
type wireEnvelope struct {
	Topic   string
	Payload interface{}
}

const udpBusMaxDatagram = 65507

// datagramBus is a datagram-transport Bus, the idiomatic Go analog of
// the original LCM transport (UDP multicast under the hood). One
// socket both sends to and listens on addr; over "udp" every process on
// the multicast group receives every datagram, and over "unix" a
// unixgram socket delivers a datagram it sends to its own bound address
// back to itself the same way. Either way each localBus-style Subscribe
// filters by topic locally, matching LCM's own channel filtering model.
type datagramBus struct {
	conn net.PacketConn
	addr net.Addr

	mu     sync.Mutex
	subs   map[string][]chan Envelope
	closed chan struct{}
}

// NewUDPBus dials a "udp://host:port" multicast group (or a plain
// unicast UDP address for point-to-point testing), or a "unix:///path"
// datagram socket for single-host testing without multicast
// permissions, and returns a Bus backed by it.
func NewUDPBus(rawurl string) (Bus, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("udpbus: %w", err)
	}

	var conn net.PacketConn
	var addr net.Addr

	switch u.Scheme {
	case "udp":
		udpAddr, err := net.ResolveUDPAddr("udp4", u.Host)
		if err != nil {
			return nil, fmt.Errorf("udpbus: resolve %s: %w", u.Host, err)
		}
		var udpConn *net.UDPConn
		if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
			udpConn, err = net.ListenMulticastUDP("udp4", nil, udpAddr)
		} else {
			udpConn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: udpAddr.Port})
		}
		if err != nil {
			return nil, fmt.Errorf("udpbus: listen %s: %w", u.Host, err)
		}
		conn, addr = udpConn, udpAddr

	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" && u.Host != "" {
			path = u.Host
		}
		if path == "" {
			return nil, fmt.Errorf("udpbus: unix bus address has no path")
		}
		unixAddr := &net.UnixAddr{Name: path, Net: "unixgram"}
		_ = os.Remove(path)
		unixConn, err := net.ListenUnixgram("unixgram", unixAddr)
		if err != nil {
			return nil, fmt.Errorf("udpbus: listen %s: %w", path, err)
		}
		conn, addr = unixConn, unixAddr

	default:
		return nil, fmt.Errorf("udpbus: unsupported scheme %q", u.Scheme)
	}

	b := &datagramBus{
		conn:   conn,
		addr:   addr,
		subs:   make(map[string][]chan Envelope),
		closed: make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *datagramBus) readLoop() {
	buf := make([]byte, udpBusMaxDatagram)
	for {
		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				continue
			}
		}

		var wire wireEnvelope
		dec := gob.NewDecoder(bytes.NewReader(buf[:n]))
		if err := dec.Decode(&wire); err != nil {
			continue
		}

		b.mu.Lock()
		subs := b.subs[wire.Topic]
		b.mu.Unlock()
		env := Envelope{Topic: wire.Topic, Payload: wire.Payload}
		for _, ch := range subs {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (b *datagramBus) Publish(topic string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireEnvelope{Topic: topic, Payload: v}); err != nil {
		return fmt.Errorf("udpbus: encode: %w", err)
	}
	_, err := b.conn.WriteTo(buf.Bytes(), b.addr)
	return err
}

func (b *datagramBus) Subscribe(topic string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, c := range list {
			if c == ch {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (b *datagramBus) Close() error {
	close(b.closed)
	err := b.conn.Close()
	if unixAddr, ok := b.addr.(*net.UnixAddr); ok {
		os.Remove(unixAddr.Name)
	}
	return err
}
