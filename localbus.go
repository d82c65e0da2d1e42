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

import "sync"

// localBus is an in-process Bus, useful for tests and for a sheriff
// and deputy sharing one process. Subscribers are delivered to via a
// buffered channel; a slow subscriber that lets its channel fill drops
// messages rather than blocking Publish, the same trade-off the
// teacher's Log.Watch condition-variable broadcast makes (a slow
// watcher misses intermediate states but never stalls the writer).
type localBus struct {
	mu   sync.Mutex
	subs map[string][]chan Envelope
}

// NewLocalBus returns a ready-to-use in-process Bus.
func NewLocalBus() Bus {
	return &localBus{subs: make(map[string][]chan Envelope)}
}

func (b *localBus) Publish(topic string, v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	env := Envelope{Topic: topic, Payload: v}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (b *localBus) Subscribe(topic string) (<-chan Envelope, func()) {
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

func (b *localBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
