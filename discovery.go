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
	"fmt"
	"os"
	"time"
)

func (e *Engine) dispatchDiscovery(ch <-chan Envelope) {
	for env := range ch {
		if msg, ok := env.Payload.(DiscoveryMessage); ok {
			e.onDiscoveryReceived(msg)
		}
	}
}

func (e *Engine) dispatchInfo(ch <-chan Envelope) {
	for env := range ch {
		if msg, ok := env.Payload.(InfoMessage); ok {
			e.onInfoReceived(msg)
		}
	}
}

// onDiscoveryTimer either keeps broadcasting a discovery probe while
// inside the window, or, once it closes, switches the deputy over to
// its steady-state orders subscription. Matches OnDiscoveryTimer.
func (e *Engine) onDiscoveryTimer() {
	if time.Since(e.deputyStartTime) < DiscoveryTime {
		_ = e.bus.Publish(TopicDiscovery, DiscoveryMessage{
			Utime:         time.Now().UnixMicro(),
			TransmitterID: e.deputyID,
			Nonce:         e.deputyPid,
		})
		return
	}

	e.discoveryTimer.Stop()

	if e.infoCancel != nil {
		e.infoCancel()
		e.infoCancel = nil
	}

	e.subscribeOrders()

	e.oneSecondTimer.Start()
	e.onOneSecondTimer()
}

// onDiscoveryReceived aborts the deputy if a same-ID peer with a
// different nonce is already broadcasting during the discovery window;
// after the window it simply answers with a fresh status report.
// Matches DiscoveryReceived.
func (e *Engine) onDiscoveryReceived(msg DiscoveryMessage) {
	if e.isVerbose() {
		e.logf("", "discovery message from [%s] (nonce %d)", msg.TransmitterID, msg.Nonce)
	}
	if time.Since(e.deputyStartTime) < DiscoveryTime {
		if msg.TransmitterID == e.deputyID && msg.Nonce != e.deputyPid {
			e.logf("", "detected another deputy [%s], aborting to avoid conflicts", msg.TransmitterID)
			if e.metrics != nil {
				e.metrics.discoveryConflict()
			}
			exitProcess(1)
		}
		return
	}
	e.mu.Lock()
	e.transmitProcessInfo()
	e.mu.Unlock()
}

// onInfoReceived aborts the deputy if another deputy with the same ID
// is already reporting status during the discovery window. Matches
// InfoReceived.
func (e *Engine) onInfoReceived(msg InfoMessage) {
	if time.Since(e.deputyStartTime) < DiscoveryTime {
		if msg.DeputyID == e.deputyID {
			e.logf("", "detected another deputy [%s], aborting to avoid conflicts", msg.DeputyID)
			if e.metrics != nil {
				e.metrics.discoveryConflict()
			}
			exitProcess(2)
		}
		return
	}
	e.logf("", "still processing info messages while not in discovery mode")
}

// exitProcess is a var so tests can override it instead of tearing
// down the whole test binary.
var exitProcess = func(code int) {
	fmt.Fprintf(os.Stderr, "deputy: exiting with code %d\n", code)
	os.Exit(code)
}
