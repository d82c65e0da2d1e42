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

import "time"

// This file exposes the read-only accessors the debug HTTP surface
// (rest.Handler) uses. None of them accept mutating input; sheriffs
// still speak exclusively over the message bus.

// DeputyID returns the identity this engine was constructed with.
func (e *Engine) DeputyID() string {
	return e.deputyID
}

// Snapshot returns a point-in-time CommandStatus for every command the
// engine currently tracks, in the same shape published on PM_INFO.
func (e *Engine) Snapshot() []CommandStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CommandStatus, 0, len(e.commands))
	for cmd, cs := range e.commands {
		out = append(out, CommandStatus{
			CommandID:       cs.cmdID,
			ExecStr:         cmd.ExecStr(),
			Group:           cs.group,
			AutoRespawn:     cs.autoRespawn,
			StopSignal:      cs.stopSignal,
			StopTimeAllowed: cs.stopTimeAllowed.Seconds(),
			ActualRunID:     cs.actualRunID,
			Pid:             cmd.Pid(),
			ExitCode:        cmd.ExitStatus().ExitStatus(),
			CPUUsage:        cs.cpuUsage,
			MemVsizeBytes:   cs.cpuSample[1].Vsize,
			MemRssBytes:     cs.cpuSample[1].Rss,
		})
	}
	return out
}

// CommandSnapshot returns the CommandStatus for a single command id, and
// whether that id is known to the engine.
func (e *Engine) CommandSnapshot(commandID string) (CommandStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for cmd, cs := range e.commands {
		if cs.cmdID != commandID {
			continue
		}
		return CommandStatus{
			CommandID:       cs.cmdID,
			ExecStr:         cmd.ExecStr(),
			Group:           cs.group,
			AutoRespawn:     cs.autoRespawn,
			StopSignal:      cs.stopSignal,
			StopTimeAllowed: cs.stopTimeAllowed.Seconds(),
			ActualRunID:     cs.actualRunID,
			Pid:             cmd.Pid(),
			ExitCode:        cmd.ExitStatus().ExitStatus(),
			CPUUsage:        cs.cpuUsage,
			MemVsizeBytes:   cs.cpuSample[1].Vsize,
			MemRssBytes:     cs.cpuSample[1].Rss,
		}, true
	}
	return CommandStatus{}, false
}

// LogRecords returns every retained log line for one command (or, if
// commandID is empty, every line), or nil if the log id still equals
// last.
func (e *Engine) LogRecords(commandID string, last int64) ([]LogRecord, int64) {
	if e.log == nil {
		return nil, last
	}
	return e.log.GetRecords(last, commandID)
}

// WatchLog blocks until the log has advanced past last or wait elapses,
// whichever comes first, then returns the same shape as LogRecords.
// Backs the debug HTTP surface's long-poll ?wait= parameter, so a tail
// client can hold a request open instead of re-polling GET .../log.
func (e *Engine) WatchLog(commandID string, last int64, wait time.Duration) ([]LogRecord, int64) {
	if e.log == nil {
		return nil, last
	}
	e.log.Watch(last, wait)
	return e.log.GetRecords(last, commandID)
}
