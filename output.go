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
	"strings"
	"syscall"
	"time"
)

// onProcessOutputAvailable drains up to 1KiB from a command's pty
// master without blocking and hands whatever came back to transmitStr.
// Called both from the event loop's socket-ready callback and, one last
// time, from checkForStoppedCommands so no trailing output is lost
// between a command exiting and its pty master being closed.
func (e *Engine) onProcessOutputAvailable(cs *commandState) {
	if cs.cmd.Master() == nil {
		return
	}
	buf := make([]byte, 1024)
	// Fd() puts the file in blocking mode, so read the raw fd with
	// O_NONBLOCK set instead of relying on a read deadline.
	fd := int(cs.cmd.Master().Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return
	}
	n, err := syscall.Read(fd, buf)
	if n <= 0 || err != nil {
		return
	}
	e.transmitStr(cs.cmdID, string(buf[:n]))
}

// transmitStr appends text to the deputy-wide log (split into lines,
// for the debug HTTP surface) and coalesces it into the pending
// OutputMessage buffer for this command.
func (e *Engine) transmitStr(commandID, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if e.log != nil {
			e.log.Append(commandID, line)
		}
	}

	found := false
	for _, id := range e.outputCommandIDs {
		if id == commandID {
			found = true
			break
		}
	}
	if !found {
		e.outputCommandIDs = append(e.outputCommandIDs, commandID)
	}
	e.outputText[commandID] += text
	e.outputBufSize += len(text)

	e.maybePublishOutputMessageLocked()
}

// maybePublishOutputMessage is the timer-driven entry point; it takes
// the lock itself since it isn't reached through handleOrders et al.
func (e *Engine) maybePublishOutputMessage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybePublishOutputMessageLocked()
}

// maybePublishOutputMessageLocked flushes the coalesced output buffer
// once it exceeds outputFlushThreshold bytes or outputFlushInterval has
// elapsed since the last flush, matching MaybePublishOutputMessage.
func (e *Engine) maybePublishOutputMessageLocked() {
	if e.outputBufSize == 0 {
		return
	}
	if e.outputBufSize <= outputFlushThreshold && time.Since(e.lastOutputFlush) < outputFlushInterval {
		return
	}

	msg := OutputMessage{
		Utime:      time.Now().UnixMicro(),
		DeputyID:   e.deputyID,
		CommandIDs: append([]string(nil), e.outputCommandIDs...),
	}
	for _, id := range msg.CommandIDs {
		msg.Text = append(msg.Text, e.outputText[id])
	}

	_ = e.bus.Publish(TopicOutput, msg)

	e.outputCommandIDs = nil
	e.outputText = make(map[string]string)
	e.outputBufSize = 0
	e.lastOutputFlush = time.Now()
}

// updateCPUTimes samples system-wide and per-command CPU/memory usage,
// matching UpdateCpuTimes's jiffy-delta math.
func (e *Engine) updateCPUTimes() {
	sys, err := ReadSystemInfo()
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prevSys, curSys := &e.prevSysInfo, &e.curSysInfo
	*curSys = sys

	elapsed := jiffyDelta(curSys, prevSys)
	loaded := (curSys.User - prevSys.User) + (curSys.UserLow - prevSys.UserLow) + (curSys.System - prevSys.System)

	var cpuLoad float64
	if elapsed > 0 && loaded <= elapsed {
		cpuLoad = float64(loaded) / float64(elapsed)
	}
	e.lastCPULoad = cpuLoad

	for cmd, cs := range e.commands {
		if cmd.Pid() == 0 {
			cs.cpuUsage = 0
			cs.cpuSample[1] = ProcessInfo{}
			continue
		}
		info, err := ReadProcessInfo(cmd.Pid())
		if err != nil {
			cs.cpuUsage = 0
			cs.cpuSample[1] = ProcessInfo{}
			continue
		}
		cs.cpuSample[1] = info
		prev := cs.cpuSample[0]
		used := (info.User - prev.User) + (info.System - prev.System)
		if elapsed > 0 && prev.User != 0 && prev.System != 0 && used <= int64(elapsed) {
			cs.cpuUsage = float64(used) / float64(elapsed)
		} else {
			cs.cpuUsage = 0
		}
		cs.cpuSample[0] = cs.cpuSample[1]
	}
	*prevSys = *curSys
}

func jiffyDelta(a, b *SystemInfo) uint64 {
	return (a.User - b.User) + (a.UserLow - b.UserLow) + (a.System - b.System) + (a.Idle - b.Idle)
}

// transmitProcessInfo publishes a full InfoMessage snapshot, matching
// TransmitProcessInfo, and mirrors it into the Prometheus collectors
// when metrics are enabled.
func (e *Engine) transmitProcessInfo() {
	sys, _ := ReadSystemInfo()

	msg := InfoMessage{
		Utime:             time.Now().UnixMicro(),
		DeputyID:          e.deputyID,
		CPULoad:           e.lastCPULoad,
		PhysMemTotalBytes: sys.MemTotal,
		PhysMemFreeBytes:  sys.MemFree,
		SwapTotalBytes:    sys.SwapTotal,
		SwapFreeBytes:     sys.SwapFree,
	}

	for cmd, cs := range e.commands {
		status := CommandStatus{
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
		}
		msg.Commands = append(msg.Commands, status)
		if e.metrics != nil {
			e.metrics.observe(status)
		}
	}

	_ = e.bus.Publish(TopicInfo, msg)
}

// onOneSecondTimer refreshes CPU/memory samples and republishes status,
// matching OnOneSecondTimer.
func (e *Engine) onOneSecondTimer() {
	e.updateCPUTimes()
	e.mu.Lock()
	e.transmitProcessInfo()
	e.mu.Unlock()
}
