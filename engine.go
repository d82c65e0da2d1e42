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
	"sync"
	"syscall"
	"time"
)

const (
	minRespawnDelay    = 10 * time.Millisecond
	maxRespawnDelay    = 1 * time.Second
	respawnBackoffRate = 2

	// DiscoveryTime is how long a deputy listens for a conflicting peer
	// before activating and subscribing to orders.
	DiscoveryTime = 1500 * time.Millisecond

	defaultStopSignal      = int(syscall.SIGINT)
	defaultStopTimeAllowed = 7 * time.Second

	maxMessageAge = 60 * time.Second

	outputFlushInterval  = 10 * time.Millisecond
	outputFlushThreshold = 4096

	// quitGracePeriod is the fallback shutdown timer duration used only
	// when there are no commands to wait on; onPosixSignal otherwise arms
	// the timer for max(stopTimeAllowed) across running commands.
	quitGracePeriod = 1 * time.Second
)

// commandState is the runtime bookkeeping the engine keeps for one
// command, alongside the Command record itself owned by ProcessManager.
// It plays the role the original's DeputyCommand struct plays: pairing
// a spawn handle with the sheriff-visible desired/actual state.
type commandState struct {
	cmd   *Command
	cmdID string
	group string

	autoRespawn     bool
	stopSignal      int
	stopTimeAllowed time.Duration

	actualRunID     int32
	shouldBeRunning bool
	removeRequested bool

	lastStartTime  time.Time
	respawnBackoff time.Duration
	respawnTimer   *Timer

	numKillsSent  int
	firstKillTime time.Time

	cpuSample [2]ProcessInfo
	cpuUsage  float64

	outputCancel func()
}

// Engine is a deputy: it owns a ProcessManager, an EventLoop, a Log, and
// a Bus, and drives the reconciliation between a sheriff's orders and
// the locally running commands. All exported behavior is triggered
// either by bus messages (delivered from their own goroutines) or by
// EventLoop timer/signal callbacks (delivered on the loop's own
// goroutine); mu serializes both so commandState is never touched from
// two goroutines at once.
type Engine struct {
	mu sync.Mutex

	deputyID string
	pm       *ProcessManager
	el       *EventLoop
	log      *Log
	bus      Bus
	metrics  *Metrics

	commands map[*Command]*commandState

	exiting         bool
	deputyStartTime time.Time
	deputyPid       int32

	outputCommandIDs []string
	outputText       map[string]string
	outputBufSize    int
	lastOutputFlush  time.Time

	lastCPULoad float64
	prevSysInfo SystemInfo
	curSysInfo  SystemInfo

	ordersCancel    func()
	discoveryCancel func()
	infoCancel      func()

	discoveryTimer *Timer
	oneSecondTimer *Timer

	verbose bool
}

// SetVerbose toggles per-order and per-discovery-message tracing. Safe
// to call at any time, including while the engine is running, so a
// config hot-reload can flip it without a restart.
func (e *Engine) SetVerbose(v bool) {
	e.mu.Lock()
	e.verbose = v
	e.mu.Unlock()
}

func (e *Engine) isVerbose() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verbose
}

// NewEngine wires together the pieces of one deputy process. metrics
// may be nil.
func NewEngine(deputyID string, pm *ProcessManager, el *EventLoop, logger *Log, bus Bus, metrics *Metrics) *Engine {
	return &Engine{
		deputyID:        deputyID,
		pm:              pm,
		el:              el,
		log:             logger,
		bus:             bus,
		metrics:         metrics,
		commands:        make(map[*Command]*commandState),
		deputyStartTime: time.Now(),
		deputyPid:       int32(os.Getpid()),
		outputText:      make(map[string]string),
	}
}

// Start subscribes to the bus and arms the event loop's timers and
// signal handling. It does not block; call Run (or el.Run) afterward.
func (e *Engine) Start() error {
	discoveryCh, discoveryCancel := e.bus.Subscribe(TopicDiscovery)
	e.discoveryCancel = discoveryCancel
	go e.dispatchDiscovery(discoveryCh)

	infoCh, infoCancel := e.bus.Subscribe(TopicInfo)
	e.infoCancel = infoCancel
	go e.dispatchInfo(infoCh)

	e.discoveryTimer = e.el.AddTimer(200*time.Millisecond, Repeating, true, e.onDiscoveryTimer)
	e.oneSecondTimer = e.el.AddTimer(1*time.Second, Repeating, false, e.onOneSecondTimer)
	e.el.AddTimer(outputFlushInterval, Repeating, true, e.maybePublishOutputMessage)

	return e.el.SetPosixSignals(
		[]int{int(syscall.SIGINT), int(syscall.SIGHUP), int(syscall.SIGQUIT), int(syscall.SIGTERM), int(syscall.SIGCHLD)},
		e.onPosixSignal,
	)
}

// Run drives the engine's event loop until shutdown completes.
func (e *Engine) Run() { e.el.Run() }

func (e *Engine) subscribeOrders() {
	ordersCh, cancel := e.bus.Subscribe(TopicOrders)
	e.ordersCancel = cancel
	go e.dispatchOrders(ordersCh)
}

func (e *Engine) dispatchOrders(ch <-chan Envelope) {
	for env := range ch {
		if msg, ok := env.Payload.(OrdersMessage); ok {
			e.handleOrders(msg)
		}
	}
}

// handleOrders reconciles the engine's commands against a sheriff's
// desired state, matching OrdersReceived's per-command decision table.
func (e *Engine) handleOrders(orders OrdersMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exiting {
		return
	}
	if orders.DeputyID != e.deputyID {
		return
	}
	if time.Since(time.UnixMicro(orders.Utime)) > maxMessageAge {
		for _, dc := range orders.Commands {
			e.logf(dc.CommandID, "ignoring stale orders, check system clocks")
		}
		return
	}

	if e.verbose {
		e.logf("", "received orders for %d command(s)", len(orders.Commands))
	}

	actionTaken := false
	seen := make(map[string]bool, len(orders.Commands))

	for _, dc := range orders.Commands {
		seen[dc.CommandID] = true

		if e.verbose {
			e.logf(dc.CommandID, "order: exec=[%s] desired_runid=%d force_quit=%v auto_respawn=%v",
				dc.ExecStr, dc.DesiredRunID, dc.ForceQuit, dc.AutoRespawn)
		}

		cs := e.findByID(dc.CommandID)
		if cs == nil {
			cmd := e.pm.Add(dc.ExecStr, dc.CommandID)
			cs = &commandState{
				cmd:             cmd,
				cmdID:           dc.CommandID,
				group:           dc.Group,
				autoRespawn:     dc.AutoRespawn,
				stopSignal:      dc.StopSignal,
				stopTimeAllowed: time.Duration(dc.StopTimeAllowed * float64(time.Second)),
				respawnBackoff:  minRespawnDelay,
			}
			if cs.stopSignal == 0 {
				cs.stopSignal = defaultStopSignal
			}
			if cs.stopTimeAllowed == 0 {
				cs.stopTimeAllowed = defaultStopTimeAllowed
			}
			cs.respawnTimer = e.el.AddTimer(minRespawnDelay, SingleShot, false, func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				if cs.autoRespawn && cs.shouldBeRunning && !e.exiting {
					e.startCommand(cs, cs.actualRunID)
				}
			})
			e.commands[cmd] = cs
			actionTaken = true
			e.logf(cs.cmdID, "new command [%s]", dc.ExecStr)
		}

		if cs.cmd.ExecStr() != dc.ExecStr {
			e.logf(cs.cmdID, "exec str -> [%s]", dc.ExecStr)
			_ = e.pm.SetExec(cs.cmd, dc.ExecStr)
			actionTaken = true
		}
		cs.autoRespawn = dc.AutoRespawn
		if dc.Group != cs.group {
			cs.group = dc.Group
			actionTaken = true
		}
		if dc.StopSignal != 0 {
			cs.stopSignal = dc.StopSignal
		}
		if dc.StopTimeAllowed != 0 {
			cs.stopTimeAllowed = time.Duration(dc.StopTimeAllowed * float64(time.Second))
		}

		cs.shouldBeRunning = !dc.ForceQuit

		running := cs.cmd.Pid() != 0
		switch {
		case !running && cs.actualRunID != dc.DesiredRunID && cs.shouldBeRunning:
			e.startCommand(cs, dc.DesiredRunID)
			actionTaken = true
		case running && (!cs.shouldBeRunning || (dc.DesiredRunID != cs.actualRunID && dc.DesiredRunID != 0)):
			e.stopCommand(cs)
			actionTaken = true
		case dc.DesiredRunID != 0:
			cs.actualRunID = dc.DesiredRunID
		}
	}

	var toRemove []*commandState
	for _, cs := range e.commands {
		if !seen[cs.cmdID] {
			toRemove = append(toRemove, cs)
		}
	}
	for _, cs := range toRemove {
		if cs.cmd.Pid() != 0 {
			cs.removeRequested = true
			e.stopCommand(cs)
		} else {
			delete(e.commands, cs.cmd)
			_ = e.pm.Remove(cs.cmd)
		}
		actionTaken = true
	}

	if actionTaken {
		e.transmitProcessInfo()
		if e.metrics != nil {
			e.metrics.ordersApplied()
		}
	}
}

func (e *Engine) findByID(id string) *commandState {
	for _, cs := range e.commands {
		if cs.cmdID == id {
			return cs
		}
	}
	return nil
}

// startCommand launches cs's command, applying the respawn-backoff
// throttle from MaybeScheduleRespawn/StartCommand.
func (e *Engine) startCommand(cs *commandState, desiredRunID int32) {
	if e.exiting {
		return
	}
	e.logf(cs.cmdID, "start")

	cs.shouldBeRunning = true
	cs.respawnTimer.Stop()

	sinceStart := time.Since(cs.lastStartTime)
	if !cs.lastStartTime.IsZero() && sinceStart < maxRespawnDelay {
		cs.respawnBackoff *= respawnBackoffRate
		if cs.respawnBackoff > maxRespawnDelay {
			cs.respawnBackoff = maxRespawnDelay
		}
	} else if !cs.lastStartTime.IsZero() {
		halvings := sinceStart / maxRespawnDelay
		for i := time.Duration(0); i < halvings && cs.respawnBackoff > minRespawnDelay; i++ {
			cs.respawnBackoff /= respawnBackoffRate
		}
		if cs.respawnBackoff < minRespawnDelay {
			cs.respawnBackoff = minRespawnDelay
		}
	}
	cs.lastStartTime = time.Now()

	if err := e.pm.Start(cs.cmd); err != nil {
		e.logf(cs.cmdID, "failed to start: %v", err)
		return
	}

	cancel := e.el.AddSocket(cs.cmd.Master(), func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.onProcessOutputAvailable(cs)
	})
	cs.outputCancel = cancel

	cs.actualRunID = desiredRunID
	cs.numKillsSent = 0
	cs.firstKillTime = time.Time{}

	if e.metrics != nil {
		e.metrics.commandStarted(cs.cmdID)
	}
}

// stopCommand escalates from stopSignal to SIGKILL once stopTimeAllowed
// has elapsed since the first signal, matching StopCommand.
func (e *Engine) stopCommand(cs *commandState) {
	if cs.cmd.Pid() == 0 {
		return
	}
	cs.shouldBeRunning = false
	cs.respawnTimer.Stop()

	now := time.Now()
	if cs.firstKillTime.IsZero() {
		e.logf(cs.cmdID, "stop (signal %d)", cs.stopSignal)
		if _, err := e.pm.Kill(cs.cmd, cs.stopSignal); err != nil {
			e.logf(cs.cmdID, "failed to send kill signal: %v", err)
		}
		cs.firstKillTime = now
		cs.numKillsSent++
	} else if now.After(cs.firstKillTime.Add(cs.stopTimeAllowed)) {
		e.logf(cs.cmdID, "stop (signal %d)", syscall.SIGKILL)
		if _, err := e.pm.Kill(cs.cmd, int(syscall.SIGKILL)); err != nil {
			e.logf(cs.cmdID, "failed to send kill signal: %v", err)
		}
	}
}

// checkForStoppedCommands drains ProcessManager's reap queue, reporting
// exit status and either removing or rescheduling a respawn for each
// dead command.
func (e *Engine) checkForStoppedCommands() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		cmd, ok := e.pm.CheckForStopped()
		if !ok {
			break
		}
		cs, known := e.commands[cmd]
		if !known {
			continue
		}

		e.onProcessOutputAvailable(cs)

		ws := cmd.ExitStatus()
		switch {
		case ws.Signaled():
			e.logf(cs.cmdID, "terminated by signal %d (%s)", ws.Signal(), ws.Signal())
			if ws.CoreDump() {
				e.logf(cs.cmdID, "core dumped")
			}
		case ws.ExitStatus() != 0:
			e.logf(cs.cmdID, "exited with status %d", ws.ExitStatus())
		default:
			e.logf(cs.cmdID, "exited")
		}

		if cs.outputCancel != nil {
			cs.outputCancel()
			cs.outputCancel = nil
		}
		e.pm.CleanupStopped(cmd)

		if cs.removeRequested {
			e.logf(cs.cmdID, "remove")
			delete(e.commands, cmd)
			_ = e.pm.Remove(cmd)
		} else {
			if cs.autoRespawn && cs.shouldBeRunning {
				cs.respawnTimer.SetInterval(cs.respawnBackoff)
				cs.respawnTimer.Start()
			}
		}
	}
	e.transmitProcessInfo()
}

// onPosixSignal implements SIGCHLD-triggers-reap, any-other-signal-
// triggers-graceful-shutdown, matching OnPosixSignal.
func (e *Engine) onPosixSignal(signum int) {
	if signum == int(syscall.SIGCHLD) {
		e.checkForStoppedCommands()
		return
	}

	e.mu.Lock()
	e.logf("", "received signal %d, stopping all commands", signum)
	var grace time.Duration
	for _, cs := range e.commands {
		e.stopCommand(cs)
		if cs.stopTimeAllowed > grace {
			grace = cs.stopTimeAllowed
		}
	}
	e.exiting = true
	e.mu.Unlock()

	if grace <= 0 {
		grace = quitGracePeriod
	}
	e.el.AddTimer(grace, SingleShot, true, e.onQuitTimer)
	e.maybeQuit()
}

func (e *Engine) onQuitTimer() {
	e.mu.Lock()
	for cmd, cs := range e.commands {
		if cmd.Pid() != 0 {
			e.logf(cs.cmdID, "stop (signal %d)", syscall.SIGKILL)
			_, _ = e.pm.Kill(cmd, int(syscall.SIGKILL))
		}
		delete(e.commands, cmd)
		_ = e.pm.Remove(cmd)
	}
	e.mu.Unlock()

	e.logf("", "stopping deputy main loop")
	e.el.Quit()
}

// maybeQuit stops the event loop once every command is confirmed dead
// during shutdown.
func (e *Engine) maybeQuit() {
	e.mu.Lock()
	exiting := e.exiting
	allDead := true
	for cmd := range e.commands {
		if cmd.Pid() != 0 {
			allDead = false
			break
		}
	}
	e.mu.Unlock()

	if exiting && allDead {
		e.el.Quit()
	}
}

// logf records a diagnostic line. A line about a command also goes out
// on PM_OUTPUT through transmitStr; deputy-level lines only reach the Log.
func (e *Engine) logf(commandID, format string, args ...interface{}) {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	if commandID != "" {
		e.transmitStr(commandID, text+"\n")
		return
	}
	if e.log != nil {
		e.log.Append(commandID, text)
	}
}
