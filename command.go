// Copyright 2016 The Govisor Authors
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
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// invalidFd marks stdin_fd/stdout_fd as closed, matching the C original's
// use of -1 for "no fd".
const invalidFd = -1

// isOrphanedChildOf is a var so tests can substitute a deterministic
// stand-in instead of depending on real /proc reparenting timing.
var isOrphanedChildOf = IsOrphanedChildOf

// Command is a single managed child process record, owned exclusively by
// a ProcessManager. The manager does not check that Ids are unique;
// Engine keeps one record per command id.
type Command struct {
	id      string
	execStr string

	pid        int
	stdoutFd   int // == stdinFd while running; the pty master fd number
	stdinFd    int
	exitStatus syscall.WaitStatus

	proc   *os.Process
	master *os.File

	descendantsToKill map[int]bool
}

// Id returns the command's assigned identity.
func (c *Command) Id() string { return c.id }

// ExecStr returns the command line currently configured for the command.
func (c *Command) ExecStr() string { return c.execStr }

// Pid returns the pid of the running child, or 0 if not running.
func (c *Command) Pid() int { return c.pid }

// StdoutFd returns the file descriptor number of the pty master while
// running, or invalidFd otherwise.
func (c *Command) StdoutFd() int { return c.stdoutFd }

// StdinFd mirrors StdoutFd: both name the same master-pty fd.
func (c *Command) StdinFd() int { return c.stdinFd }

// Master exposes the pty master file for the event loop to register for
// read-readiness and for callers to write to the child's stdin.
func (c *Command) Master() *os.File { return c.master }

// ExitStatus returns the raw wait status recorded at the most recent reap.
func (c *Command) ExitStatus() syscall.WaitStatus { return c.exitStatus }

// ProcessManager owns the fork-pty spawn, signal delivery, and reap of
// command child processes. It performs no networking and every method is
// synchronous; blocking is limited to the (rare, expected-instant)
// forkpty/exec path in Start.
type ProcessManager struct {
	mu       sync.Mutex
	commands map[*Command]bool
	deadList []*Command

	// binPath is prepended to PATH so relative exec paths resolve next
	// to the deputy's own executable, matching ProcmanOptions::bin_path.
	binPath string

	// variables is the deputy's variable expansion table, consulted
	// before the process environment.
	variables map[string]string
}

// NewProcessManager creates an empty manager. binPath, if non-empty, is
// prepended to the child's PATH.
func NewProcessManager(binPath string) *ProcessManager {
	return &ProcessManager{
		commands: make(map[*Command]bool),
		binPath:  binPath,
	}
}

// SetVariables replaces the manager's variable expansion table.
func (pm *ProcessManager) SetVariables(vars map[string]string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.variables = vars
}

// Add creates a new, not-yet-started command record.
func (pm *ProcessManager) Add(execStr, id string) *Command {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	c := &Command{
		id:                id,
		execStr:           execStr,
		stdoutFd:          invalidFd,
		stdinFd:           invalidFd,
		descendantsToKill: make(map[int]bool),
	}
	pm.commands[c] = true
	return c
}

func (pm *ProcessManager) owns(c *Command) bool {
	return pm.commands[c]
}

// SetExec changes the exec string of a command. Takes effect on next
// Start; does not affect a currently running command.
func (pm *ProcessManager) SetExec(c *Command, execStr string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.owns(c) {
		return ErrInvalidCommand
	}
	c.execStr = execStr
	return nil
}

// SetId renames a command.
func (pm *ProcessManager) SetId(c *Command, id string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.owns(c) {
		return ErrInvalidCommand
	}
	c.id = id
	return nil
}

// Start forks a pty and execs the command's exec string. Fails if the
// command is already running.
func (pm *ProcessManager) Start(c *Command) error {
	pm.mu.Lock()
	vars := pm.variables
	binPath := pm.binPath
	pm.mu.Unlock()

	if !pm.owns(c) {
		return ErrInvalidCommand
	}
	if c.pid != 0 {
		return ErrAlreadyRunning
	}

	env, argv := prepareArgsAndEnvironment(c.execStr, vars)
	if len(argv) == 0 {
		return &SpawnFailed{Err: fmt.Errorf("empty command line")}
	}

	path, err := exec.LookPath(argv[0])
	if binPath != "" && !strings.Contains(argv[0], "/") {
		// binPath comes first in the child's PATH, so it wins here too.
		if p, perr := exec.LookPath(filepath.Join(binPath, argv[0])); perr == nil {
			path, err = p, nil
		}
	}
	if err != nil {
		// Let execvp's own failure path handle it below via Cmd.Path,
		// same as the original relying on execvp's PATH search.
		path = argv[0]
	}

	cmd := &exec.Cmd{
		Path: path,
		Args: argv,
		Env:  append(childEnviron(binPath), env...),
	}

	master, err := pty.Start(cmd)
	if err != nil {
		return &SpawnFailed{Err: err}
	}

	if c.stdoutFd != invalidFd {
		// closing an fd left open from a previous, already-cleaned-up
		// run should not happen, but guard defensively.
		_ = c.master.Close()
	}

	c.master = master
	c.stdinFd = int(master.Fd())
	c.stdoutFd = c.stdinFd
	c.pid = cmd.Process.Pid
	c.proc = cmd.Process
	c.exitStatus = 0
	c.descendantsToKill = make(map[int]bool)
	return nil
}

// childEnviron returns the process environment with binPath prepended to
// PATH, matching Procman's constructor behavior of augmenting PATH once
// at manager construction time; done per-Start here so a manager whose
// binPath is set after construction still behaves correctly.
func childEnviron(binPath string) []string {
	environ := os.Environ()
	if binPath == "" {
		return environ
	}
	out := make([]string, 0, len(environ)+1)
	appended := false
	for _, kv := range environ {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+binPath+":"+kv[5:])
			appended = true
			continue
		}
		out = append(out, kv)
	}
	if !appended {
		out = append(out, "PATH="+binPath)
	}
	return out
}

// Kill sends signum to the command's pid and to every descendant process
// known via ProcessInfo at the time of the call. Descendants are recorded
// in descendantsToKill so a subsequent reap can finish off any that
// become orphaned. Returns the number of descendants signalled and the
// error from signalling the primary pid (descendant signal failures are
// not fatal to the call, matching KillCommmand).
func (pm *ProcessManager) Kill(c *Command, signum int) (int, error) {
	if !pm.owns(c) {
		return 0, ErrInvalidCommand
	}
	if c.pid == 0 {
		return 0, ErrNotRunning
	}

	descendants := GetDescendants(c.pid)

	if err := c.proc.Signal(syscall.Signal(signum)); err != nil {
		return 0, err
	}

	sent := 0
	for _, pid := range descendants {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.Signal(signum))
		}
		if !c.descendantsToKill[pid] {
			c.descendantsToKill[pid] = true
		}
		sent++
	}
	return sent, nil
}

// CheckForStopped performs a non-blocking reap loop (waitpid(-1, WNOHANG)
// equivalent) and returns the next command from the internally queued
// "recently dead" list, if any. Callers drain by calling repeatedly until
// ok is false.
func (pm *ProcessManager) CheckForStopped() (*Command, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for {
		var ws syscall.WaitStatus
		reapedPid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || reapedPid <= 0 {
			break
		}

		var reaped *Command
		for c := range pm.commands {
			if c.pid == reapedPid {
				reaped = c
				break
			}
		}
		if reaped == nil {
			// reap mismatch: a pid we don't own. Ignored; no diagnostic
			// is emitted.
			continue
		}

		reaped.pid = 0
		reaped.exitStatus = ws

		for dpid := range reaped.descendantsToKill {
			if isOrphanedChildOf(dpid, reapedPid) {
				if proc, err := os.FindProcess(dpid); err == nil {
					_ = proc.Signal(syscall.SIGKILL)
				}
			}
		}

		pm.deadList = append(pm.deadList, reaped)
	}

	if len(pm.deadList) == 0 {
		return nil, false
	}
	head := pm.deadList[0]
	pm.deadList = pm.deadList[1:]
	return head, true
}

// CleanupStopped closes the master-pty fd and clears both stdin/stdout
// fds. It is a no-op if the command is still running or already cleaned
// up.
func (pm *ProcessManager) CleanupStopped(c *Command) {
	if c.pid != 0 {
		return
	}
	if c.master != nil {
		_ = c.master.Close()
		c.master = nil
	}
	c.stdinFd = invalidFd
	c.stdoutFd = invalidFd
}

// Remove drops the record from the manager. Must be called only after
// the child has been reaped and cleaned up.
func (pm *ProcessManager) Remove(c *Command) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.owns(c) {
		return ErrInvalidCommand
	}
	delete(pm.commands, c)
	return nil
}
