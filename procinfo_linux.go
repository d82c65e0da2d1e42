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

//go:build linux

package deputy

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var pageSize = int64(os.Getpagesize())

// ReadProcessInfo samples /proc/<pid>/stat and /proc/<pid>/statm for a
// single process. Field offsets are 0-indexed positions in the
// whitespace-split stat line: 13/14 are utime/stime, 22 is vsize (in
// bytes), 23 is rss (in pages); statm's 2/3/5 are shared/text/data (in
// pages).
func ReadProcessInfo(pid int) (ProcessInfo, error) {
	var info ProcessInfo

	stat, err := readWords(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return info, err
	}
	if len(stat) < 24 {
		return info, fmt.Errorf("procinfo: short /proc/%d/stat", pid)
	}
	info.User = atoi64(stat[13])
	info.System = atoi64(stat[14])
	info.Vsize = atoi64(stat[22])
	info.Rss = atoi64(stat[23]) * pageSize

	statm, err := readWords(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return info, err
	}
	if len(statm) < 6 {
		return info, fmt.Errorf("procinfo: short /proc/%d/statm", pid)
	}
	info.Shared = atoi64(statm[2]) * pageSize
	info.Text = atoi64(statm[3]) * pageSize
	info.Data = atoi64(statm[5]) * pageSize

	return info, nil
}

// ReadSystemInfo samples /proc/stat's "cpu" line and /proc/meminfo.
func ReadSystemInfo() (SystemInfo, error) {
	var info SystemInfo

	f, err := os.Open("/proc/stat")
	if err != nil {
		return info, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 5 && fields[0] == "cpu" {
			info.User = atou64(fields[1])
			info.UserLow = atou64(fields[2])
			info.System = atou64(fields[3])
			info.Idle = atou64(fields[4])
			break
		}
	}

	mf, err := os.Open("/proc/meminfo")
	if err != nil {
		return info, err
	}
	defer mf.Close()

	scanner = bufio.NewScanner(mf)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val := atoi64(fields[1]) * 1024
		switch fields[0] {
		case "MemTotal:":
			info.MemTotal = val
		case "MemFree:":
			info.MemFree = val
		case "SwapTotal:":
			info.SwapTotal = val
		case "SwapFree:":
			info.SwapFree = val
		}
	}

	return info, nil
}

func readWords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 4096)
	if !scanner.Scan() {
		return nil, fmt.Errorf("procinfo: empty %s", path)
	}
	return strings.Fields(scanner.Text()), nil
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func atou64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func getPidInfo(pid int) (pidInfo, bool) {
	fields, err := readWords(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil || len(fields) < 6 {
		return pidInfo{}, false
	}
	ppid, err1 := strconv.Atoi(fields[3])
	pgrp, err2 := strconv.Atoi(fields[4])
	session, err3 := strconv.Atoi(fields[5])
	if err1 != nil || err2 != nil || err3 != nil {
		return pidInfo{}, false
	}
	return pidInfo{pid: pid, ppid: ppid, pgrp: pgrp, session: session}, true
}

func getAllPidInfo() map[int]pidInfo {
	result := make(map[int]pidInfo)
	dir, err := os.Open("/proc")
	if err != nil {
		return result
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return result
	}
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if info, ok := getPidInfo(pid); ok {
			result[pid] = info
		}
	}
	return result
}

// GetDescendants returns every pid transitively parented by pid,
// discovered by scanning all of /proc and following the ppid graph.
func GetDescendants(pid int) []int {
	all := getAllPidInfo()
	children := make(map[int][]int)
	for p, info := range all {
		children[info.ppid] = append(children[info.ppid], p)
	}

	var result []int
	var walk func(int)
	walk = func(p int) {
		for _, child := range children[p] {
			result = append(result, child)
			walk(child)
		}
	}
	walk(pid)
	return result
}

// IsOrphanedChildOf reports whether pid has been reparented to init (pid
// 1) while still carrying parent's process group and session, the
// signature of a descendant left behind after parent was reaped.
func IsOrphanedChildOf(pid, parent int) bool {
	info, ok := getPidInfo(pid)
	if !ok {
		return false
	}
	return info.ppid == 1 && info.pgrp == parent && info.session == parent
}
