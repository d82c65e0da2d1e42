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

// ProcessInfo holds a single sample of a process's CPU and memory usage,
// taken from /proc/<pid>/stat and /proc/<pid>/statm. All fields are zero
// on platforms without a /proc filesystem.
type ProcessInfo struct {
	// User and System are in clock ticks, matching /proc/<pid>/stat's
	// utime/stime fields; callers wanting seconds divide by the
	// platform's clock ticks-per-second (typically 100).
	User   int64
	System int64

	Vsize  int64 // virtual memory size, bytes
	Rss    int64 // resident set size, bytes
	Shared int64 // shared pages, bytes
	Text   int64 // text (code) size, bytes
	Data   int64 // data+stack size, bytes
}

// SystemInfo holds one sample of aggregate host CPU and memory usage.
type SystemInfo struct {
	// CPU fields are in clock ticks since boot, from /proc/stat's "cpu"
	// line.
	User    uint64
	UserLow uint64
	System  uint64
	Idle    uint64

	// Memory fields are in bytes, from /proc/meminfo.
	MemTotal  int64
	MemFree   int64
	SwapTotal int64
	SwapFree  int64
}

// pidInfo is the subset of /proc/<pid>/stat needed for descendant and
// orphan tracking.
type pidInfo struct {
	pid     int
	ppid    int
	pgrp    int
	session int
}
