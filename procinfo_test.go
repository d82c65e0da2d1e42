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
	"os"
	"testing"
)

func TestReadProcessInfoSelf(t *testing.T) {
	info, err := ReadProcessInfo(os.Getpid())
	if err != nil {
		t.Fatalf("ReadProcessInfo(self): %v", err)
	}
	if info.Vsize == 0 {
		t.Skip("no /proc filesystem on this platform")
	}
	if info.Rss <= 0 {
		t.Errorf("expected positive rss for the running test binary, got %d", info.Rss)
	}
}

func TestReadSystemInfo(t *testing.T) {
	info, err := ReadSystemInfo()
	if err != nil {
		t.Fatalf("ReadSystemInfo: %v", err)
	}
	if info.MemTotal == 0 {
		t.Skip("no /proc filesystem on this platform")
	}
	if info.MemTotal <= info.MemFree {
		// not strictly guaranteed under memory pressure, but true in
		// any sane CI sandbox, and catches a units mixup (kB vs bytes).
		t.Errorf("MemTotal (%d) unexpectedly <= MemFree (%d)", info.MemTotal, info.MemFree)
	}
}

func TestGetDescendantsOfSelf(t *testing.T) {
	// The test binary itself has no children; the call should not
	// panic and should return an empty (possibly nil) slice.
	got := GetDescendants(os.Getpid())
	if len(got) != 0 {
		t.Errorf("expected no descendants of the test process, got %v", got)
	}
}

func TestIsOrphanedChildOfUnrelated(t *testing.T) {
	if IsOrphanedChildOf(os.Getpid(), 1) {
		t.Errorf("test process should not appear orphaned under pid 1")
	}
}
