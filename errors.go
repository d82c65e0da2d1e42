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
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning    = errors.New("command already running")
	ErrNotRunning        = errors.New("command not running")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrSignalsAlreadySet = errors.New("posix signals already installed")
)

// SpawnFailed wraps the errno returned by a failed forkpty/exec attempt.
type SpawnFailed struct {
	Err error
}

func (e *SpawnFailed) Error() string {
	return fmt.Sprintf("spawn failed: %v", e.Err)
}

func (e *SpawnFailed) Unwrap() error {
	return e.Err
}
