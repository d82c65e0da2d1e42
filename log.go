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
	"sync"
	"time"
)

// MaxLogRecords bounds the ring buffer's retained history.
const MaxLogRecords = 1000

// LogRecord is a single line of deputy or command output. CommandID is
// empty for deputy-level (non-command) lines, letting one ring buffer
// back both the deputy log and every command's output view exposed by
// the debug HTTP surface.
type LogRecord struct {
	Id        int64     `json:"id,string"`
	Time      time.Time `json:"time"`
	CommandID string    `json:"command_id,omitempty"`
	Text      string    `json:"text"`
}

// Log is a fixed-size ring buffer of LogRecords with change notification
// via Watch, suitable for a long-polling HTTP tail endpoint.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Append records a single line attributed to commandID (empty for a
// deputy-level line) and wakes any goroutine blocked in Watch.
func (log *Log) Append(commandID, text string) {
	if log.maxRecords == 0 {
		log.maxRecords = MaxLogRecords
	}
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
	}
	log.lock()
	idx := log.numRecords % log.maxRecords
	log.id++
	log.records[idx] = LogRecord{Id: log.id, Time: time.Now(), CommandID: commandID, Text: text}
	// NB: numRecords may actually be more than maxRecords. In that
	// case, we've looped, but we use this really to track the next
	// index.
	log.numRecords++
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
}

// Write implements the Writer interface consumed by Logger, recording
// each line as a deputy-level record (CommandID == "").
func (log *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	for _, line := range strings.Split(str, "\n") {
		log.Append("", line)
	}
	return len(b), nil
}

func (log *Log) Clear() {
	log.lock()
	log.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	log.id = time.Now().UnixNano()
	log.unlock()
}

// GetRecords returns the records that are stored, as well as an ID
// suitable for use as an Etag. The last parameter can be the last ID
// that was checked, in which case this function will return nil
// immediately if the log has not changed since that ID was returned,
// without duplicating any records. When commandID is non-empty, only
// that command's records are returned.
func (log *Log) GetRecords(last int64, commandID string) ([]LogRecord, int64) {
	log.lock()
	if log.id == last {
		log.unlock()
		return nil, last
	}
	cnt := log.numRecords
	cur := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	index := cur - cnt
	recs := make([]LogRecord, 0, cnt)
	for j := 0; j < cnt; j++ {
		rec := log.records[index%log.maxRecords]
		if commandID == "" || rec.CommandID == commandID {
			recs = append(recs, rec)
		}
		index++
	}
	id := log.id
	log.unlock()
	return recs, id
}

func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	log.cvs[cv] = true
	for {
		if log.id != last || expired {
			break
		}
		cv.Wait()
	}
	delete(log.cvs, cv)
	if log.id != last {
		last = log.id
	}
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log instance.
func NewLog() *Log {
	log := &Log{
		maxRecords: MaxLogRecords,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
	return log
}
