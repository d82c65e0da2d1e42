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

package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pmfleet/deputy"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeEngine implements the engine interface without a real ProcessManager
// or EventLoop, so the HTTP layer can be tested on its own.
type fakeEngine struct {
	id       string
	statuses map[string]deputy.CommandStatus
	records  map[string][]deputy.LogRecord
	watched  bool
}

func (f *fakeEngine) DeputyID() string { return f.id }

func (f *fakeEngine) Snapshot() []deputy.CommandStatus {
	out := make([]deputy.CommandStatus, 0, len(f.statuses))
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out
}

func (f *fakeEngine) CommandSnapshot(id string) (deputy.CommandStatus, bool) {
	s, ok := f.statuses[id]
	return s, ok
}

func (f *fakeEngine) LogRecords(id string, last int64) ([]deputy.LogRecord, int64) {
	return f.records[id], last + int64(len(f.records[id]))
}

func (f *fakeEngine) WatchLog(id string, last int64, wait time.Duration) ([]deputy.LogRecord, int64) {
	f.watched = true
	return f.records[id], last + int64(len(f.records[id]))
}

func TestDebugHandler(t *testing.T) {
	Convey("Given a handler over a fake engine with one command", t, func() {
		fe := &fakeEngine{
			id: "dep1",
			statuses: map[string]deputy.CommandStatus{
				"web": {CommandID: "web", ExecStr: "nginx", Pid: 42},
			},
			records: map[string][]deputy.LogRecord{
				"web": {{Id: 1, CommandID: "web", Text: "started"}},
			},
		}
		h := newHandler(fe, nil)

		Convey("GET /commands lists every tracked command", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/commands", nil))
			So(w.Code, ShouldEqual, http.StatusOK)

			var got []deputy.CommandStatus
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].CommandID, ShouldEqual, "web")
		})

		Convey("GET /commands/{id} returns 200 for a known id", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/commands/web", nil))
			So(w.Code, ShouldEqual, http.StatusOK)

			var got deputy.CommandStatus
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got.Pid, ShouldEqual, 42)
		})

		Convey("GET /commands/{id} returns 404 for an unknown id", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/commands/missing", nil))
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("GET /commands/{id}/log returns that command's records", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/commands/web/log", nil))
			So(w.Code, ShouldEqual, http.StatusOK)

			var got []deputy.LogRecord
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Text, ShouldEqual, "started")
		})

		Convey("GET /commands/{id}/log?wait=0 takes the long-poll path", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/commands/web/log?wait=0", nil))
			So(w.Code, ShouldEqual, http.StatusOK)
			So(fe.watched, ShouldBeTrue)

			var got []deputy.LogRecord
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got, ShouldHaveLength, 1)
		})

		Convey("without a registry, /metrics is not registered", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
