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

// Package rest exposes a read-only introspection surface over a running
// deputy. It carries no PM_ORDERS traffic and accepts no mutating
// requests; a sheriff still talks to a deputy exclusively over the
// message bus.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmfleet/deputy"
)

const mimeJSON = "application/json; charset=UTF-8"

// maxLogWaitSeconds caps the ?wait= long-poll parameter accepted by
// getCommandLog, so a client can't pin a handler goroutine open
// indefinitely.
const maxLogWaitSeconds = 300

// Error is the JSON body written for a failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// engine is the subset of *deputy.Engine the handler depends on, so
// tests can supply a fake without spinning up a real event loop.
type engine interface {
	DeputyID() string
	Snapshot() []deputy.CommandStatus
	CommandSnapshot(commandID string) (deputy.CommandStatus, bool)
	LogRecords(commandID string, last int64) ([]deputy.LogRecord, int64)
	WatchLog(commandID string, last int64, wait time.Duration) ([]deputy.LogRecord, int64)
}

// Handler wraps an Engine, adding http.Handler functionality.
type Handler struct {
	e engine
	r *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	b, err := json.Marshal(e)
	if err != nil {
		h.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(e.Code)
	w.Write(b)
}

func (h *Handler) listCommands(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.e.Snapshot())
}

func (h *Handler) getCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["command"]
	status, ok := h.e.CommandSnapshot(id)
	if !ok {
		h.writeError(w, &Error{http.StatusNotFound, "command not found"})
		return
	}
	h.writeJSON(w, status)
}

func (h *Handler) getCommandLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["command"]
	if _, ok := h.e.CommandSnapshot(id); !ok {
		h.writeError(w, &Error{http.StatusNotFound, "command not found"})
		return
	}

	var last int64
	if s := r.URL.Query().Get("last"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			last = v
		}
	}

	var records []deputy.LogRecord
	var id64 int64
	if s := r.URL.Query().Get("wait"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs < 0 {
			secs = 0
		}
		if secs > maxLogWaitSeconds {
			secs = maxLogWaitSeconds
		}
		records, id64 = h.e.WatchLog(id, last, time.Duration(secs)*time.Second)
	} else {
		records, id64 = h.e.LogRecords(id, last)
	}
	w.Header().Set("Etag", strconv.FormatInt(id64, 10))
	h.writeJSON(w, records)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler builds the debug HTTP surface for e. registry, if non-nil,
// is served in Prometheus exposition format at /metrics.
func NewHandler(e *deputy.Engine, registry *prometheus.Registry) *Handler {
	return newHandler(e, registry)
}

func newHandler(e engine, registry *prometheus.Registry) *Handler {
	r := mux.NewRouter()
	h := &Handler{e: e, r: r}
	r.HandleFunc("/commands", h.listCommands).Methods("GET")
	r.HandleFunc("/commands/{command}", h.getCommand).Methods("GET")
	r.HandleFunc("/commands/{command}/log", h.getCommandLog).Methods("GET")
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	return h
}
