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

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the Prometheus series a deputy exposes on its debug
// HTTP surface. All fields are safe for concurrent use, and every
// method is a no-op-shaped setter, matching the ffmpeg-hls-swarm
// Collector's RecordX/SetX style.
type Metrics struct {
	commandState       *prometheus.GaugeVec
	commandRestarts    *prometheus.CounterVec
	commandCPUPercent  *prometheus.GaugeVec
	commandRSSBytes    *prometheus.GaugeVec
	ordersAppliedTotal prometheus.Counter
	discoveryConflicts prometheus.Counter
}

// NewMetrics constructs a Metrics registered against registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deputy_command_state",
			Help: "1 if the command's pid is currently running, else 0.",
		}, []string{"command_id"}),
		commandRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deputy_command_restarts_total",
			Help: "Number of times a command has been (re)started.",
		}, []string{"command_id"}),
		commandCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deputy_command_cpu_percent",
			Help: "Most recently sampled CPU utilization fraction for a command.",
		}, []string{"command_id"}),
		commandRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deputy_command_rss_bytes",
			Help: "Most recently sampled resident set size for a command, in bytes.",
		}, []string{"command_id"}),
		ordersAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deputy_orders_applied_total",
			Help: "Number of orders messages that resulted in at least one state change.",
		}),
		discoveryConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deputy_discovery_conflicts_total",
			Help: "Number of times this deputy detected a conflicting peer during discovery.",
		}),
	}

	registry.MustRegister(
		m.commandState,
		m.commandRestarts,
		m.commandCPUPercent,
		m.commandRSSBytes,
		m.ordersAppliedTotal,
		m.discoveryConflicts,
	)
	return m
}

func (m *Metrics) commandStarted(commandID string) {
	m.commandState.WithLabelValues(commandID).Set(1)
	m.commandRestarts.WithLabelValues(commandID).Inc()
}

func (m *Metrics) observe(status CommandStatus) {
	state := 0.0
	if status.Pid != 0 {
		state = 1.0
	}
	m.commandState.WithLabelValues(status.CommandID).Set(state)
	m.commandCPUPercent.WithLabelValues(status.CommandID).Set(status.CPUUsage)
	m.commandRSSBytes.WithLabelValues(status.CommandID).Set(float64(status.MemRssBytes))
}

func (m *Metrics) ordersApplied() {
	m.ordersAppliedTotal.Inc()
}

func (m *Metrics) discoveryConflict() {
	m.discoveryConflicts.Inc()
}
