//go:build !noprometheus
// +build !noprometheus

// prometheus.go - Prometheus instrumentation.
// Copyright (C) 2026  Allium Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exposes the relay's operational counters.  All
// entry points are package functions so call sites stay one line; the
// noprometheus build tag swaps in a no-op variant.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cellsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allium_cells_received_total",
			Help: "Number of link cells received",
		},
		[]string{"command"},
	)
	cellsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_cells_dropped_total",
			Help: "Number of link cells dropped",
		},
	)
	cellsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_cells_scheduled_total",
			Help: "Number of cells written to the wire by the scheduler",
		},
	)
	destroysSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allium_destroys_sent_total",
			Help: "Number of DESTROY cells sent",
		},
		[]string{"reason"},
	)
	circuitsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_circuits_created_total",
			Help: "Number of circuits created",
		},
	)
	circuitsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_circuits_destroyed_total",
			Help: "Number of circuits destroyed",
		},
	)
	onionskinsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_onionskins_replayed_total",
			Help: "Number of replayed onionskins dropped",
		},
	)
	onionskinsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_onionskins_failed_total",
			Help: "Number of onionskins that failed to process",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_streams_opened_total",
			Help: "Number of streams opened",
		},
	)
	oomCellsShed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_oom_cells_shed_total",
			Help: "Number of queued cells shed under memory pressure",
		},
	)
	activeChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allium_active_channels",
			Help: "Number of open channels",
		},
	)
	activeCircuits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allium_active_circuits",
			Help: "Number of live circuits",
		},
	)
	cellQueueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allium_cell_queue_bytes",
			Help: "Bytes of queued relay cells",
		},
	)
	buildTimeoutMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allium_circuit_build_timeout_ms",
			Help: "Learned circuit build timeout in milliseconds",
		},
	)
	bugs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allium_bugs_total",
			Help: "Number of internal invariant violations",
		},
	)
)

// Init registers the metrics and, when address is not empty, exposes
// them over HTTP.
func Init(address string) {
	prometheus.MustRegister(cellsReceived)
	prometheus.MustRegister(cellsDropped)
	prometheus.MustRegister(cellsScheduled)
	prometheus.MustRegister(destroysSent)
	prometheus.MustRegister(circuitsCreated)
	prometheus.MustRegister(circuitsDestroyed)
	prometheus.MustRegister(onionskinsReplayed)
	prometheus.MustRegister(onionskinsFailed)
	prometheus.MustRegister(streamsOpened)
	prometheus.MustRegister(oomCellsShed)
	prometheus.MustRegister(activeChannels)
	prometheus.MustRegister(activeCircuits)
	prometheus.MustRegister(cellQueueBytes)
	prometheus.MustRegister(buildTimeoutMs)
	prometheus.MustRegister(bugs)

	if address == "" {
		return
	}

	// Expose registered metrics via HTTP
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, nil)
}

// CellReceived increments the counter for received cells.
func CellReceived(command string) {
	cellsReceived.With(prometheus.Labels{"command": command}).Inc()
}

// CellDropped increments the counter for dropped cells.
func CellDropped() {
	cellsDropped.Inc()
}

// CellsScheduled adds to the counter of cells written to the wire.
func CellsScheduled(n int) {
	cellsScheduled.Add(float64(n))
}

// DestroySent increments the counter for sent DESTROY cells.
func DestroySent(reason string) {
	destroysSent.With(prometheus.Labels{"reason": reason}).Inc()
}

// CircuitCreated increments the counter for created circuits.
func CircuitCreated() {
	circuitsCreated.Inc()
}

// CircuitDestroyed increments the counter for destroyed circuits.
func CircuitDestroyed() {
	circuitsDestroyed.Inc()
}

// OnionskinReplayed increments the counter for replayed onionskins.
func OnionskinReplayed() {
	onionskinsReplayed.Inc()
}

// OnionskinFailed increments the counter for failed onionskins.
func OnionskinFailed() {
	onionskinsFailed.Inc()
}

// StreamOpened increments the counter for opened streams.
func StreamOpened() {
	streamsOpened.Inc()
}

// OOMCellsShed adds to the counter of cells shed under memory pressure.
func OOMCellsShed(n int) {
	oomCellsShed.Add(float64(n))
}

// SetActiveChannels sets the open channel gauge.
func SetActiveChannels(n int) {
	activeChannels.Set(float64(n))
}

// SetActiveCircuits sets the live circuit gauge.
func SetActiveCircuits(n int) {
	activeCircuits.Set(float64(n))
}

// SetCellQueueBytes sets the queued cell byte gauge.
func SetCellQueueBytes(n uint64) {
	cellQueueBytes.Set(float64(n))
}

// SetBuildTimeout sets the learned build timeout gauge.
func SetBuildTimeout(ms uint64) {
	buildTimeoutMs.Set(float64(ms))
}

// Bug increments the invariant violation counter.
func Bug() {
	bugs.Inc()
}
