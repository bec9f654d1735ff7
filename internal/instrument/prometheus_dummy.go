//go:build noprometheus
// +build noprometheus

// prometheus_dummy.go - No-op instrumentation.
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

// Package instrument exposes the relay's operational counters.  This
// is the no-op variant selected by the noprometheus build tag.
package instrument

// Init does nothing.
func Init(address string) {}

// CellReceived increments the counter for received cells.
func CellReceived(command string) {}

// CellDropped increments the counter for dropped cells.
func CellDropped() {}

// CellsScheduled adds to the counter of cells written to the wire.
func CellsScheduled(n int) {}

// DestroySent increments the counter for sent DESTROY cells.
func DestroySent(reason string) {}

// CircuitCreated increments the counter for created circuits.
func CircuitCreated() {}

// CircuitDestroyed increments the counter for destroyed circuits.
func CircuitDestroyed() {}

// OnionskinReplayed increments the counter for replayed onionskins.
func OnionskinReplayed() {}

// OnionskinFailed increments the counter for failed onionskins.
func OnionskinFailed() {}

// StreamOpened increments the counter for opened streams.
func StreamOpened() {}

// OOMCellsShed adds to the counter of cells shed under memory pressure.
func OOMCellsShed(n int) {}

// SetActiveChannels sets the open channel gauge.
func SetActiveChannels(n int) {}

// SetActiveCircuits sets the live circuit gauge.
func SetActiveCircuits(n int) {}

// SetCellQueueBytes sets the queued cell byte gauge.
func SetCellQueueBytes(n uint64) {}

// SetBuildTimeout sets the learned build timeout gauge.
func SetBuildTimeout(ms uint64) {}

// Bug increments the invariant violation counter.
func Bug() {}
