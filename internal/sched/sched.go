// sched.go - Allium cell scheduler.
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

// Package sched implements the cell scheduler, which decides which
// circuit's queued cells are written to each channel.  Circuits are
// ranked by an EWMA of their recent emissions, and writes stop at the
// kernel send queue depth the channel reports as its capacity.
package sched

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/core/queue"
	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

const (
	// ewmaDecay is the per-round multiplier applied to every circuit's
	// EWMA on a channel.  A circuit emitting one cell every round
	// settles at 1/(1-ewmaDecay); an idle circuit's priority recovers
	// exponentially.
	ewmaDecay = 0.9

	// ewmaScale converts EWMA values to fixed point priority keys.
	ewmaScale = 1 << 20

	// retryInterval is the wait before re-polling the socket capacity
	// of a channel that still has queued cells.
	retryInterval = 10 * time.Millisecond

	// sweepInterval and ewmaIdleAfter bound how long priority state for
	// an inactive circuit is retained.
	sweepInterval = 1 * time.Minute
	ewmaIdleAfter = 1 * time.Minute
)

// circPrio is the scheduling state of one circuit, owned by the worker
// goroutine.  val is the EWMA as of scheduling round `round` on the
// circuit's channel.
type circPrio struct {
	val   float64
	round uint64
	touch time.Duration
}

type scheduler struct {
	worker.Worker
	sync.Mutex

	glue glue.Glue
	log  *logging.Logger

	// pending is guarded by the Mutex, everything below it is owned by
	// the worker goroutine.
	pending map[uint64]struct{}
	wakeCh  chan struct{}

	ewma   map[cellq.CircKey]*circPrio
	rounds map[uint64]uint64
}

// OnCellQueued wakes the scheduler for new outbound work on the given
// channel.  It never blocks.
func (sch *scheduler) OnCellQueued(handle uint64) {
	sch.Lock()
	sch.pending[handle] = struct{}{}
	sch.Unlock()

	select {
	case sch.wakeCh <- struct{}{}:
	default:
	}
}

func (sch *scheduler) takePending() map[uint64]struct{} {
	sch.Lock()
	defer sch.Unlock()

	work := sch.pending
	sch.pending = make(map[uint64]struct{})
	return work
}

func (sch *scheduler) worker() {
	timer := time.NewTimer(sweepInterval)
	defer timer.Stop()

	blocked := make(map[uint64]struct{})
	lastSweep := monotime.Now()
	for {
		var timerFired bool
		select {
		case <-sch.HaltCh():
			sch.log.Debugf("Terminating gracefully.")
			return
		case <-sch.wakeCh:
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		// Channels that stalled on capacity are re-polled on every
		// pass, not just when their timer comes due.
		work := sch.takePending()
		for handle := range blocked {
			work[handle] = struct{}{}
		}
		blocked = make(map[uint64]struct{})

		sent := 0
		now := monotime.Now()
		for handle := range work {
			n, stalled := sch.drain(handle, now)
			sent += n
			if stalled {
				blocked[handle] = struct{}{}
			}
		}
		if sent > 0 {
			instrument.CellsScheduled(sent)
		}

		if now = monotime.Now(); now-lastSweep >= sweepInterval {
			sch.sweep(now)
			lastSweep = now
		}

		if len(blocked) > 0 {
			timer.Reset(retryInterval)
		} else {
			timer.Reset(sweepInterval)
		}
	}
}

// drain writes queued cells to the channel until its capacity or its
// queues are exhausted, lowest EWMA circuit first.  It returns the
// number of cells dispatched and whether the channel stalled with
// cells still queued.
func (sch *scheduler) drain(handle uint64, now time.Duration) (int, bool) {
	tracker := sch.glue.CellQueues()

	keys := tracker.CircuitsOnChannel(handle)
	if len(keys) == 0 {
		return 0, false
	}
	capacity := sch.glue.Channels().Capacity(handle)
	if capacity <= 0 {
		return 0, true
	}

	// One drain is one scheduling round for the channel: every
	// resident EWMA decays once, each emission adds one.
	round := sch.rounds[handle] + 1
	sch.rounds[handle] = round

	pq := queue.New()
	for _, key := range keys {
		pq.Enqueue(prioKey(sch.prio(key, round, now).val), key)
	}

	sent := 0
	for capacity > 0 && pq.Len() > 0 {
		key := heap.Pop(pq).(*queue.Entry).Value.(cellq.CircKey)
		qc := tracker.Pop(key)
		if qc == nil {
			// The relay dropped the queue mid-pass.
			continue
		}
		sch.glue.Channels().DispatchCell(qc)
		sent++
		capacity--

		p := sch.prio(key, round, now)
		p.val++
		if tracker.Len(key) > 0 {
			pq.Enqueue(prioKey(p.val), key)
		}
	}

	return sent, capacity == 0 && len(tracker.CircuitsOnChannel(handle)) > 0
}

// prio returns the circuit's priority state rescaled to the given
// round, creating it at zero for circuits seen for the first time.
func (sch *scheduler) prio(key cellq.CircKey, round uint64, now time.Duration) *circPrio {
	p := sch.ewma[key]
	if p == nil {
		p = &circPrio{round: round}
		sch.ewma[key] = p
	}
	if p.round < round {
		p.val *= math.Pow(ewmaDecay, float64(round-p.round))
		p.round = round
	}
	p.touch = now
	return p
}

// sweep discards priority state for circuits that have had nothing
// queued for a while, and round counters for channels with no circuits
// left.
func (sch *scheduler) sweep(now time.Duration) {
	tracker := sch.glue.CellQueues()

	live := make(map[uint64]bool)
	for key, p := range sch.ewma {
		if now-p.touch >= ewmaIdleAfter && tracker.Len(key) == 0 {
			delete(sch.ewma, key)
			continue
		}
		live[key.Chan] = true
	}
	for handle := range sch.rounds {
		if !live[handle] {
			delete(sch.rounds, handle)
		}
	}
}

func prioKey(v float64) uint64 {
	return uint64(v * ewmaScale)
}

// New constructs a new scheduler instance.
func New(glued glue.Glue) glue.Scheduler {
	sch := &scheduler{
		glue:    glued,
		log:     glued.LogBackend().GetLogger("scheduler"),
		pending: make(map[uint64]struct{}),
		wakeCh:  make(chan struct{}, 1),
		ewma:    make(map[cellq.CircKey]*circPrio),
		rounds:  make(map[uint64]uint64),
	}

	sch.Go(sch.worker)
	return sch
}
