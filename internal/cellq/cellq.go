// cellq.go - Allium queued cell arena and circuit cell queues.
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

// Package cellq implements the pooled queued cell structure and the
// per-circuit outbound cell queues shared between the relay engine and
// the channel scheduler.
package cellq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/util"
	avl "gitlab.com/yawning/avl.git"
	"gopkg.in/eapache/queue.v1"

	"github.com/allium/allium/core/cell"
)

var (
	cellPool = sync.Pool{
		New: func() interface{} {
			return new(Cell)
		},
	}
	rawPayloadPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, cell.PayloadLen)
		},
	}
	cellID uint64
)

// Cell is one fixed width cell staged for transmission on a channel.
// The allocation ID is monotonically increasing, so it doubles as the
// cell's age for overload victim selection.
type Cell struct {
	Raw     []byte
	Payload []byte

	ID     uint64
	Chan   uint64
	CircID cell.CircID
	Cmd    cell.Command
	RecvAt time.Time
}

// New allocates a queued Cell addressed to circID on the channel with
// the given handle, with a copy of the payload.  Variable width
// commands are never queued and are rejected outright.
func New(chanHandle uint64, circID cell.CircID, cmd cell.Command, payload []byte) (*Cell, error) {
	if cmd.IsVariable() {
		return nil, fmt.Errorf("cellq: variable width command: %v", cmd)
	}
	if len(payload) > cell.PayloadLen {
		return nil, fmt.Errorf("cellq: oversized payload: %v", len(payload))
	}

	c := cellPool.Get().(*Cell)
	c.ID = atomic.AddUint64(&cellID, 1)
	c.Chan = chanHandle
	c.CircID = circID
	c.Cmd = cmd
	c.RecvAt = time.Now()

	// The common case of standard cell sizes uses a pool allocator to
	// store the raw payloads.
	c.Raw = rawPayloadPool.Get().([]byte)
	if len(c.Raw) != cell.PayloadLen {
		panic("BUG: Pool allocated raw payload has incorrect size")
	}
	copy(c.Raw, payload)
	c.Payload = c.Raw[:cell.PayloadLen]

	return c, nil
}

// Size returns the accounted memory footprint of the cell.  Fixed width
// cells always hold a full length pooled payload regardless of how much
// of it the command uses.
func (c *Cell) Size() int {
	return cell.PayloadLen
}

// Dispose clears the cell structure and returns it to the allocation
// pool.
func (c *Cell) Dispose() {
	// Note: Calling Dispose() should happen for the common code paths,
	// but we rely on the GC just deallocating cells that happen to get
	// leaked, such as when queues are torn down with a channel.
	if len(c.Raw) == cell.PayloadLen {
		util.ExplicitBzero(c.Raw)
		rawPayloadPool.Put(c.Raw) // nolint: megacheck
	}
	c.Raw = nil
	c.Payload = nil
	c.ID = 0
	c.Chan = 0
	c.CircID = 0
	c.Cmd = 0
	c.RecvAt = time.Time{}

	cellPool.Put(c)
}

// CircKey identifies one circuit's outbound queue on a channel.
type CircKey struct {
	Chan uint64
	Circ cell.CircID
}

type circQueue struct {
	key    CircKey
	fifo   *queue.Queue
	bytes  int
	headID uint64

	ageNode *avl.Node
}

// Tracker tracks every circuit's outbound cell queue, the total queued
// byte count, and which circuit holds the oldest queued cell.  It is
// safe for concurrent use, the relay engine enqueues while the
// scheduler pops.
type Tracker struct {
	sync.Mutex

	queues map[CircKey]*circQueue
	chans  map[uint64]map[cell.CircID]*circQueue
	byAge  *avl.Tree

	totalBytes uint64
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		queues: make(map[CircKey]*circQueue),
		chans:  make(map[uint64]map[cell.CircID]*circQueue),
		byAge: avl.New(func(a, b interface{}) int {
			qA, qB := a.(*circQueue), b.(*circQueue)
			switch {
			case qA.headID < qB.headID:
				return -1
			case qA.headID > qB.headID:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Enqueue appends c to its circuit's queue and returns the new queue
// length.
func (t *Tracker) Enqueue(c *Cell) int {
	key := CircKey{Chan: c.Chan, Circ: c.CircID}

	t.Lock()
	defer t.Unlock()

	q := t.queues[key]
	if q == nil {
		q = &circQueue{
			key:  key,
			fifo: queue.New(),
		}
		t.queues[key] = q
		m := t.chans[key.Chan]
		if m == nil {
			m = make(map[cell.CircID]*circQueue)
			t.chans[key.Chan] = m
		}
		m[key.Circ] = q
	}
	if q.fifo.Length() == 0 {
		q.headID = c.ID
		q.ageNode = t.byAge.Insert(q)
	}
	q.fifo.Add(c)
	q.bytes += c.Size()
	t.totalBytes += uint64(c.Size())

	return q.fifo.Length()
}

// Pop removes and returns the head cell of the circuit's queue, or nil
// if the circuit has nothing queued.
func (t *Tracker) Pop(key CircKey) *Cell {
	t.Lock()
	defer t.Unlock()

	q := t.queues[key]
	if q == nil {
		return nil
	}
	c := q.fifo.Remove().(*Cell)
	q.bytes -= c.Size()
	t.totalBytes -= uint64(c.Size())

	t.byAge.Remove(q.ageNode)
	q.ageNode = nil
	if q.fifo.Length() == 0 {
		t.discardQueue(q)
	} else {
		q.headID = q.fifo.Peek().(*Cell).ID
		q.ageNode = t.byAge.Insert(q)
	}

	return c
}

// Drop discards the circuit's queue outright, disposing of every queued
// cell, and returns the number of cells and bytes released.
func (t *Tracker) Drop(key CircKey) (int, int) {
	t.Lock()
	defer t.Unlock()

	q := t.queues[key]
	if q == nil {
		return 0, 0
	}
	return t.dropQueue(q)
}

// DropChannel discards every queue addressed to the channel with the
// given handle, and returns the total number of cells and bytes
// released.
func (t *Tracker) DropChannel(chanHandle uint64) (int, int) {
	t.Lock()
	defer t.Unlock()

	var cells, bytes int
	for _, q := range t.chans[chanHandle] {
		nCells, nBytes := t.dropQueue(q)
		cells += nCells
		bytes += nBytes
	}
	return cells, bytes
}

func (t *Tracker) dropQueue(q *circQueue) (int, int) {
	cells, bytes := q.fifo.Length(), q.bytes
	for q.fifo.Length() > 0 {
		q.fifo.Remove().(*Cell).Dispose()
	}
	t.totalBytes -= uint64(bytes)
	q.bytes = 0
	if q.ageNode != nil {
		t.byAge.Remove(q.ageNode)
		q.ageNode = nil
	}
	t.discardQueue(q)
	return cells, bytes
}

func (t *Tracker) discardQueue(q *circQueue) {
	delete(t.queues, q.key)
	m := t.chans[q.key.Chan]
	delete(m, q.key.Circ)
	if len(m) == 0 {
		delete(t.chans, q.key.Chan)
	}
}

// Len returns the number of cells queued for the circuit.
func (t *Tracker) Len(key CircKey) int {
	t.Lock()
	defer t.Unlock()

	if q := t.queues[key]; q != nil {
		return q.fifo.Length()
	}
	return 0
}

// TotalBytes returns the total byte footprint of every queued cell.
func (t *Tracker) TotalBytes() uint64 {
	t.Lock()
	defer t.Unlock()

	return t.totalBytes
}

// OldestKey returns the circuit holding the oldest queued cell, the
// preferred victim when the queued byte ceiling is exceeded.
func (t *Tracker) OldestKey() (CircKey, bool) {
	t.Lock()
	defer t.Unlock()

	node := t.byAge.First()
	if node == nil {
		return CircKey{}, false
	}
	return node.Value.(*circQueue).key, true
}

// CircuitsOnChannel returns the keys of every circuit with cells queued
// for the channel with the given handle.
func (t *Tracker) CircuitsOnChannel(chanHandle uint64) []CircKey {
	t.Lock()
	defer t.Unlock()

	m := t.chans[chanHandle]
	if len(m) == 0 {
		return nil
	}
	keys := make([]CircKey, 0, len(m))
	for circID := range m {
		keys = append(keys, CircKey{Chan: chanHandle, Circ: circID})
	}
	return keys
}
