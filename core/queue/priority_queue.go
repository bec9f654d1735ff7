// priority_queue.go - Min-heap priority queue.
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

// Package queue implements a min-heap priority queue over uint64
// priorities.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue dequeues entries lowest Priority first.  It implements
// heap.Interface; mutate it through Enqueue and heap.Pop.
type PriorityQueue struct {
	entries []*Entry
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		entries: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}

// Enqueue inserts value into the queue with the given priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// Peek returns the lowest priority entry without removing it, or nil on
// an empty queue.  Callers MUST NOT alter the Priority of the returned
// entry.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// Len implements sort.Interface.
func (q *PriorityQueue) Len() int {
	return len(q.entries)
}

// Less implements sort.Interface.
func (q *PriorityQueue) Less(i, j int) bool {
	return q.entries[i].Priority < q.entries[j].Priority
}

// Swap implements sort.Interface.  heap.Pop on an empty queue swaps
// index -1, so negative indexes are a no-op.
func (q *PriorityQueue) Swap(i, j int) {
	if i < 0 || j < 0 {
		return
	}
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
}

// Push implements heap.Interface.  Use Enqueue.
func (q *PriorityQueue) Push(x interface{}) {
	q.entries = append(q.entries, x.(*Entry))
}

// Pop implements heap.Interface, returning nil on an empty queue.  Use
// heap.Pop.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.entries)
	if n == 0 {
		return nil
	}
	e := q.entries[n-1]
	q.entries[n-1] = nil
	q.entries = q.entries[:n-1]
	return e
}
