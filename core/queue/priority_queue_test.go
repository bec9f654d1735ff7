// priority_queue_test.go - Priority queue tests.
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

package queue

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Enqueue out of order, dequeue sorted.
	priorities := []uint64{3, 0, 4, 1, 2}
	q := New()
	for _, p := range priorities {
		q.Enqueue(p, p)
	}
	require.Equal(len(priorities), q.Len(), "Queue length (full)")

	for expected := uint64(0); expected < uint64(len(priorities)); expected++ {
		ent := q.Peek()
		require.Equal(expected, ent.Priority, "Peek(): Priority")

		ent = heap.Pop(q).(*Entry)
		require.Equal(expected, ent.Priority, "Pop(): Priority")
		require.Equal(expected, ent.Value, "Pop(): Value")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(heap.Pop(q), "Pop() (empty)")
}

func TestPriorityQueueDuplicatePriority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	q.Enqueue(20, "b")
	q.Enqueue(1, "a")
	q.Enqueue(20, "c")
	require.Equal(3, q.Len())

	require.Equal(uint64(1), heap.Pop(q).(*Entry).Priority)
	require.Equal(uint64(20), heap.Pop(q).(*Entry).Priority)
	require.Equal(uint64(20), heap.Pop(q).(*Entry).Priority)
	require.Nil(heap.Pop(q))
}
