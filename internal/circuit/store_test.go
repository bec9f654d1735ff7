// store_test.go - Circuit store tests.
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

package circuit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allium/allium/core/cell"
)

func TestStoreBindFind(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	e := s.Insert(NewForwarding(nil, 1, 0x8001))
	require.NotZero(e.Handle)
	require.Equal(1, s.Len())

	k := Key{Chan: 1, ID: 0x8001}
	require.NoError(s.Bind(e, SidePrev, k))

	got, side, ok := s.Find(k)
	require.True(ok)
	require.Equal(e, got)
	require.Equal(SidePrev, side)

	_, _, ok = s.Find(Key{Chan: 1, ID: 0x8002})
	require.False(ok)
	_, _, ok = s.Find(Key{Chan: 2, ID: 0x8001})
	require.False(ok)

	got, ok = s.ByHandle(e.Handle)
	require.True(ok)
	require.Equal(e, got)

	other := s.Insert(NewForwarding(nil, 1, 0x8002))
	require.ErrorIs(s.Bind(other, SidePrev, k), ErrIDTaken)
	require.ErrorIs(s.Bind(other, SidePrev, Key{Chan: 1}), ErrZeroID)
}

func TestStoreAttachIDConventions(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	for i := 0; i < 64; i++ {
		e := s.Insert(NewOrigin(nil, 8, 0))

		id, err := s.Attach(e, SideNext, 1, true, true)
		require.NoError(err)
		require.NotZero(uint32(id) & 0x80000000)

		id, err = s.Attach(e, SideNext, 2, true, false)
		require.NoError(err)
		require.NotZero(id)
		require.Zero(uint32(id) & 0x80000000)

		id, err = s.Attach(e, SideNext, 3, false, true)
		require.NoError(err)
		require.NotZero(uint32(id) & 0x8000)
		require.LessOrEqual(uint32(id), uint32(0xffff))

		id, err = s.Attach(e, SideNext, 4, false, false)
		require.NoError(err)
		require.NotZero(id)
		require.LessOrEqual(uint32(id), uint32(0x7fff))
	}
}

func TestStoreAttachSaturated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	filler := s.Insert(NewForwarding(nil, 1, 1))
	for id := uint32(0x8000); id <= 0xffff; id++ {
		require.NoError(s.Bind(filler, SidePrev, Key{Chan: 1, ID: cell.CircID(id)}))
	}

	e := s.Insert(NewOrigin(nil, 8, 0))
	_, err := s.Attach(e, SideNext, 1, false, true)
	require.ErrorIs(err, ErrSaturated)

	// The responder half of the id space is still free.
	_, err = s.Attach(e, SideNext, 1, false, false)
	require.NoError(err)
}

func TestStoreUnbind(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	e := s.Insert(NewForwarding(nil, 1, 100))
	prev := Key{Chan: 1, ID: 100}
	next := Key{Chan: 2, ID: 200}
	require.NoError(s.Bind(e, SidePrev, prev))
	require.NoError(s.Bind(e, SideNext, next))

	s.Unbind(e, next)
	_, _, ok := s.Find(next)
	require.False(ok)
	require.True(s.WasDestroyed(next))

	// The previous side binding and the handle survive a truncate.
	got, side, ok := s.Find(prev)
	require.True(ok)
	require.Equal(SidePrev, side)
	require.Equal(e, got)
	require.Equal(1, s.Len())

	// The shed id is free for reuse on the same channel.
	other := s.Insert(NewForwarding(nil, 2, 200))
	require.NoError(s.Bind(other, SidePrev, next))
	require.False(s.WasDestroyed(next))
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	e := s.Insert(NewForwarding(nil, 1, 100))
	prev := Key{Chan: 1, ID: 100}
	next := Key{Chan: 2, ID: 200}
	require.NoError(s.Bind(e, SidePrev, prev))
	require.NoError(s.Bind(e, SideNext, next))

	s.Remove(e)
	require.Zero(s.Len())
	_, ok := s.ByHandle(e.Handle)
	require.False(ok)
	_, _, ok = s.Find(prev)
	require.False(ok)
	_, _, ok = s.Find(next)
	require.False(ok)

	// Both attachments leave tombstones, so late cells stay silent.
	require.True(s.WasDestroyed(prev))
	require.True(s.WasDestroyed(next))

	require.Equal(2, s.SweepTombstones(0))
	require.False(s.WasDestroyed(prev))
}

func TestStoreTombstoneRevival(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	k := Key{Chan: 7, ID: 33}
	s.NoteDestroyed(k)
	require.True(s.WasDestroyed(k))

	// A fresh circuit reusing the id clears the tombstone.
	e := s.Insert(NewForwarding(nil, 7, 33))
	require.NoError(s.Bind(e, SidePrev, k))
	require.False(s.WasDestroyed(k))
}

func TestStoreChannelEntries(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore()
	a := s.Insert(NewForwarding(nil, 1, 10))
	b := s.Insert(NewForwarding(nil, 1, 20))
	c := s.Insert(NewForwarding(nil, 2, 30))
	require.NoError(s.Bind(a, SidePrev, Key{Chan: 1, ID: 10}))
	// A looped circuit with both attachments on one channel is listed
	// once.
	require.NoError(s.Bind(a, SideNext, Key{Chan: 1, ID: 11}))
	require.NoError(s.Bind(b, SidePrev, Key{Chan: 1, ID: 20}))
	require.NoError(s.Bind(c, SidePrev, Key{Chan: 2, ID: 30}))

	entries := s.ChannelEntries(1)
	require.Len(entries, 2)
	require.Contains(entries, a)
	require.Contains(entries, b)

	entries = s.ChannelEntries(2)
	require.Len(entries, 1)
	require.Contains(entries, c)

	require.Nil(s.ChannelEntries(9))

	s.Remove(a)
	s.Remove(b)
	require.Nil(s.ChannelEntries(1))
	require.Equal(1, s.Len())
	require.Len(s.Entries(), 1)
}
