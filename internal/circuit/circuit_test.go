// circuit_test.go - Circuit structure tests.
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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allium/allium/internal/constants"
)

func TestWindowBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := NewWindow(constants.CircuitWindowStart)
	require.Equal(constants.CircuitWindowStart, w.Level())

	// The window never refills past its starting level.
	require.False(w.Refill(constants.CircuitWindowIncrement))
	require.Equal(constants.CircuitWindowStart, w.Level())

	for i := 0; i < constants.CircuitWindowStart; i++ {
		require.True(w.Dec())
	}
	require.Equal(0, w.Level())

	// And never goes negative.
	require.False(w.Dec())
	require.Equal(0, w.Level())

	require.True(w.Refill(constants.CircuitWindowIncrement))
	require.Equal(constants.CircuitWindowIncrement, w.Level())
}

func TestWindowEmitPoint(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w := NewWindow(constants.CircuitWindowStart)
	for i := 0; i < constants.CircuitWindowIncrement-1; i++ {
		require.True(w.Dec())
		require.False(w.AtEmitPoint(constants.CircuitWindowIncrement))
	}
	require.True(w.Dec())
	require.True(w.AtEmitPoint(constants.CircuitWindowIncrement))

	require.True(w.Refill(constants.CircuitWindowIncrement))
	require.False(w.AtEmitPoint(constants.CircuitWindowIncrement))
}

func TestDigestFifo(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var f DigestFifo
	_, ok := f.Pop()
	require.False(ok)

	a := make([]byte, 20)
	b := make([]byte, 20)
	a[0], b[0] = 0xaa, 0xbb
	f.Push(a)
	f.Push(b)
	require.Equal(2, f.Len())

	got, ok := f.Pop()
	require.True(ok)
	require.Equal(byte(0xaa), got[0])
	got, ok = f.Pop()
	require.True(ok)
	require.Equal(byte(0xbb), got[0])
	require.Equal(0, f.Len())
}

func TestNewOrigin(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := make([]HopSpec, 3)
	c := NewOrigin(path, 8, 30*time.Second)
	require.Equal(StateBuilding, c.State)
	require.Equal(8, c.RelayEarlyRemaining)
	require.Empty(c.Hops)
	require.Equal(constants.CircuitWindowStart, c.PackageWindow.Level())
	require.Equal(constants.CircuitWindowStart, c.DeliverWindow.Level())
	require.Greater(c.BuildDeadline, c.CreatedAt)
}

func TestNewForwarding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewForwarding(nil, 7, 42)
	require.Equal(StateOpen, c.State)
	require.Equal(uint64(7), c.PrevChan)
	require.EqualValues(42, c.PrevID)
	require.Zero(c.ExtendCount)
	require.Equal(constants.CircuitWindowStart, c.PackageWindow.Level())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal("BUILDING", StateBuilding.String())
	require.Equal("OPEN", StateOpen.String())
	require.Equal("MEASURING", StateMeasuring.String())
	require.Equal("CLOSING", StateClosing.String())
}
