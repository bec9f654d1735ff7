// window.go - Flow control windows and SENDME digest bookkeeping.
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
	"github.com/allium/allium/core/cell"
)

// Window is one direction of a flow control window.  It counts the
// remaining capacity: the package window gates what may be sent before
// a SENDME refill arrives, the deliver window bounds what the peer may
// send before it owes us a SENDME.  The level never leaves
// [0, start].
type Window struct {
	level int
	start int
}

// NewWindow returns a full window.
func NewWindow(start int) Window {
	return Window{level: start, start: start}
}

// Dec consumes one unit.  It refuses at zero, which on the deliver
// side marks the peer as having overrun its window.
func (w *Window) Dec() bool {
	if w.level <= 0 {
		return false
	}
	w.level--
	return true
}

// Refill restores n units after a SENDME.  It refuses refills that
// would lift the window above its starting level, which a peer can
// only cause with unsolicited SENDMEs.
func (w *Window) Refill(n int) bool {
	if w.level+n > w.start {
		return false
	}
	w.level += n
	return true
}

// Level returns the remaining capacity.
func (w *Window) Level() int {
	return w.level
}

// AtEmitPoint reports whether a deliver window has consumed a full
// SENDME increment and owes the peer an acknowledgment.
func (w *Window) AtEmitPoint(increment int) bool {
	return w.level <= w.start-increment
}

// DigestFifo holds the running digest snapshots a data sender expects
// future circuit SENDMEs to echo, oldest first.
type DigestFifo struct {
	digests [][cell.SendmeDigestLen]byte
}

// Push records a digest snapshot taken at a SENDME boundary.
func (f *DigestFifo) Push(digest []byte) {
	var d [cell.SendmeDigestLen]byte
	copy(d[:], digest)
	f.digests = append(f.digests, d)
}

// Pop removes and returns the oldest expected digest.
func (f *DigestFifo) Pop() ([cell.SendmeDigestLen]byte, bool) {
	if len(f.digests) == 0 {
		return [cell.SendmeDigestLen]byte{}, false
	}
	d := f.digests[0]
	f.digests = f.digests[1:]
	return d, true
}

// Len returns the number of outstanding expected digests.
func (f *DigestFifo) Len() int {
	return len(f.digests)
}
