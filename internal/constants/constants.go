// constants.go - Relay core internal constants.
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

// Package constants defines the protocol constants shared across the
// relay internals.  These are wire-compatibility values, not tunables;
// the tunables live in the config package.
package constants

import "time"

const (
	// KeepAliveInterval is the TCP/IP KeepAlive interval.
	KeepAliveInterval = 3 * time.Minute

	// CircuitWindowStart is the initial circuit-level package/deliver
	// window, in cells.
	CircuitWindowStart = 1000

	// CircuitWindowIncrement is the window credit granted by one
	// circuit-level SENDME, and the cadence at which deliver side
	// digests are snapshotted for SENDME authentication.
	CircuitWindowIncrement = 100

	// StreamWindowStart is the initial stream-level window, in cells.
	StreamWindowStart = 500

	// StreamWindowIncrement is the window credit granted by one
	// stream-level SENDME.
	StreamWindowIncrement = 50

	// MaxCircIDDraws bounds the random draws attempted when allocating
	// a circuit id on a channel before declaring the channel saturated.
	MaxCircIDDraws = 64

	// MaxCircuitHops is the most hops an origin circuit may extend to.
	// An EXTEND2 arriving for a circuit already at this depth is a
	// protocol violation.
	MaxCircuitHops = 3
)
