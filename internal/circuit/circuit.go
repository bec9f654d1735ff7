// circuit.go - Circuit structures.
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

// Package circuit implements the circuit structures and the store that
// indexes them for cell dispatch.  Everything in this package is owned
// by the router worker and is not safe for concurrent use.
package circuit

import (
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/hash"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/constants"
)

// State is a circuit's lifecycle state.
type State uint8

const (
	// StateBuilding circuits are awaiting a CREATED/EXTENDED exchange.
	StateBuilding State = iota

	// StateOpen circuits carry traffic.
	StateOpen

	// StateMeasuring circuits overran their build deadline and keep
	// building only to feed the timeout estimator.
	StateMeasuring

	// StateClosing circuits have queued their DESTROYs and await
	// removal.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateMeasuring:
		return "MEASURING"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint8(s))
	}
}

// Side identifies which attachment of a circuit a cell arrived on.
type Side uint8

const (
	// SidePrev is the attachment toward the origin.  An origin
	// circuit's single attachment is its previous side by convention.
	SidePrev Side = iota

	// SideNext is the attachment away from the origin.
	SideNext
)

// Circuit is the closed set of circuit kinds held by the Store.
type Circuit interface {
	isCircuit()
}

// HopSpec names one relay of a planned path.
type HopSpec struct {
	Identity [hash.HashSize]byte
	OnionKey *ntor.PublicKey
	Addr     string
}

// Origin is a locally built circuit: the full stack of onion layers
// plus the build progress walking the planned path.
type Origin struct {
	Chan uint64
	ID   cell.CircID

	State State

	// Path is the plan, fixed at creation.  Hops are the established
	// layers, append-only while building and frozen at open.
	Path []HopSpec
	Hops []*onion.Layer

	// Pending is the in-flight CREATE2/EXTEND2 handshake, nil outside
	// a build step.
	Pending *ntor.ClientHandshake

	// BuildDeadline is when the build is declared timed out and the
	// circuit demoted to measuring.
	BuildDeadline time.Duration

	PackageWindow Window
	DeliverWindow Window

	// SendmeExpect holds the digest snapshots circuit SENDMEs from the
	// far end must echo.
	SendmeExpect DigestFifo

	// RelayEarlyRemaining counts down the RELAY_EARLY cells this
	// origin may still emit.
	RelayEarlyRemaining int

	CreatedAt time.Duration
}

func (*Origin) isCircuit() {}

// NewOrigin returns a building origin circuit for the given path.
func NewOrigin(path []HopSpec, relayEarlyBudget int, buildTimeout time.Duration) *Origin {
	now := monotime.Now()
	return &Origin{
		State:               StateBuilding,
		Path:                path,
		Hops:                make([]*onion.Layer, 0, len(path)),
		BuildDeadline:       now + buildTimeout,
		PackageWindow:       NewWindow(constants.CircuitWindowStart),
		DeliverWindow:       NewWindow(constants.CircuitWindowStart),
		RelayEarlyRemaining: relayEarlyBudget,
		CreatedAt:           now,
	}
}

// Forwarding is a relay side circuit: one onion layer keyed by the
// CREATE exchange, a previous attachment toward the origin and, once
// extended, a next attachment away from it.
type Forwarding struct {
	PrevChan uint64
	PrevID   cell.CircID
	NextChan uint64
	NextID   cell.CircID

	State State

	Layer *onion.Layer

	PackageWindow Window
	DeliverWindow Window

	// SendmeExpect holds the digest snapshots circuit SENDMEs from the
	// origin must echo when this relay is the data sender (exit role).
	SendmeExpect DigestFifo

	// RelayEarlySeen counts RELAY_EARLY cells received from the
	// previous hop, bounded by the configured budget.
	RelayEarlySeen int

	// ExtendCount counts EXTEND requests processed at this relay.  A
	// client rebuilding through truncates gets a bounded number of
	// attempts before the circuit is declared abusive.
	ExtendCount int

	CreatedAt time.Duration
}

func (*Forwarding) isCircuit() {}

// NewForwarding returns a forwarding circuit keyed by a completed
// CREATE exchange, attached on its previous side.
func NewForwarding(layer *onion.Layer, prevChan uint64, prevID cell.CircID) *Forwarding {
	return &Forwarding{
		PrevChan:      prevChan,
		PrevID:        prevID,
		State:         StateOpen,
		Layer:         layer,
		PackageWindow: NewWindow(constants.CircuitWindowStart),
		DeliverWindow: NewWindow(constants.CircuitWindowStart),
		CreatedAt:     monotime.Now(),
	}
}
