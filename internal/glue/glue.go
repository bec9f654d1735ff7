// glue.go - Allium relay internal glue.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/log"
	"github.com/allium/allium/internal/cellq"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	IdentityKey() sign.PrivateKey
	IdentityPublicKey() sign.PublicKey
	IdentityDigest() *[hash.HashSize]byte
	LinkScheme() sign.Scheme
	OnionKey() *ntor.Keypair

	TLSCertificate() *tls.Certificate
	TLSCertDigest() []byte

	Channels() Channels
	Connector() Connector
	Listeners() []Listener
	Router() Router
	Scheduler() Scheduler
	BuildTimes() BuildTimes
	CellQueues() *cellq.Tracker

	// Bug records an invariant violation in the named component.  The
	// process stays up; the count is surfaced through the operator API.
	Bug(component string)
}

// Channels is the registry of live channels, keyed by generation
// handle.
type Channels interface {
	Halt()

	// DispatchCell hands an outbound cell to its channel's writer.  The
	// cell is disposed if the handle is stale.
	DispatchCell(c *cellq.Cell)

	// SendControl writes a channel level cell (DESTROY, PADDING and
	// friends) ahead of any scheduler traffic ordering concerns.  It
	// returns false if the handle is stale.
	SendControl(handle uint64, cmd cell.Command, id cell.CircID, payload []byte) bool

	// Capacity returns the channel's current write budget in cells, per
	// the KIST socket model.
	Capacity(handle uint64) int

	// IncCircuits and DecCircuits maintain the channel's live circuit
	// count, which gates the idle teardown timer.
	IncCircuits(handle uint64)
	DecCircuits(handle uint64)

	// Close tears down the channel with the given handle.  Closing an
	// already closed or stale handle is a no-op.
	Close(handle uint64)
	List() []ChannelInfo
}

// Connector dials outbound channels on demand.
type Connector interface {
	Halt()

	// Request ensures a channel to the address is being dialed.  The
	// peer must prove the given identity during the link handshake.
	// Completion or failure arrives on the router queue.
	Request(addr string, peerID *[hash.HashSize]byte)
}

// Listener accepts inbound channels.
type Listener interface {
	Halt()

	// Addr returns the listener's bound address.
	Addr() net.Addr
}

// Router is the worker that owns all circuit and stream state.  The
// On* methods queue events for the router worker and never block.
type Router interface {
	Halt()

	// OnCell queues an inbound cell from an open channel.  The cell's
	// payload is owned by the router from this point on.
	OnCell(chanHandle uint64, c *cell.Cell, recvAt time.Time)

	// OnChannelUp and OnChannelDown queue channel lifecycle
	// transitions.
	OnChannelUp(info ChannelInfo)
	OnChannelDown(handle uint64)

	// OnDialFailure reports a connector dial that will not produce a
	// channel.
	OnDialFailure(addr string, err error)

	// OnCreated queues a finished responder handshake from the crypto
	// worker pool.  On success reply carries the CREATED2 handshake
	// data and layer the keyed relay crypto; on failure err says why
	// and the others are nil.
	OnCreated(chanHandle uint64, id cell.CircID, reply []byte, layer *onion.Layer, err error)

	ListCircuits() []CircuitInfo
	CloseCircuit(handle uint64, reason cell.DestroyReason) bool
}

// Scheduler drains per-circuit cell queues into channel writers.
type Scheduler interface {
	Halt()

	// OnCellQueued wakes the scheduler for new outbound work on the
	// given channel.
	OnCellQueued(handle uint64)
}

// BuildTimes is the adaptive circuit build timeout estimator.
type BuildTimes interface {
	Halt()

	Timeout() time.Duration
	AddSample(d time.Duration)
}

// ChannelInfo is the operator visible state of one channel.
type ChannelInfo struct {
	Handle      uint64
	Addr        string
	PeerID      string
	LinkVersion uint16
	Inbound     bool
	Circuits    int
	ClockSkew   time.Duration
}

// CircuitInfo is the operator visible state of one circuit.
type CircuitInfo struct {
	Handle  uint64
	Channel uint64
	CircID  cell.CircID
	Origin  bool
	State   string
	Streams int
	Age     time.Duration
}
