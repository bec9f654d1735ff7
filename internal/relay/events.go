// events.go - Router queue event types.
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

package relay

import (
	"net"
	"time"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/internal/circuit"
	"github.com/allium/allium/internal/glue"
)

// cellEvent is an inbound cell from an open channel.
type cellEvent struct {
	chanHandle uint64
	c          *cell.Cell

	// recvAt is the monotonic ingress time, for onionskin queueing
	// dwell accounting.
	recvAt time.Duration
}

// createdEvent is a finished responder handshake from the crypto
// worker pool.
type createdEvent struct {
	chanHandle uint64
	id         cell.CircID
	reply      []byte
	layer      *onion.Layer
	err        error
}

type chanUpEvent struct {
	info glue.ChannelInfo
}

type chanDownEvent struct {
	handle uint64
}

type dialFailureEvent struct {
	addr string
	err  error
}

// buildReq asks the router to build an origin circuit along a path.
type buildReq struct {
	path   []circuit.HopSpec
	doneCh chan *buildResult
}

type buildResult struct {
	handle uint64
	err    error
}

// openStreamReq asks the router to open a stream on an origin circuit.
type openStreamReq struct {
	circ   uint64
	target string
	doneCh chan *openResult
}

type openResult struct {
	s   *Stream
	err error
}

// resolveReq asks the router to resolve a name through an origin
// circuit's exit.
type resolveReq struct {
	circ   uint64
	name   string
	doneCh chan *resolveResult
}

type resolveResult struct {
	addrs []net.IP
	err   error
}

type streamWriteReq struct {
	circ   uint64
	id     cell.StreamID
	data   []byte
	doneCh chan error
}

type streamCloseReq struct {
	circ   uint64
	id     cell.StreamID
	doneCh chan struct{}
}

// streamDrainedEvent notes that the application consumed buffered
// stream data, so a withheld stream SENDME may now be due.
type streamDrainedEvent struct {
	circ uint64
	id   cell.StreamID
}

// edgeDialEvent is a finished exit side dial attempt.
type edgeDialEvent struct {
	circ uint64
	id   cell.StreamID
	conn net.Conn
	addr net.IP

	// reason is the END reason when conn is nil.
	reason cell.EndReason
	err    error
}

// edgeDataEvent carries bytes an exit stream read from its socket.
type edgeDataEvent struct {
	circ uint64
	id   cell.StreamID
	data []byte
}

// edgeFlushedEvent notes one queued chunk was written to an exit
// socket.
type edgeFlushedEvent struct {
	circ uint64
	id   cell.StreamID
}

// edgeClosedEvent notes an exit socket failed or reached EOF.
type edgeClosedEvent struct {
	circ   uint64
	id     cell.StreamID
	reason cell.EndReason
}

// exitResolvedEvent is a finished exit side RESOLVE lookup.
type exitResolvedEvent struct {
	circ    uint64
	id      cell.StreamID
	answers []cell.ResolvedAnswer
}

type listCircuitsReq struct {
	doneCh chan []glue.CircuitInfo
}

type closeCircuitReq struct {
	handle uint64
	reason cell.DestroyReason
	doneCh chan bool
}
