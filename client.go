// client.go - Origin facade over the relay engine.
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

package allium

import (
	"net"

	"github.com/allium/allium/internal/circuit"
	"github.com/allium/allium/internal/relay"
)

// Hop identifies one relay of a circuit path: where to reach it, the
// identity it must prove, and the onion key to extend to.
type Hop = circuit.HopSpec

// Stream is an open origin stream.  It implements io.ReadWriteCloser.
type Stream = relay.Stream

// StreamError reports a stream closed by the protocol, carrying the
// END reason.
type StreamError = relay.StreamError

// CircuitError reports a circuit torn down by the protocol, carrying
// the DESTROY reason.
type CircuitError = relay.CircuitError

// Errors returned by the circuit and stream calls.
var (
	ErrShutdown      = relay.ErrShutdown
	ErrNoSuchCircuit = relay.ErrNoSuchCircuit
	ErrBuildTimeout  = relay.ErrBuildTimeout
)

// BuildCircuit builds an origin circuit through the given hops and
// returns its handle.  It blocks until the circuit opens, fails, or
// outlives the adaptive build timeout.
func (s *Server) BuildCircuit(path []Hop) (uint64, error) {
	if r := s.router; r != nil {
		return r.BuildCircuit(path)
	}
	return 0, ErrShutdown
}

// OpenStream opens a stream to target ("host:port") through an open
// circuit.
func (s *Server) OpenStream(circ uint64, target string) (*Stream, error) {
	if r := s.router; r != nil {
		return r.OpenStream(circ, target)
	}
	return nil, ErrShutdown
}

// Resolve asks the exit of an open circuit to resolve a hostname.
func (s *Server) Resolve(circ uint64, name string) ([]net.IP, error) {
	if r := s.router; r != nil {
		return r.Resolve(circ, name)
	}
	return nil, ErrShutdown
}
