// operator.go - Operator control surface.
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
	"sync/atomic"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/internal/glue"
)

// ChannelInfo is the operator visible state of one channel.
type ChannelInfo = glue.ChannelInfo

// CircuitInfo is the operator visible state of one circuit.
type CircuitInfo = glue.CircuitInfo

// ListenerAddresses returns the bound address of every listener.
func (s *Server) ListenerAddresses() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			addrs = append(addrs, l.Addr())
		}
	}
	return addrs
}

// ListChannels returns the state of every open channel.
func (s *Server) ListChannels() []ChannelInfo {
	if reg := s.registry; reg != nil {
		return reg.List()
	}
	return nil
}

// ListCircuits returns the state of every live circuit.
func (s *Server) ListCircuits() []CircuitInfo {
	if r := s.router; r != nil {
		return r.ListCircuits()
	}
	return nil
}

// CloseCircuit tears down the circuit with the given handle, sending
// DESTROY with the given reason where the protocol calls for it.  It
// returns false if no such circuit exists.
func (s *Server) CloseCircuit(handle uint64, reason cell.DestroyReason) bool {
	if r := s.router; r != nil {
		return r.CloseCircuit(handle, reason)
	}
	return false
}

// CloseChannel tears down the channel with the given handle along with
// every circuit riding on it.  Closing an unknown handle is a no-op.
func (s *Server) CloseChannel(handle uint64) {
	if reg := s.registry; reg != nil {
		reg.Close(handle)
	}
}

// BugCount returns the number of invariant violations recorded since
// startup.
func (s *Server) BugCount() uint64 {
	return atomic.LoadUint64(&s.bugCount)
}
