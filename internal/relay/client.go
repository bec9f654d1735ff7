// client.go - Origin side circuit and stream API.
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
	"io"
	"net"
	"sync"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/internal/circuit"
)

// BuildCircuit builds an origin circuit along path and returns its
// handle.  It blocks until the circuit opens, fails, or outlives the
// adaptive build timeout.
func (r *Router) BuildCircuit(path []circuit.HopSpec) (uint64, error) {
	doneCh := make(chan *buildResult, 1)
	if !r.submit(&buildReq{path: path, doneCh: doneCh}) {
		return 0, ErrShutdown
	}
	select {
	case res := <-doneCh:
		return res.handle, res.err
	case <-r.HaltCh():
		return 0, ErrShutdown
	}
}

// OpenStream opens a stream to target ("host:port") through an open
// circuit.
func (r *Router) OpenStream(circ uint64, target string) (*Stream, error) {
	doneCh := make(chan *openResult, 1)
	if !r.submit(&openStreamReq{circ: circ, target: target, doneCh: doneCh}) {
		return nil, ErrShutdown
	}
	select {
	case res := <-doneCh:
		return res.s, res.err
	case <-r.HaltCh():
		return nil, ErrShutdown
	}
}

// Resolve asks the exit of an open circuit to resolve name.
func (r *Router) Resolve(circ uint64, name string) ([]net.IP, error) {
	doneCh := make(chan *resolveResult, 1)
	if !r.submit(&resolveReq{circ: circ, name: name, doneCh: doneCh}) {
		return nil, ErrShutdown
	}
	select {
	case res := <-doneCh:
		return res.addrs, res.err
	case <-r.HaltCh():
		return nil, ErrShutdown
	}
}

// Stream is the io.ReadWriteCloser facade over an origin stream.  One
// concurrent reader and one concurrent writer are supported.
type Stream struct {
	r      *Router
	circ   uint64
	id     cell.StreamID
	target string
	remote string
	s      *stream

	wMu  sync.Mutex
	rbuf []byte
}

func newStream(r *Router, circ uint64, s *stream) *Stream {
	return &Stream{
		r:      r,
		circ:   circ,
		id:     s.id,
		target: s.target,
		remote: s.remote,
		s:      s,
	}
}

// Target returns the address the stream was opened to.
func (s *Stream) Target() string { return s.target }

// RemoteAddr returns the exit reported remote address, when known.
func (s *Stream) RemoteAddr() string { return s.remote }

// Read returns data delivered by the circuit, blocking until some
// arrives or the stream ends.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.rbuf) == 0 {
		select {
		case b := <-s.s.readCh:
			s.rbuf = b
			s.r.submit(&streamDrainedEvent{circ: s.circ, id: s.id})
		case <-s.s.closedCh:
			// Deliveries that raced the close still count.
			select {
			case b := <-s.s.readCh:
				s.rbuf = b
			default:
				return 0, s.closedErr()
			}
		}
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *Stream) closedErr() error {
	if s.s.endReason == cell.EndDone {
		return io.EOF
	}
	return &StreamError{Reason: s.s.endReason}
}

// Write queues data on the stream, blocking until the router packaged
// all of it.
func (s *Stream) Write(p []byte) (int, error) {
	s.wMu.Lock()
	defer s.wMu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	doneCh := make(chan error, 1)
	req := &streamWriteReq{
		circ:   s.circ,
		id:     s.id,
		data:   append([]byte(nil), p...),
		doneCh: doneCh,
	}
	if !s.r.submit(req) {
		return 0, ErrShutdown
	}
	select {
	case err := <-doneCh:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-s.r.HaltCh():
		return 0, ErrShutdown
	}
}

// Close tears the stream down, sending END toward the exit.
func (s *Stream) Close() error {
	doneCh := make(chan struct{}, 1)
	if !s.r.submit(&streamCloseReq{circ: s.circ, id: s.id, doneCh: doneCh}) {
		return ErrShutdown
	}
	select {
	case <-doneCh:
		return nil
	case <-s.r.HaltCh():
		return ErrShutdown
	}
}
