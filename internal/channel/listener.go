// listener.go - Allium relay listener.
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

package channel

import (
	"fmt"
	"net"
	"net/url"

	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/constants"
	"github.com/allium/allium/internal/glue"
)

type listener struct {
	worker.Worker

	reg *Registry
	log *logging.Logger

	l net.Listener
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.  The accepted
	// channels belong to the registry and are torn down with it.
	l.l.Close()
	l.Worker.Halt()
}

// Addr returns the listener's bound address.
func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(constants.KeepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.reg.adoptInbound(conn)
	}
}

// NewListener creates a listener that feeds accepted connections into
// the channel registry as responder channels.
func NewListener(glued glue.Glue, reg *Registry, id int, addr string) (glue.Listener, error) {
	l := &listener{
		reg: reg,
		log: glued.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("channel: malformed listener address '%v': %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", addr, err)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("channel: unsupported listener scheme '%v'", addr)
	}

	l.Go(l.worker)
	return l, nil
}
