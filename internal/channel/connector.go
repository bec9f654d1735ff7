// connector.go - Allium relay outbound dialer.
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
	"context"
	"net"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/internal/constants"
	"github.com/allium/allium/internal/glue"
)

type connector struct {
	sync.Mutex

	glue glue.Glue
	reg  *Registry
	log  *logging.Logger

	pending map[string]bool

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
	halted     bool
}

func (co *connector) Halt() {
	co.Lock()
	if co.halted {
		co.Unlock()
		return
	}
	co.halted = true
	co.Unlock()

	close(co.closeAllCh)
	co.closeAllWg.Wait()
}

// Request starts a dial to addr unless one is already in flight.  The
// router hears the outcome as a channel up or a dial failure, keyed by
// addr, so a dial in flight serves every circuit waiting on it.
func (co *connector) Request(addr string, peerID *[hash.HashSize]byte) {
	co.Lock()
	if co.halted || co.pending[addr] {
		co.Unlock()
		return
	}
	co.pending[addr] = true
	co.closeAllWg.Add(1)
	co.Unlock()

	go co.dialWorker(addr, peerID)
}

func (co *connector) dialWorker(addr string, peerID *[hash.HashSize]byte) {
	defer func() {
		co.Lock()
		delete(co.pending, addr)
		co.Unlock()
		co.closeAllWg.Done()
	}()

	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	dialer := net.Dialer{
		KeepAlive: constants.KeepAliveInterval,
		Timeout:   time.Duration(co.glue.Config().Debug.ConnectTimeout) * time.Millisecond,
	}
	go func() {
		// Bolt the teardown channel to the dial canceler, so a halt
		// aborts a dial that is mid connect.
		select {
		case <-co.closeAllCh:
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	co.log.Debugf("Dialing: %v", addr)
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		co.log.Debugf("Dial failure: %v: %v", addr, err)
		co.glue.Router().OnDialFailure(addr, err)
		return
	}
	co.log.Debugf("TCP connection established: %v", addr)

	co.reg.adoptOutbound(conn, addr, peerID)
}

// NewConnector creates the outbound dialer front end of the channel
// registry.
func NewConnector(glued glue.Glue, reg *Registry) glue.Connector {
	return &connector{
		glue:       glued,
		reg:        reg,
		log:        glued.LogBackend().GetLogger("connector"),
		pending:    make(map[string]bool),
		closeAllCh: make(chan interface{}),
	}
}
