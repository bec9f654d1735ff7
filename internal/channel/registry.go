// registry.go - Channel registry and handle slab.
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
	"crypto/tls"
	"net"
	"sync"

	"github.com/katzenpost/hpqc/hash"
	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/utils"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

type slot struct {
	gen uint32
	ch  *Channel
}

// Registry owns every channel.  Handles are (index, generation) pairs
// packed into a uint64, so a stale handle dereferences to nothing
// instead of to a channel that reused the slot.
type Registry struct {
	sync.Mutex

	glue glue.Glue
	log  *logging.Logger

	slots   []slot
	free    []uint32
	open    map[uint64]*Channel
	myAddrs []net.IP

	serverTLS *tls.Config
	clientTLS *tls.Config

	halted bool
	wg     sync.WaitGroup
}

// NewRegistry constructs the channel registry.
func NewRegistry(glued glue.Glue) *Registry {
	tlsCert := glued.TLSCertificate()
	reg := &Registry{
		glue: glued,
		log:  glued.LogBackend().GetLogger("channels"),
		open: make(map[uint64]*Channel),
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{*tlsCert},
			MinVersion:   tls.VersionTLS12,
		},
		clientTLS: &tls.Config{
			Certificates: []tls.Certificate{*tlsCert},
			MinVersion:   tls.VersionTLS12,

			// The peer's identity comes from the CERTS chain inside
			// the handshake, the TLS certificate itself is ephemeral.
			InsecureSkipVerify: true,
		},
	}
	if ip, err := utils.GetExternalIPv4Address(); err == nil {
		reg.myAddrs = []net.IP{ip}
	}
	return reg
}

func packHandle(idx, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx)
}

// adoptInbound wraps an accepted connection in a responder channel and
// starts its worker.
func (reg *Registry) adoptInbound(conn net.Conn) {
	tlsConn := tls.Server(conn, reg.serverTLS)
	reg.adopt(conn, tlsConn, conn.RemoteAddr().String(), false, nil)
}

// adoptOutbound wraps a dialed connection in an initiator channel that
// must observe the expected peer identity.
func (reg *Registry) adoptOutbound(conn net.Conn, addr string, expectedPeer *[hash.HashSize]byte) {
	tlsConn := tls.Client(conn, reg.clientTLS)
	reg.adopt(conn, tlsConn, addr, true, expectedPeer)
}

func (reg *Registry) adopt(rawConn net.Conn, tlsConn *tls.Conn, addr string, initiator bool, expectedPeer *[hash.HashSize]byte) {
	ch := newChannel(reg, rawConn, tlsConn, addr, initiator, expectedPeer)

	reg.Lock()
	if reg.halted {
		reg.Unlock()
		tlsConn.Close()
		return
	}
	var idx uint32
	if n := len(reg.free); n > 0 {
		idx = reg.free[n-1]
		reg.free = reg.free[:n-1]
	} else {
		reg.slots = append(reg.slots, slot{})
		idx = uint32(len(reg.slots) - 1)
	}
	reg.slots[idx].gen++
	reg.slots[idx].ch = ch
	ch.handle = packHandle(idx, reg.slots[idx].gen)
	reg.wg.Add(1)
	reg.Unlock()

	ch.Go(ch.worker)
}

// lookup resolves a handle to its channel, nil if the handle is stale
// or the channel is not yet open.
func (reg *Registry) lookup(handle uint64) *Channel {
	reg.Lock()
	defer reg.Unlock()

	return reg.open[handle]
}

func (reg *Registry) onOpenChannel(ch *Channel) {
	reg.Lock()
	reg.open[ch.handle] = ch
	n := len(reg.open)
	reg.Unlock()

	instrument.SetActiveChannels(n)
	reg.glue.Router().OnChannelUp(ch.info())
}

func (reg *Registry) onClosedChannel(ch *Channel) {
	reg.Lock()
	idx := uint32(ch.handle)
	if int(idx) < len(reg.slots) && reg.slots[idx].ch == ch {
		reg.slots[idx].ch = nil
		reg.free = append(reg.free, idx)
	}
	_, wasOpen := reg.open[ch.handle]
	delete(reg.open, ch.handle)
	n := len(reg.open)
	halted := reg.halted
	reg.Unlock()

	instrument.SetActiveChannels(n)
	reg.glue.CellQueues().DropChannel(ch.handle)

	// The router only hears about channels that finished the
	// handshake; a dial that died before OPEN is a dial failure.
	if !halted {
		if wasOpen {
			reg.glue.Router().OnChannelDown(ch.handle)
		} else if ch.initiator {
			reg.glue.Router().OnDialFailure(ch.addr, errHandshakeFailed)
		}
	}
	reg.wg.Done()
}

// Halt closes every channel and waits for their workers to finish.
func (reg *Registry) Halt() {
	reg.Lock()
	reg.halted = true
	var chans []*Channel
	for _, s := range reg.slots {
		if s.ch != nil {
			chans = append(chans, s.ch)
		}
	}
	reg.Unlock()

	for _, ch := range chans {
		// Unblocks the handshake or reader, the worker tears the rest
		// down.
		ch.close()
	}
	reg.wg.Wait()
}

// DispatchCell hands an outbound cell to its channel's writer.  The
// cell is disposed if the handle is stale.
func (reg *Registry) DispatchCell(qc *cellq.Cell) {
	ch := reg.lookup(qc.Chan)
	if ch == nil {
		qc.Dispose()
		instrument.CellDropped()
		return
	}
	ch.sendQueued(qc)
}

// SendControl writes a channel level cell ahead of any scheduler
// traffic.  It returns false if the handle is stale.
func (reg *Registry) SendControl(handle uint64, cmd cell.Command, id cell.CircID, payload []byte) bool {
	ch := reg.lookup(handle)
	if ch == nil {
		return false
	}
	ch.sendControl(&cell.Cell{CircID: id, Cmd: cmd, Payload: payload})
	return true
}

// Capacity returns the channel's current write budget in cells.
func (reg *Registry) Capacity(handle uint64) int {
	ch := reg.lookup(handle)
	if ch == nil {
		return 0
	}
	return ch.capacity()
}

// IncCircuits marks one more live circuit on the channel.
func (reg *Registry) IncCircuits(handle uint64) {
	if ch := reg.lookup(handle); ch != nil {
		ch.incCircuits()
	}
}

// DecCircuits drops the channel's live circuit count, rearming the
// idle clock when it reaches zero.
func (reg *Registry) DecCircuits(handle uint64) {
	if ch := reg.lookup(handle); ch != nil {
		ch.decCircuits()
	}
}

// Close tears down the channel with the given handle.  Closing a stale
// or already closing handle is a no-op.
func (reg *Registry) Close(handle uint64) {
	if ch := reg.lookup(handle); ch != nil {
		ch.close()
	}
}

// List returns the operator visible state of every open channel.
func (reg *Registry) List() []glue.ChannelInfo {
	reg.Lock()
	defer reg.Unlock()

	infos := make([]glue.ChannelInfo, 0, len(reg.open))
	for _, ch := range reg.open {
		infos = append(infos, ch.info())
	}
	return infos
}
