// relay.go - Router worker.
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

// Package relay implements the router worker that owns every circuit
// and stream, interprets the relay protocol, and bridges exit streams
// to the network.  All state in this package belongs to the single
// router goroutine; the outside talks to it through the event queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	mRand "math/rand"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/circuit"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

const (
	// housekeepingInterval paces the deadline and tombstone sweeps.
	housekeepingInterval = 1 * time.Second

	// tombstoneMaxAge is how long a destroyed (channel, circuit id)
	// pair keeps eating late cells before it is forgotten.
	tombstoneMaxAge = 1 * time.Minute

	// measureGrace bounds how long a timed out circuit keeps building
	// for the benefit of the timeout estimator.
	measureGrace = 2 * time.Minute

	// extendTimeout bounds the wait for a CREATED2 from the next hop
	// after forwarding an EXTEND2.
	extendTimeout = 1 * time.Minute
)

var (
	// ErrShutdown is returned on client calls into a halted router.
	ErrShutdown = errors.New("relay: shutting down")

	// ErrNoSuchCircuit is returned when a circuit handle does not
	// resolve, because the circuit closed or never existed.
	ErrNoSuchCircuit = errors.New("relay: no such circuit")

	// ErrBuildTimeout is returned when a circuit misses its build
	// deadline and is demoted to a measurement circuit.
	ErrBuildTimeout = errors.New("relay: circuit build timed out")
)

// CircuitError is a circuit torn down by the protocol, carrying the
// DESTROY reason observed on or sent to the wire.
type CircuitError struct {
	Reason cell.DestroyReason
}

func (e *CircuitError) Error() string {
	return fmt.Sprintf("relay: circuit destroyed: %v", e.Reason)
}

// StreamError is a stream closed by the relay protocol, carrying the
// END reason.
type StreamError struct {
	Reason cell.EndReason
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("relay: stream closed: %v", e.Reason)
}

type notifyMask uint8

const (
	notifyPrev notifyMask = 1 << iota
	notifyNext
)

// pendingDial tracks circuits waiting on one outbound channel dial.
type pendingDial struct {
	peerID  [hash.HashSize]byte
	waiting []uint64
}

// Router is the worker that owns all circuit and stream state.
type Router struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	ch         *channels.InfiniteChannel
	onionskins chan<- interface{}
	edge       *Edge

	store *circuit.Store
	chans map[uint64]glue.ChannelInfo
	dials map[string]*pendingDial
	rng   *mRand.Rand

	haltCtx    context.Context
	haltCancel context.CancelFunc
	edgeWG     sync.WaitGroup

	submitLock   sync.RWMutex
	submitClosed bool
}

// New constructs the router.  Responder onionskins are submitted on
// the crypto worker queue and their completions come back through
// OnCreated.  A nil edge uses the config driven default.
func New(glued glue.Glue, onionskins chan<- interface{}, edge *Edge) *Router {
	r := &Router{
		glue:       glued,
		log:        glued.LogBackend().GetLogger("relay"),
		ch:         channels.NewInfiniteChannel(),
		onionskins: onionskins,
		edge:       edge,
		store:      circuit.NewStore(),
		chans:      make(map[uint64]glue.ChannelInfo),
		dials:      make(map[string]*pendingDial),
		rng:        rand.NewMath(),
	}
	if r.edge == nil {
		r.edge = defaultEdge(glued.Config())
	}
	r.haltCtx, r.haltCancel = context.WithCancel(context.Background())

	r.Go(r.worker)
	return r
}

// Halt stops the router and reaps the edge sockets the worker owned.
// The queue closes only after the edge goroutines drain, they may
// still be submitting.
func (r *Router) Halt() {
	r.haltCancel()
	r.Worker.Halt()

	for _, e := range r.store.Entries() {
		switch c := e.Circ.(type) {
		case *origin:
			r.reapOrigin(c, ErrShutdown)
		case *forwarding:
			for _, s := range c.streams {
				if s.edge != nil {
					s.edge.close(false)
				}
			}
		}
	}
	r.edgeWG.Wait()

	// Fence off submit before closing the queue, a client call racing
	// the shutdown must not write into a closed channel.
	r.submitLock.Lock()
	r.submitClosed = true
	r.submitLock.Unlock()
	r.ch.Close()
}

// submit queues an event for the router worker.  It reports false once
// the router is halting.
func (r *Router) submit(e interface{}) bool {
	r.submitLock.RLock()
	defer r.submitLock.RUnlock()

	if r.submitClosed {
		return false
	}
	select {
	case <-r.HaltCh():
		return false
	default:
	}
	r.ch.In() <- e
	return true
}

// OnCell queues an inbound cell from an open channel.  The wall clock
// receive time is discarded in favor of a monotonic stamp, which the
// onionskin dwell check needs.
func (r *Router) OnCell(chanHandle uint64, c *cell.Cell, _ time.Time) {
	r.submit(&cellEvent{chanHandle: chanHandle, c: c, recvAt: monotime.Now()})
}

// OnCreated queues a finished responder handshake from the crypto
// worker pool.
func (r *Router) OnCreated(chanHandle uint64, id cell.CircID, reply []byte, layer *onion.Layer, err error) {
	r.submit(&createdEvent{chanHandle: chanHandle, id: id, reply: reply, layer: layer, err: err})
}

// OnChannelUp queues a channel open transition.
func (r *Router) OnChannelUp(info glue.ChannelInfo) {
	r.submit(&chanUpEvent{info: info})
}

// OnChannelDown queues a channel teardown.
func (r *Router) OnChannelDown(handle uint64) {
	r.submit(&chanDownEvent{handle: handle})
}

// OnDialFailure reports a connector dial that will not produce a
// channel.
func (r *Router) OnDialFailure(addr string, err error) {
	r.submit(&dialFailureEvent{addr: addr, err: err})
}

// ListCircuits returns the operator visible state of every circuit.
func (r *Router) ListCircuits() []glue.CircuitInfo {
	req := &listCircuitsReq{doneCh: make(chan []glue.CircuitInfo, 1)}
	if !r.submit(req) {
		return nil
	}
	select {
	case infos := <-req.doneCh:
		return infos
	case <-r.HaltCh():
		return nil
	}
}

// CloseCircuit tears down the circuit with the given handle, sending
// DESTROYs with the given reason on its attachments.
func (r *Router) CloseCircuit(handle uint64, reason cell.DestroyReason) bool {
	req := &closeCircuitReq{handle: handle, reason: reason, doneCh: make(chan bool, 1)}
	if !r.submit(req) {
		return false
	}
	select {
	case ok := <-req.doneCh:
		return ok
	case <-r.HaltCh():
		return false
	}
}

func (r *Router) worker() {
	heartbeat := time.NewTicker(housekeepingInterval)
	defer heartbeat.Stop()

	ch := r.ch.Out()
	for {
		var e interface{}
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case <-heartbeat.C:
			r.housekeeping()
			continue
		case e = <-ch:
		}

		switch ev := e.(type) {
		case *cellEvent:
			r.onCell(ev)
		case *createdEvent:
			r.onCreatedEvent(ev)
		case *chanUpEvent:
			r.onChanUp(ev.info)
		case *chanDownEvent:
			r.onChanDown(ev.handle)
		case *dialFailureEvent:
			r.onDialFail(ev.addr, ev.err)
		case *buildReq:
			r.onBuildReq(ev)
		case *openStreamReq:
			r.onOpenStreamReq(ev)
		case *resolveReq:
			r.onResolveReq(ev)
		case *streamWriteReq:
			r.onStreamWrite(ev)
		case *streamCloseReq:
			r.onStreamClose(ev)
		case *streamDrainedEvent:
			r.onStreamDrained(ev)
		case *edgeDialEvent:
			r.onEdgeDial(ev)
		case *edgeDataEvent:
			r.onEdgeData(ev)
		case *edgeFlushedEvent:
			r.onEdgeFlushed(ev)
		case *edgeClosedEvent:
			r.onEdgeClosed(ev)
		case *exitResolvedEvent:
			r.onExitResolved(ev)
		case *listCircuitsReq:
			ev.doneCh <- r.listCircuits()
		case *closeCircuitReq:
			ev.doneCh <- r.opCloseCircuit(ev.handle, ev.reason)
		default:
			r.log.Errorf("BUG: unknown event type %T", e)
			r.glue.Bug("relay")
		}
	}
}

func (r *Router) onChanUp(info glue.ChannelInfo) {
	r.log.Debugf("Channel %d up: %v (link version %d)", info.Handle, info.Addr, info.LinkVersion)
	r.chans[info.Handle] = info
	instrument.SetActiveChannels(len(r.chans))

	pd, ok := r.dials[info.Addr]
	if !ok {
		return
	}
	delete(r.dials, info.Addr)
	for _, h := range pd.waiting {
		e, ok := r.store.ByHandle(h)
		if !ok {
			continue
		}
		switch c := e.Circ.(type) {
		case *origin:
			r.originChannelReady(e, c, info)
		case *forwarding:
			r.extendChannelReady(e, c, info)
		}
	}
}

func (r *Router) onChanDown(handle uint64) {
	r.log.Debugf("Channel %d down", handle)
	delete(r.chans, handle)
	instrument.SetActiveChannels(len(r.chans))

	r.glue.CellQueues().DropChannel(handle)
	for _, e := range r.store.ChannelEntries(handle) {
		r.removeCircuit(e, cell.DestroyChannelClosed, notifyPrev|notifyNext)
	}
}

func (r *Router) onDialFail(addr string, err error) {
	pd, ok := r.dials[addr]
	if !ok {
		return
	}
	delete(r.dials, addr)
	r.log.Debugf("Dial %v failed: %v", addr, err)
	for _, h := range pd.waiting {
		e, ok := r.store.ByHandle(h)
		if !ok {
			continue
		}
		switch c := e.Circ.(type) {
		case *origin:
			r.failBuild(c, fmt.Errorf("relay: first hop unreachable: %v", err))
			r.removeCircuit(e, cell.DestroyNone, 0)
		case *forwarding:
			r.extendFailed(e, c, cell.DestroyConnectFailed)
		}
	}
}

// requestChannel ensures a dial to addr is in flight and parks the
// circuit on its completion.
func (r *Router) requestChannel(addr string, peerID *[hash.HashSize]byte, waiter uint64) {
	if pd, ok := r.dials[addr]; ok {
		pd.waiting = append(pd.waiting, waiter)
		return
	}
	r.dials[addr] = &pendingDial{peerID: *peerID, waiting: []uint64{waiter}}
	r.glue.Connector().Request(addr, peerID)
}

// channelToPeer finds an open channel whose peer proved the given
// identity.
func (r *Router) channelToPeer(peerID string) (glue.ChannelInfo, bool) {
	for _, info := range r.chans {
		if info.PeerID == peerID {
			return info, true
		}
	}
	return glue.ChannelInfo{}, false
}

// attach binds a circuit to a channel with a freshly drawn circuit id,
// following the wide/initiator id conventions of the link version.
func (r *Router) attach(e *circuit.Entry, side circuit.Side, info glue.ChannelInfo) (cell.CircID, error) {
	id, err := r.store.Attach(e, side, info.Handle, info.LinkVersion >= 4, !info.Inbound)
	if err != nil {
		return 0, err
	}
	r.glue.Channels().IncCircuits(info.Handle)
	return id, nil
}

// sendRelay queues an outbound relay cell for the scheduler and then
// enforces the global cell memory ceiling.
func (r *Router) sendRelay(chanHandle uint64, id cell.CircID, cmd cell.Command, payload []byte) {
	qc, err := cellq.New(chanHandle, id, cmd, payload)
	if err != nil {
		r.log.Errorf("BUG: failed to queue %v cell: %v", cmd, err)
		r.glue.Bug("relay")
		return
	}
	r.glue.CellQueues().Enqueue(qc)
	r.glue.Scheduler().OnCellQueued(chanHandle)
	r.shedOverCeiling()
}

// sendDestroy emits a DESTROY ahead of any queued traffic.
func (r *Router) sendDestroy(chanHandle uint64, id cell.CircID, reason cell.DestroyReason) {
	if r.glue.Channels().SendControl(chanHandle, cell.Destroy, id, []byte{byte(reason)}) {
		instrument.DestroySent(reason.String())
	}
}

// shedOverCeiling closes whole circuits, oldest queued cell first,
// until buffered cell memory is back under the configured ceiling.
func (r *Router) shedOverCeiling() {
	highwater := r.glue.Config().Debug.CellQueueHighwaterBytes
	if highwater == 0 {
		return
	}
	q := r.glue.CellQueues()
	for q.TotalBytes() > highwater {
		key, ok := q.OldestKey()
		if !ok {
			return
		}
		e, _, ok := r.store.Find(circuit.Key{Chan: key.Chan, ID: key.Circ})
		if !ok {
			// A queue with no circuit behind it, just drop it.
			cells, _ := q.Drop(key)
			instrument.OOMCellsShed(cells)
			continue
		}
		r.log.Warningf("Cell memory over %d bytes, shedding circuit %d", highwater, e.Handle)
		shed := r.removeCircuit(e, cell.DestroyResourceLimit, notifyPrev|notifyNext)
		instrument.OOMCellsShed(shed)
	}
}

// removeCircuit tears a circuit out of the store: queued cells are
// dropped, DESTROYs go out on the sides notify names, streams and
// waiters are failed.  It returns the number of dropped queued cells.
func (r *Router) removeCircuit(e *circuit.Entry, reason cell.DestroyReason, notify notifyMask) int {
	dropped := 0
	drop := func(chanHandle uint64, id cell.CircID, mask notifyMask, wireReason cell.DestroyReason) {
		if chanHandle == 0 {
			return
		}
		cells, _ := r.glue.CellQueues().Drop(cellq.CircKey{Chan: chanHandle, Circ: id})
		dropped += cells
		if notify&mask != 0 {
			r.sendDestroy(chanHandle, id, wireReason)
		}
		r.glue.Channels().DecCircuits(chanHandle)
	}

	switch c := e.Circ.(type) {
	case *origin:
		// Origin sides send NONE on the wire regardless of the local
		// reason, leaking nothing about why the client gave up.
		drop(c.Chan, c.ID, notifyPrev, cell.DestroyNone)
		c.State = circuit.StateClosing
		r.reapOrigin(c, &CircuitError{Reason: reason})
	case *forwarding:
		drop(c.PrevChan, c.PrevID, notifyPrev, reason)
		drop(c.NextChan, c.NextID, notifyNext, reason)
		c.State = circuit.StateClosing
		for id, s := range c.streams {
			delete(c.streams, id)
			if s.edge != nil {
				s.edge.close(false)
			}
		}
	}

	r.store.Remove(e)
	instrument.CircuitDestroyed()
	instrument.SetActiveCircuits(r.store.Len())
	return dropped
}

// reapOrigin fails every waiter parked on an origin circuit.
func (r *Router) reapOrigin(c *origin, err error) {
	r.failBuild(c, err)
	for id, s := range c.streams {
		delete(c.streams, id)
		r.signalStreamClosed(s, cell.EndDestroy)
	}
	for id, w := range c.resolves {
		delete(c.resolves, id)
		w.doneCh <- &resolveResult{err: err}
	}
}

// failBuild signals a pending build waiter, if any.
func (r *Router) failBuild(c *origin, err error) {
	if c.build == nil {
		return
	}
	c.build.doneCh <- &buildResult{handle: c.entry.Handle, err: err}
	c.build = nil
}

func (r *Router) housekeeping() {
	now := monotime.Now()
	for _, e := range r.store.Entries() {
		switch c := e.Circ.(type) {
		case *origin:
			r.originHousekeeping(e, c, now)
		case *forwarding:
			if c.extend != nil && now > c.extend.deadline {
				r.log.Debugf("Circuit %d: extend timed out", e.Handle)
				r.extendFailed(e, c, cell.DestroyTimeout)
			}
		}
	}
	r.store.SweepTombstones(tombstoneMaxAge)
	instrument.SetActiveCircuits(r.store.Len())
	instrument.SetCellQueueBytes(r.glue.CellQueues().TotalBytes())
}

func (r *Router) originHousekeeping(e *circuit.Entry, c *origin, now time.Duration) {
	switch c.State {
	case circuit.StateBuilding:
		if now > c.BuildDeadline {
			// Keep building for the estimator's benefit, but the
			// waiter is done here.
			r.log.Debugf("Circuit %d: build deadline passed, measuring", e.Handle)
			c.State = circuit.StateMeasuring
			c.measureDeadline = now + measureGrace
			r.failBuild(c, ErrBuildTimeout)
		}
	case circuit.StateMeasuring:
		if now > c.measureDeadline {
			r.removeCircuit(e, cell.DestroyTimeout, notifyPrev)
			return
		}
	}

	for id, s := range c.streams {
		if s.state == streamConnecting && now > s.connectDeadline {
			r.log.Debugf("Circuit %d: stream %d connect timed out", e.Handle, id)
			r.packageEnd(c, s.id, cell.EndTimeout)
			delete(c.streams, id)
			r.signalStreamClosed(s, cell.EndTimeout)
		}
	}
	for id, w := range c.resolves {
		if now > w.deadline {
			delete(c.resolves, id)
			w.doneCh <- &resolveResult{err: &StreamError{Reason: cell.EndTimeout}}
		}
	}
}

func (r *Router) listCircuits() []glue.CircuitInfo {
	now := monotime.Now()
	entries := r.store.Entries()
	infos := make([]glue.CircuitInfo, 0, len(entries))
	for _, e := range entries {
		info := glue.CircuitInfo{Handle: e.Handle}
		switch c := e.Circ.(type) {
		case *origin:
			info.Channel, info.CircID = c.Chan, c.ID
			info.Origin = true
			info.State = c.State.String()
			info.Streams = len(c.streams)
			info.Age = now - c.CreatedAt
		case *forwarding:
			info.Channel, info.CircID = c.PrevChan, c.PrevID
			info.State = c.State.String()
			info.Streams = len(c.streams)
			info.Age = now - c.CreatedAt
		}
		infos = append(infos, info)
	}
	return infos
}

func (r *Router) opCloseCircuit(handle uint64, reason cell.DestroyReason) bool {
	e, ok := r.store.ByHandle(handle)
	if !ok {
		return false
	}
	r.log.Noticef("Operator close of circuit %d: %v", handle, reason)
	r.removeCircuit(e, reason, notifyPrev|notifyNext)
	return true
}
