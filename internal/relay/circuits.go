// circuits.go - Circuit level cell handling.
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
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/circuit"
	"github.com/allium/allium/internal/constants"
	"github.com/allium/allium/internal/cryptoworker"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

// origin is an origin circuit plus its client side runtime state.
type origin struct {
	*circuit.Origin

	entry *circuit.Entry

	// build is the waiter parked on the circuit's construction, nil
	// once answered.
	build           *buildReq
	measureDeadline time.Duration

	streams  map[cell.StreamID]*stream
	resolves map[cell.StreamID]*resolveWaiter
}

type resolveWaiter struct {
	hop      int
	doneCh   chan *resolveResult
	deadline time.Duration
}

// forwarding is a relay side circuit plus its exit runtime state.
type forwarding struct {
	*circuit.Forwarding

	entry *circuit.Entry

	extend  *pendingExtend
	streams map[cell.StreamID]*stream
}

// pendingExtend is an EXTEND2 being serviced: the packed CREATE2 waits
// for a channel to the next hop, then for its CREATED2.
type pendingExtend struct {
	addr     string
	peerID   [hash.HashSize]byte
	create   []byte
	deadline time.Duration
	sent     bool
}

func newOrigin(path []circuit.HopSpec, relayEarlyBudget int, buildTimeout time.Duration) *origin {
	return &origin{
		Origin:   circuit.NewOrigin(path, relayEarlyBudget, buildTimeout),
		streams:  make(map[cell.StreamID]*stream),
		resolves: make(map[cell.StreamID]*resolveWaiter),
	}
}

func newForwarding(layer *onion.Layer, prevChan uint64, prevID cell.CircID) *forwarding {
	return &forwarding{
		Forwarding: circuit.NewForwarding(layer, prevChan, prevID),
		streams:    make(map[cell.StreamID]*stream),
	}
}

// relayPayload builds a relay payload for a body the caller sized.
func (r *Router) relayPayload(cmd cell.RelayCommand, id cell.StreamID, body []byte) ([]byte, bool) {
	payload, err := cell.NewRelayPayload(cmd, id, body)
	if err != nil {
		r.log.Errorf("BUG: relay body overflow for %v: %v", cmd, err)
		r.glue.Bug("relay")
		return nil, false
	}
	return payload, true
}

func (r *Router) onCell(ev *cellEvent) {
	k := circuit.Key{Chan: ev.chanHandle, ID: ev.c.CircID}
	e, side, ok := r.store.Find(k)
	if !ok {
		r.onUnknownCirc(ev, k)
		return
	}
	switch c := e.Circ.(type) {
	case *origin:
		r.onOriginCell(e, c, ev)
	case *forwarding:
		r.onForwardingCell(e, c, side, ev)
	}
}

// onUnknownCirc handles cells on (channel, circuit id) pairs with no
// circuit behind them: CREATEs make circuits, everything else draws a
// single DESTROY and then silence.
func (r *Router) onUnknownCirc(ev *cellEvent, k circuit.Key) {
	switch ev.c.Cmd {
	case cell.Create2:
		r.onCreate2(ev, k)
	case cell.CreateFast:
		r.onCreateFast(ev, k)
	case cell.Create:
		// The v1 TAP handshake stays refused.
		r.log.Infof("Refusing CREATE (v1) on %d:%d", k.Chan, k.ID)
		r.sendDestroy(k.Chan, k.ID, cell.DestroyProtocol)
		r.store.NoteDestroyed(k)
	case cell.Destroy:
		// Never answer a DESTROY, that way lie reply storms.
		r.store.NoteDestroyed(k)
	default:
		if r.store.WasDestroyed(k) {
			instrument.CellDropped()
			return
		}
		r.log.Debugf("%v cell on unknown circuit %d:%d", ev.c.Cmd, k.Chan, k.ID)
		r.sendDestroy(k.Chan, k.ID, cell.DestroyNone)
		r.store.NoteDestroyed(k)
	}
}

// adoptForwarding stores a fresh forwarding circuit bound on its
// previous side.
func (r *Router) adoptForwarding(fc *forwarding, k circuit.Key) bool {
	e := r.store.Insert(fc)
	fc.entry = e
	if err := r.store.Bind(e, circuit.SidePrev, k); err != nil {
		// Find said the key was free a moment ago.
		r.log.Errorf("BUG: failed to bind fresh circuit %d:%d: %v", k.Chan, k.ID, err)
		r.glue.Bug("relay")
		r.store.Remove(e)
		return false
	}
	r.glue.Channels().IncCircuits(k.Chan)
	instrument.SetActiveCircuits(r.store.Len())
	return true
}

func (r *Router) onCreate2(ev *cellEvent, k circuit.Key) {
	c2, err := cell.ParseCreate2(ev.c.Payload)
	if err != nil {
		r.log.Infof("Malformed CREATE2 on %d:%d: %v", k.Chan, k.ID, err)
		r.sendDestroy(k.Chan, k.ID, cell.DestroyProtocol)
		r.store.NoteDestroyed(k)
		return
	}
	if c2.HandshakeType != cell.HandshakeNtor {
		r.log.Infof("Refusing CREATE2 handshake type %d on %d:%d", c2.HandshakeType, k.Chan, k.ID)
		r.sendDestroy(k.Chan, k.ID, cell.DestroyProtocol)
		r.store.NoteDestroyed(k)
		return
	}

	fc := newForwarding(nil, k.Chan, k.ID)
	fc.State = circuit.StateBuilding
	if !r.adoptForwarding(fc, k) {
		return
	}
	r.onionskins <- &cryptoworker.Request{
		Chan:      k.Chan,
		ID:        k.ID,
		Onionskin: c2.HandshakeData,
		RecvAt:    ev.recvAt,
	}
}

// onCreateFast services the first hop creation handshake that derives
// keys without asymmetric crypto.
func (r *Router) onCreateFast(ev *cellEvent, k circuit.Key) {
	x, err := cell.ParseCreateFast(ev.c.Payload)
	if err != nil {
		r.log.Infof("Malformed CREATE_FAST on %d:%d: %v", k.Chan, k.ID, err)
		r.sendDestroy(k.Chan, k.ID, cell.DestroyProtocol)
		r.store.NoteDestroyed(k)
		return
	}
	y := make([]byte, cell.CreateFastKeyLen)
	if _, err = io.ReadFull(rand.Reader, y); err != nil {
		r.log.Errorf("BUG: entropy: %v", err)
		r.glue.Bug("relay")
		return
	}
	k0 := make([]byte, 0, 2*cell.CreateFastKeyLen)
	k0 = append(k0, x...)
	k0 = append(k0, y...)
	km := onion.KdfTor(k0, onion.DigestLen+onion.KeyMaterialLen)
	keys, err := onion.KeysFromBytes(km[onion.DigestLen:])
	if err != nil {
		r.log.Errorf("BUG: KDF-TOR output: %v", err)
		r.glue.Bug("relay")
		return
	}

	fc := newForwarding(onion.NewLayer(keys), k.Chan, k.ID)
	if !r.adoptForwarding(fc, k) {
		return
	}
	reply, err := cell.PackCreatedFast(y, km[:onion.DigestLen])
	if err != nil {
		r.log.Errorf("BUG: CREATED_FAST reply: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(fc.entry, cell.DestroyInternal, notifyPrev)
		return
	}
	r.glue.Channels().SendControl(k.Chan, cell.CreatedFast, k.ID, reply)
	instrument.CircuitCreated()
}

// onCreatedEvent finishes a responder CREATE2 whose handshake the
// worker pool just completed.
func (r *Router) onCreatedEvent(ev *createdEvent) {
	k := circuit.Key{Chan: ev.chanHandle, ID: ev.id}
	e, _, ok := r.store.Find(k)
	if !ok {
		// Destroyed while the handshake was in flight.
		r.log.Debugf("Discarding handshake result for gone circuit %d:%d", k.Chan, k.ID)
		return
	}
	fc, ok := e.Circ.(*forwarding)
	if !ok || fc.State != circuit.StateBuilding || fc.Layer != nil {
		r.log.Errorf("BUG: handshake result for non-pending circuit %d:%d", k.Chan, k.ID)
		r.glue.Bug("relay")
		return
	}
	if ev.err != nil {
		reason := cell.DestroyProtocol
		if errors.Is(ev.err, cryptoworker.ErrStale) {
			reason = cell.DestroyResourceLimit
		}
		r.removeCircuit(e, reason, notifyPrev)
		return
	}
	payload, err := cell.PackCreated2(ev.reply)
	if err != nil {
		r.log.Errorf("BUG: oversized CREATED2 reply: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	fc.Layer = ev.layer
	fc.State = circuit.StateOpen
	r.glue.Channels().SendControl(fc.PrevChan, cell.Created2, fc.PrevID, payload)
	instrument.CircuitCreated()
}

// closeOriginProtocol tears down an origin circuit on a protocol
// violation by a hop.
func (r *Router) closeOriginProtocol(e *circuit.Entry, why string) {
	r.log.Infof("Closing circuit %d: %s", e.Handle, why)
	r.removeCircuit(e, cell.DestroyProtocol, notifyPrev)
}

func (r *Router) closeForwardingProtocol(e *circuit.Entry, why string) {
	r.log.Infof("Closing circuit %d: %s", e.Handle, why)
	r.removeCircuit(e, cell.DestroyProtocol, notifyPrev|notifyNext)
}

func (r *Router) onOriginCell(e *circuit.Entry, c *origin, ev *cellEvent) {
	switch ev.c.Cmd {
	case cell.Destroy:
		reason := cell.DestroyReason(ev.c.Payload[0])
		r.log.Infof("Circuit %d destroyed by first hop: %v", e.Handle, reason)
		r.removeCircuit(e, reason, 0)
	case cell.Created2:
		r.onOriginCreated2(e, c, ev)
	case cell.Relay:
		r.onOriginRelay(e, c, ev)
	case cell.RelayEarly:
		// Only the origin direction may carry RELAY_EARLY.
		r.closeOriginProtocol(e, "RELAY_EARLY toward origin")
	default:
		r.closeOriginProtocol(e, fmt.Sprintf("unexpected %v", ev.c.Cmd))
	}
}

func (r *Router) onOriginCreated2(e *circuit.Entry, c *origin, ev *cellEvent) {
	building := c.State == circuit.StateBuilding || c.State == circuit.StateMeasuring
	if !building || c.Pending == nil || len(c.Hops) != 0 {
		r.closeOriginProtocol(e, "unexpected CREATED2")
		return
	}
	reply, err := cell.ParseCreated2(ev.c.Payload)
	if err != nil {
		r.closeOriginProtocol(e, fmt.Sprintf("malformed CREATED2: %v", err))
		return
	}
	r.finishHop(e, c, reply)
}

// finishHop completes the pending handshake with the reply carried by
// a CREATED2 or EXTENDED2, keying one more hop.
func (r *Router) finishHop(e *circuit.Entry, c *origin, reply []byte) {
	km, err := c.Pending.Finish(reply, onion.KeyMaterialLen)
	c.Pending = nil
	if err != nil {
		r.closeOriginProtocol(e, fmt.Sprintf("handshake failed: %v", err))
		return
	}
	keys, err := onion.KeysFromBytes(km)
	if err != nil {
		r.log.Errorf("BUG: bad key material length: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	c.Hops = append(c.Hops, onion.NewLayer(keys))
	if len(c.Hops) < len(c.Path) {
		r.sendExtend(e, c)
		return
	}
	r.buildDone(e, c)
}

// sendExtend fires the next build step through the hops established so
// far.
func (r *Router) sendExtend(e *circuit.Entry, c *origin) {
	next := c.Path[len(c.Hops)]
	addrSpec, err := cell.NewAddrSpec(next.Addr)
	if err != nil {
		r.failBuild(c, fmt.Errorf("relay: bad next hop address %q: %v", next.Addr, err))
		r.removeCircuit(e, cell.DestroyNone, notifyPrev)
		return
	}
	hs, err := ntor.NewClientHandshake(rand.Reader, ntor.NewNodeID(next.Identity), next.OnionKey)
	if err != nil {
		r.log.Errorf("BUG: client handshake: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	e2 := &cell.Extend2{
		Specs: []cell.LinkSpec{
			addrSpec,
			{Type: cell.LinkSpecEd25519, Data: next.Identity[:]},
		},
		HandshakeType: cell.HandshakeNtor,
		HandshakeData: hs.Onionskin(),
	}
	body, err := e2.Pack()
	if err != nil {
		r.log.Errorf("BUG: EXTEND2 overflow: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	payload, ok := r.relayPayload(cell.RelayExtend2, 0, body)
	if !ok {
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	c.Pending = hs
	r.packageCell(e, c, cell.RelayEarly, len(c.Hops)-1, payload)
}

// buildDone finishes a circuit whose last handshake just completed.
// Its build time feeds the estimator even when nobody wants the
// circuit anymore.
func (r *Router) buildDone(e *circuit.Entry, c *origin) {
	sample := monotime.Now() - c.CreatedAt
	r.glue.BuildTimes().AddSample(sample)
	switch c.State {
	case circuit.StateBuilding:
		r.log.Debugf("Circuit %d open after %v", e.Handle, sample)
		c.State = circuit.StateOpen
		if c.build != nil {
			c.build.doneCh <- &buildResult{handle: e.Handle}
			c.build = nil
		}
	case circuit.StateMeasuring:
		r.log.Debugf("Measurement circuit %d finished in %v", e.Handle, sample)
		r.removeCircuit(e, cell.DestroyTimeout, notifyPrev)
	default:
		r.log.Errorf("BUG: build completion in state %v", c.State)
		r.glue.Bug("relay")
	}
}

// packageCell onion encrypts a relay payload for the given hop and
// queues it on the first hop channel.  RELAY_EARLY emission draws down
// the circuit's budget.
func (r *Router) packageCell(e *circuit.Entry, c *origin, cmd cell.Command, hop int, payload []byte) bool {
	if cmd == cell.RelayEarly {
		if c.RelayEarlyRemaining <= 0 {
			r.log.Infof("Closing circuit %d: RELAY_EARLY budget exhausted", e.Handle)
			r.removeCircuit(e, cell.DestroyProtocol, notifyPrev)
			return false
		}
		c.RelayEarlyRemaining--
	}
	if err := onion.PackageForward(c.Hops, hop, payload); err != nil {
		r.log.Errorf("BUG: packaging for hop %d: %v", hop, err)
		r.glue.Bug("relay")
		return false
	}
	r.sendRelay(c.Chan, c.ID, cmd, payload)
	return true
}

func (r *Router) onOriginRelay(e *circuit.Entry, c *origin, ev *cellEvent) {
	hop, ok := onion.RecognizeBackward(c.Hops, ev.c.Payload)
	if !ok {
		// Unrecognized after every layer: noise.
		r.log.Debugf("Dropping unrecognized cell on circuit %d", e.Handle)
		instrument.CellDropped()
		return
	}
	h, err := cell.ParseRelayHeader(ev.c.Payload)
	if err != nil {
		r.closeOriginProtocol(e, fmt.Sprintf("malformed relay cell: %v", err))
		return
	}
	body := cell.RelayBody(ev.c.Payload, h)

	switch h.Cmd {
	case cell.RelayExtended2:
		r.onOriginExtended2(e, c, hop, h, body)
	case cell.RelayData:
		r.onOriginData(e, c, hop, h, body)
	case cell.RelayConnected:
		r.onOriginConnected(e, c, h, body)
	case cell.RelayEnd:
		r.onOriginEnd(c, h, body)
	case cell.RelaySendme:
		if h.StreamID == 0 {
			r.onOriginCircSendme(e, c, body)
		} else {
			r.onOriginStreamSendme(e, c, h.StreamID)
		}
	case cell.RelayTruncated:
		r.onOriginTruncated(e, c, hop, body)
	case cell.RelayResolved:
		r.onOriginResolved(c, h.StreamID, body)
	case cell.RelayDrop:
		// Padding.
	default:
		r.closeOriginProtocol(e, fmt.Sprintf("unexpected %v from hop %d", h.Cmd, hop))
	}
}

func (r *Router) onOriginExtended2(e *circuit.Entry, c *origin, hop int, h *cell.RelayHeader, body []byte) {
	if c.Pending == nil || hop != len(c.Hops)-1 || h.StreamID != 0 {
		r.closeOriginProtocol(e, "unexpected EXTENDED2")
		return
	}
	reply, err := cell.ParseCreated2(body)
	if err != nil {
		r.closeOriginProtocol(e, fmt.Sprintf("malformed EXTENDED2: %v", err))
		return
	}
	r.finishHop(e, c, reply)
}

func (r *Router) onOriginCircSendme(e *circuit.Entry, c *origin, body []byte) {
	version, digest, err := cell.ParseSendme(body)
	if err != nil || int(version) != r.glue.Config().Debug.SendmeEmitVersion {
		r.closeOriginProtocol(e, "malformed circuit SENDME")
		return
	}
	expect, ok := c.SendmeExpect.Pop()
	if !ok || subtle.ConstantTimeCompare(expect[:], digest) != 1 {
		r.closeOriginProtocol(e, "circuit SENDME digest mismatch")
		return
	}
	if !c.PackageWindow.Refill(constants.CircuitWindowIncrement) {
		r.closeOriginProtocol(e, "unsolicited circuit SENDME")
		return
	}
	r.pumpOriginStreams(c)
}

func (r *Router) onOriginStreamSendme(e *circuit.Entry, c *origin, id cell.StreamID) {
	s, ok := c.streams[id]
	if !ok {
		// Refill for a stream that already ended.
		return
	}
	if !s.packageWindow.Refill(constants.StreamWindowIncrement) {
		r.closeOriginProtocol(e, "unsolicited stream SENDME")
		return
	}
	r.pumpOriginStream(c, s)
}

func (r *Router) onOriginTruncated(e *circuit.Entry, c *origin, hop int, body []byte) {
	reason := cell.DestroyNone
	if len(body) > 0 {
		reason = cell.DestroyReason(body[0])
	}
	r.log.Infof("Circuit %d truncated at hop %d: %v", e.Handle, hop, reason)
	if c.Pending != nil || c.State != circuit.StateOpen {
		// The path will never finish, give up on the whole circuit.
		r.failBuild(c, &CircuitError{Reason: reason})
		r.removeCircuit(e, reason, notifyPrev)
		return
	}

	// Drop the hops beyond the truncation point and everything that
	// exited through them.
	c.Hops = c.Hops[:hop+1]
	for id, s := range c.streams {
		if s.hop > hop {
			delete(c.streams, id)
			r.signalStreamClosed(s, cell.EndDestroy)
		}
	}
	for id, w := range c.resolves {
		if w.hop > hop {
			delete(c.resolves, id)
			w.doneCh <- &resolveResult{err: &StreamError{Reason: cell.EndDestroy}}
		}
	}
}

func (r *Router) onForwardingCell(e *circuit.Entry, c *forwarding, side circuit.Side, ev *cellEvent) {
	switch ev.c.Cmd {
	case cell.Destroy:
		reason := cell.DestroyReason(ev.c.Payload[0])
		r.log.Debugf("Circuit %d destroyed from %v: %v", e.Handle, side, reason)
		if side == circuit.SideNext && c.extend != nil {
			// The next hop refused the extend.  The circuit up to
			// here survives and the origin hears TRUNCATED.
			r.dropNextSide(e, c, false, 0)
			r.truncatedToOrigin(c, reason)
			return
		}
		mask := notifyNext
		if side == circuit.SideNext {
			mask = notifyPrev
		}
		r.removeCircuit(e, reason, mask)
	case cell.Created2:
		r.onNextCreated2(e, c, side, ev)
	case cell.Relay, cell.RelayEarly:
		r.onForwardingRelay(e, c, side, ev)
	default:
		r.closeForwardingProtocol(e, fmt.Sprintf("unexpected %v", ev.c.Cmd))
	}
}

// dropNextSide releases the next hop attachment, optionally telling it
// why.
func (r *Router) dropNextSide(e *circuit.Entry, c *forwarding, notify bool, reason cell.DestroyReason) {
	if c.NextChan != 0 {
		r.glue.CellQueues().Drop(cellq.CircKey{Chan: c.NextChan, Circ: c.NextID})
		if notify {
			r.sendDestroy(c.NextChan, c.NextID, reason)
		}
		r.glue.Channels().DecCircuits(c.NextChan)
		r.store.Unbind(e, circuit.Key{Chan: c.NextChan, ID: c.NextID})
		c.NextChan, c.NextID = 0, 0
	}
	c.extend = nil
}

// truncatedToOrigin reports a failed or torn down next side to the
// origin, keeping the circuit up to this hop alive.
func (r *Router) truncatedToOrigin(c *forwarding, reason cell.DestroyReason) {
	payload, ok := r.relayPayload(cell.RelayTruncated, 0, []byte{byte(reason)})
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
}

// extendFailed gives up on a pending extend and reports it upstream.
func (r *Router) extendFailed(e *circuit.Entry, c *forwarding, reason cell.DestroyReason) {
	if c.extend == nil {
		return
	}
	r.dropNextSide(e, c, true, reason)
	r.truncatedToOrigin(c, reason)
}

func (r *Router) onNextCreated2(e *circuit.Entry, c *forwarding, side circuit.Side, ev *cellEvent) {
	if side != circuit.SideNext || c.extend == nil || !c.extend.sent {
		r.closeForwardingProtocol(e, "unexpected CREATED2")
		return
	}
	c.extend = nil
	reply, err := cell.ParseCreated2(ev.c.Payload)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("malformed CREATED2 from next hop: %v", err))
		return
	}
	eb, err := cell.PackExtended2(reply)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("oversized CREATED2 from next hop: %v", err))
		return
	}
	payload, ok := r.relayPayload(cell.RelayExtended2, 0, eb)
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
}

func (r *Router) onForwardingRelay(e *circuit.Entry, c *forwarding, side circuit.Side, ev *cellEvent) {
	if c.State == circuit.StateBuilding {
		// No keys yet, nothing the previous hop sends can be valid.
		r.log.Debugf("Dropping %v on building circuit %d", ev.c.Cmd, e.Handle)
		instrument.CellDropped()
		return
	}
	if side == circuit.SideNext {
		if ev.c.Cmd == cell.RelayEarly {
			r.closeForwardingProtocol(e, "RELAY_EARLY toward origin")
			return
		}
		// Toward the origin: add our layer and pass it along.
		c.Layer.WrapBackward(ev.c.Payload)
		r.sendRelay(c.PrevChan, c.PrevID, ev.c.Cmd, ev.c.Payload)
		return
	}
	if ev.c.Cmd == cell.RelayEarly {
		c.RelayEarlySeen++
		if c.RelayEarlySeen > r.glue.Config().Debug.RelayEarlyBudget {
			r.closeForwardingProtocol(e, "RELAY_EARLY budget exceeded")
			return
		}
	}
	recognized, err := c.Layer.UnwrapForward(ev.c.Payload)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("bad relay payload: %v", err))
		return
	}
	if !recognized {
		if c.NextChan == 0 {
			r.closeForwardingProtocol(e, "unrecognized cell at last hop")
			return
		}
		r.sendRelay(c.NextChan, c.NextID, ev.c.Cmd, ev.c.Payload)
		return
	}
	r.onExitRelay(e, c, ev)
}

// onExitRelay handles a relay cell recognized at this hop.
func (r *Router) onExitRelay(e *circuit.Entry, c *forwarding, ev *cellEvent) {
	h, err := cell.ParseRelayHeader(ev.c.Payload)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("malformed relay cell: %v", err))
		return
	}
	body := cell.RelayBody(ev.c.Payload, h)

	switch h.Cmd {
	case cell.RelayExtend2:
		r.onExtend2(e, c, ev.c.Cmd, h, body)
	case cell.RelayExtend:
		r.closeForwardingProtocol(e, "EXTEND (v1) refused")
	case cell.RelayBegin:
		r.onExitBegin(e, c, h, body)
	case cell.RelayBeginDir:
		r.onExitBeginDir(e, c, h)
	case cell.RelayData:
		r.onExitData(e, c, h, body)
	case cell.RelayEnd:
		r.onExitEnd(c, h, body)
	case cell.RelaySendme:
		if h.StreamID == 0 {
			r.onExitCircSendme(e, c, body)
		} else {
			r.onExitStreamSendme(e, c, h.StreamID)
		}
	case cell.RelayResolve:
		r.onExitResolve(e, c, h, body)
	case cell.RelayTruncate:
		r.onTruncate(e, c)
	case cell.RelayDrop:
		// Padding.
	default:
		r.closeForwardingProtocol(e, fmt.Sprintf("unexpected %v from origin", h.Cmd))
	}
}

func (r *Router) onExtend2(e *circuit.Entry, c *forwarding, cmd cell.Command, h *cell.RelayHeader, body []byte) {
	c.ExtendCount++
	if c.ExtendCount > constants.MaxCircuitHops {
		r.closeForwardingProtocol(e, "too many EXTENDs")
		return
	}
	if cmd != cell.RelayEarly {
		r.closeForwardingProtocol(e, "EXTEND2 outside RELAY_EARLY")
		return
	}
	if h.StreamID != 0 || c.NextChan != 0 || c.extend != nil {
		r.closeForwardingProtocol(e, "unexpected EXTEND2")
		return
	}
	e2, err := cell.ParseExtend2(body)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("malformed EXTEND2: %v", err))
		return
	}
	if e2.HandshakeType != cell.HandshakeNtor {
		r.closeForwardingProtocol(e, fmt.Sprintf("EXTEND2 handshake type %d", e2.HandshakeType))
		return
	}
	var addr string
	var peerID [hash.HashSize]byte
	var haveAddr, haveID bool
	for _, spec := range e2.Specs {
		if a, ok := spec.Addr(); ok && !haveAddr {
			addr, haveAddr = a, true
		}
		if spec.Type == cell.LinkSpecEd25519 && len(spec.Data) == hash.HashSize && !haveID {
			copy(peerID[:], spec.Data)
			haveID = true
		}
	}
	if !haveAddr || !haveID {
		r.closeForwardingProtocol(e, "EXTEND2 without address and identity")
		return
	}
	create, err := (&cell.Create2{HandshakeType: cell.HandshakeNtor, HandshakeData: e2.HandshakeData}).Pack()
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("oversized EXTEND2 handshake: %v", err))
		return
	}
	c.extend = &pendingExtend{
		addr:     addr,
		peerID:   peerID,
		create:   create,
		deadline: monotime.Now() + extendTimeout,
	}
	if info, ok := r.channelToPeer(fmt.Sprintf("%x", peerID[:])); ok {
		r.extendChannelReady(e, c, info)
		return
	}
	r.requestChannel(addr, &peerID, e.Handle)
}

// extendChannelReady attaches the next side on a now open channel and
// sends the held CREATE2.
func (r *Router) extendChannelReady(e *circuit.Entry, c *forwarding, info glue.ChannelInfo) {
	if c.extend == nil || c.extend.sent {
		return
	}
	id, err := r.attach(e, circuit.SideNext, info)
	if err != nil {
		r.log.Infof("Circuit %d: next side attach failed: %v", e.Handle, err)
		c.extend = nil
		r.truncatedToOrigin(c, cell.DestroyResourceLimit)
		return
	}
	c.NextChan, c.NextID = info.Handle, id
	c.extend.sent = true
	r.glue.Channels().SendControl(c.NextChan, cell.Create2, c.NextID, c.extend.create)
	c.extend.create = nil
}

func (r *Router) onTruncate(e *circuit.Entry, c *forwarding) {
	r.log.Debugf("Circuit %d truncated by origin", e.Handle)
	r.dropNextSide(e, c, true, cell.DestroyRequested)
	r.truncatedToOrigin(c, cell.DestroyRequested)
}

func (r *Router) onExitCircSendme(e *circuit.Entry, c *forwarding, body []byte) {
	version, digest, err := cell.ParseSendme(body)
	if err != nil || int(version) != r.glue.Config().Debug.SendmeEmitVersion {
		r.closeForwardingProtocol(e, "malformed circuit SENDME")
		return
	}
	expect, ok := c.SendmeExpect.Pop()
	if !ok || subtle.ConstantTimeCompare(expect[:], digest) != 1 {
		r.closeForwardingProtocol(e, "circuit SENDME digest mismatch")
		return
	}
	if !c.PackageWindow.Refill(constants.CircuitWindowIncrement) {
		r.closeForwardingProtocol(e, "unsolicited circuit SENDME")
		return
	}
	r.pumpExitStreams(c)
}

func (r *Router) onExitStreamSendme(e *circuit.Entry, c *forwarding, id cell.StreamID) {
	s, ok := c.streams[id]
	if !ok {
		return
	}
	if !s.packageWindow.Refill(constants.StreamWindowIncrement) {
		r.closeForwardingProtocol(e, "unsolicited stream SENDME")
		return
	}
	r.pumpExitStream(c, s)
}

// onBuildReq starts building an origin circuit along the requested
// path.
func (r *Router) onBuildReq(req *buildReq) {
	if len(req.path) == 0 || len(req.path) > constants.MaxCircuitHops {
		req.doneCh <- &buildResult{err: fmt.Errorf("relay: path of %d hops", len(req.path))}
		return
	}
	c := newOrigin(req.path, r.glue.Config().Debug.RelayEarlyBudget, r.glue.BuildTimes().Timeout())
	c.build = req
	e := r.store.Insert(c)
	c.entry = e
	instrument.SetActiveCircuits(r.store.Len())

	first := req.path[0]
	if info, ok := r.channelToPeer(fmt.Sprintf("%x", first.Identity[:])); ok {
		r.originChannelReady(e, c, info)
		return
	}
	id := first.Identity
	r.requestChannel(first.Addr, &id, e.Handle)
}

// originChannelReady attaches a parked origin circuit to its first hop
// channel and fires the CREATE2.
func (r *Router) originChannelReady(e *circuit.Entry, c *origin, info glue.ChannelInfo) {
	if c.Chan != 0 || c.Pending != nil {
		return
	}
	id, err := r.attach(e, circuit.SidePrev, info)
	if err != nil {
		r.failBuild(c, fmt.Errorf("relay: first hop channel saturated: %v", err))
		r.removeCircuit(e, cell.DestroyNone, 0)
		return
	}
	c.Chan, c.ID = info.Handle, id

	first := c.Path[0]
	hs, err := ntor.NewClientHandshake(rand.Reader, ntor.NewNodeID(first.Identity), first.OnionKey)
	if err != nil {
		r.log.Errorf("BUG: client handshake: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	c.Pending = hs
	payload, err := (&cell.Create2{HandshakeType: cell.HandshakeNtor, HandshakeData: hs.Onionskin()}).Pack()
	if err != nil {
		r.log.Errorf("BUG: CREATE2 overflow: %v", err)
		r.glue.Bug("relay")
		r.removeCircuit(e, cell.DestroyInternal, notifyPrev)
		return
	}
	r.glue.Channels().SendControl(c.Chan, cell.Create2, c.ID, payload)
}
