// streams.go - Stream level relay handling.
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
	"fmt"
	"net"
	"time"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/circuit"
	"github.com/allium/allium/internal/constants"
	"github.com/allium/allium/internal/instrument"
)

const (
	// streamBacklogMax bounds buffered inbound data per stream.  The
	// deliver window caps the peer at StreamWindowStart outstanding
	// cells and the gated SENDME can land at most two increments late.
	streamBacklogMax = constants.StreamWindowStart + 2*constants.StreamWindowIncrement

	// streamSendmeBacklog is the edge side backlog above which stream
	// level SENDMEs are withheld.
	streamSendmeBacklog = constants.StreamWindowIncrement

	// resolvedTTL is the TTL stamped on CONNECTED and RESOLVED
	// answers.  The system resolver does not surface record TTLs.
	resolvedTTL = 300
)

type streamState int

const (
	streamConnecting streamState = iota
	streamOpen
)

// stream is the per stream state owned by the router worker.  Origin
// side streams bridge to a Stream facade, exit side streams to an
// edgeConn socket pump.
type stream struct {
	id    cell.StreamID
	state streamState

	// hop is the index of the hop the stream exits at.
	hop    int
	target string
	remote string

	packageWindow circuit.Window
	deliverWindow circuit.Window

	// txbuf holds bytes accepted for packaging but still waiting on
	// window space.
	txbuf  []byte
	txDone chan error

	// readCh delivers data cells to the facade's Read.
	readCh   chan []byte
	openDone chan *openResult

	connectDeadline time.Duration
	closedCh        chan struct{}
	endReason       cell.EndReason

	// Exit side only.
	edge   *edgeConn
	rxpend [][]byte
}

// backlog reports how much delivered data is still waiting on the
// consuming side.
func (s *stream) backlog() int {
	n := len(s.rxpend)
	if s.edge != nil {
		n += len(s.edge.wrCh)
	}
	if s.readCh != nil {
		n += len(s.readCh)
	}
	return n
}

// signalStreamClosed wakes everything parked on a stream facade.
func (r *Router) signalStreamClosed(s *stream, reason cell.EndReason) {
	s.endReason = reason
	if s.openDone != nil {
		s.openDone <- &openResult{err: &StreamError{Reason: reason}}
		s.openDone = nil
	}
	if s.txDone != nil {
		s.txDone <- &StreamError{Reason: reason}
		s.txDone = nil
	}
	if s.closedCh != nil {
		close(s.closedCh)
	}
}

// allocStreamID draws an unused nonzero stream ID.
func (r *Router) allocStreamID(c *origin) (cell.StreamID, bool) {
	for i := 0; i < 64; i++ {
		id := cell.StreamID(r.rng.Intn(0xffff) + 1)
		if _, ok := c.streams[id]; ok {
			continue
		}
		if _, ok := c.resolves[id]; ok {
			continue
		}
		return id, true
	}
	return 0, false
}

func (r *Router) originByHandle(h uint64) (*circuit.Entry, *origin, bool) {
	e, ok := r.store.ByHandle(h)
	if !ok {
		return nil, nil, false
	}
	c, ok := e.Circ.(*origin)
	if !ok {
		return nil, nil, false
	}
	return e, c, true
}

func (r *Router) forwardingByHandle(h uint64) (*circuit.Entry, *forwarding, bool) {
	e, ok := r.store.ByHandle(h)
	if !ok {
		return nil, nil, false
	}
	c, ok := e.Circ.(*forwarding)
	if !ok {
		return nil, nil, false
	}
	return e, c, true
}

// onOpenStreamReq services an OpenStream call from the facade.
func (r *Router) onOpenStreamReq(req *openStreamReq) {
	e, c, ok := r.originByHandle(req.circ)
	if !ok {
		req.doneCh <- &openResult{err: ErrNoSuchCircuit}
		return
	}
	if c.State != circuit.StateOpen {
		req.doneCh <- &openResult{err: fmt.Errorf("relay: circuit in state %v", c.State)}
		return
	}
	if len(c.streams) >= r.glue.Config().Debug.MaxStreamsPerCircuit {
		req.doneCh <- &openResult{err: &StreamError{Reason: cell.EndResourceLimit}}
		return
	}
	id, ok := r.allocStreamID(c)
	if !ok {
		req.doneCh <- &openResult{err: &StreamError{Reason: cell.EndResourceLimit}}
		return
	}
	body, err := cell.PackBegin(req.target, 0)
	if err != nil {
		req.doneCh <- &openResult{err: err}
		return
	}
	payload, ok := r.relayPayload(cell.RelayBegin, id, body)
	if !ok {
		req.doneCh <- &openResult{err: &StreamError{Reason: cell.EndInternal}}
		return
	}

	s := &stream{
		id:              id,
		state:           streamConnecting,
		hop:             len(c.Hops) - 1,
		target:          req.target,
		packageWindow:   circuit.NewWindow(constants.StreamWindowStart),
		deliverWindow:   circuit.NewWindow(constants.StreamWindowStart),
		readCh:          make(chan []byte, streamBacklogMax),
		openDone:        req.doneCh,
		connectDeadline: monotime.Now() + r.streamConnectTimeout(),
		closedCh:        make(chan struct{}),
	}
	c.streams[id] = s
	r.packageCell(e, c, cell.Relay, s.hop, payload)
}

func (r *Router) streamConnectTimeout() time.Duration {
	return time.Duration(r.glue.Config().Debug.StreamConnectTimeout) * time.Second
}

// onResolveReq packages a RELAY_RESOLVE toward the circuit's exit.
func (r *Router) onResolveReq(req *resolveReq) {
	e, c, ok := r.originByHandle(req.circ)
	if !ok {
		req.doneCh <- &resolveResult{err: ErrNoSuchCircuit}
		return
	}
	if c.State != circuit.StateOpen {
		req.doneCh <- &resolveResult{err: fmt.Errorf("relay: circuit in state %v", c.State)}
		return
	}
	id, ok := r.allocStreamID(c)
	if !ok {
		req.doneCh <- &resolveResult{err: &StreamError{Reason: cell.EndResourceLimit}}
		return
	}
	body, err := cell.PackResolve(req.name)
	if err != nil {
		req.doneCh <- &resolveResult{err: err}
		return
	}
	payload, ok := r.relayPayload(cell.RelayResolve, id, body)
	if !ok {
		req.doneCh <- &resolveResult{err: &StreamError{Reason: cell.EndInternal}}
		return
	}
	hop := len(c.Hops) - 1
	c.resolves[id] = &resolveWaiter{
		hop:      hop,
		doneCh:   req.doneCh,
		deadline: monotime.Now() + r.streamConnectTimeout(),
	}
	r.packageCell(e, c, cell.Relay, hop, payload)
}

// onStreamWrite accepts bytes from the facade's Write and starts
// packaging them.
func (r *Router) onStreamWrite(req *streamWriteReq) {
	_, c, ok := r.originByHandle(req.circ)
	if !ok {
		req.doneCh <- ErrNoSuchCircuit
		return
	}
	s, ok := c.streams[req.id]
	if !ok {
		req.doneCh <- &StreamError{Reason: cell.EndDone}
		return
	}
	if s.txDone != nil {
		// The facade serializes writes.
		r.log.Errorf("BUG: overlapping writes on stream %d", req.id)
		r.glue.Bug("relay")
		req.doneCh <- &StreamError{Reason: cell.EndInternal}
		return
	}
	s.txbuf = append(s.txbuf, req.data...)
	s.txDone = req.doneCh
	r.pumpOriginStream(c, s)
}

func (r *Router) onStreamClose(req *streamCloseReq) {
	_, c, ok := r.originByHandle(req.circ)
	if ok {
		if s, sok := c.streams[req.id]; sok {
			r.packageEnd(c, req.id, cell.EndDone)
			delete(c.streams, req.id)
			r.signalStreamClosed(s, cell.EndDone)
		}
	}
	req.doneCh <- struct{}{}
}

// onStreamDrained re-checks the gated stream SENDME after the facade
// consumed delivered data.
func (r *Router) onStreamDrained(ev *streamDrainedEvent) {
	e, c, ok := r.originByHandle(ev.circ)
	if !ok {
		return
	}
	if s, sok := c.streams[ev.id]; sok {
		r.considerStreamSendme(e, c, s)
	}
}

// packageEnd sends RELAY_END for a stream toward its exit.
func (r *Router) packageEnd(c *origin, id cell.StreamID, reason cell.EndReason) {
	hop := len(c.Hops) - 1
	if s, ok := c.streams[id]; ok {
		hop = s.hop
	}
	payload, ok := r.relayPayload(cell.RelayEnd, id, []byte{byte(reason)})
	if !ok {
		return
	}
	r.packageCell(c.entry, c, cell.Relay, hop, payload)
}

// pumpOriginStream packages buffered stream data while the circuit and
// stream windows allow, stamping the SENDME digest ledger on the way.
func (r *Router) pumpOriginStream(c *origin, s *stream) {
	for len(s.txbuf) > 0 && c.PackageWindow.Level() > 0 && s.packageWindow.Level() > 0 {
		n := len(s.txbuf)
		if n > cell.MaxRelayDataLen {
			n = cell.MaxRelayDataLen
		}
		payload, ok := r.relayPayload(cell.RelayData, s.id, s.txbuf[:n])
		if !ok {
			return
		}
		c.PackageWindow.Dec()
		s.packageWindow.Dec()
		if err := onion.PackageForward(c.Hops, s.hop, payload); err != nil {
			r.log.Errorf("BUG: packaging for hop %d: %v", s.hop, err)
			r.glue.Bug("relay")
			return
		}
		if c.PackageWindow.Level()%constants.CircuitWindowIncrement == 0 {
			c.SendmeExpect.Push(c.Hops[s.hop].FwdDigestSum())
		}
		r.sendRelay(c.Chan, c.ID, cell.Relay, payload)
		s.txbuf = s.txbuf[n:]
	}
	if len(s.txbuf) == 0 {
		s.txbuf = nil
		if s.txDone != nil {
			s.txDone <- nil
			s.txDone = nil
		}
	}
}

func (r *Router) pumpOriginStreams(c *origin) {
	for _, s := range c.streams {
		if c.PackageWindow.Level() <= 0 {
			return
		}
		r.pumpOriginStream(c, s)
	}
}

// considerStreamSendme emits stream level SENDMEs once the deliver
// window reaches the emit point, withheld while the facade backlog is
// above an increment.
func (r *Router) considerStreamSendme(e *circuit.Entry, c *origin, s *stream) {
	for s.deliverWindow.AtEmitPoint(constants.StreamWindowIncrement) && s.backlog() <= streamSendmeBacklog {
		s.deliverWindow.Refill(constants.StreamWindowIncrement)
		payload, ok := r.relayPayload(cell.RelaySendme, s.id, nil)
		if !ok {
			return
		}
		if !r.packageCell(e, c, cell.Relay, s.hop, payload) {
			return
		}
	}
}

// onOriginData delivers a DATA cell from hop to the facade.
func (r *Router) onOriginData(e *circuit.Entry, c *origin, hop int, h *cell.RelayHeader, body []byte) {
	if !c.DeliverWindow.Dec() {
		r.closeOriginProtocol(e, "circuit deliver window exceeded")
		return
	}
	// Circuit SENDMEs go out unconditionally, echoing the running
	// digest of the cell at the emit point.
	if c.DeliverWindow.AtEmitPoint(constants.CircuitWindowIncrement) {
		digest := c.Hops[hop].BwdDigestSum()
		c.DeliverWindow.Refill(constants.CircuitWindowIncrement)
		if payload, ok := r.relayPayload(cell.RelaySendme, 0, cell.PackSendme(digest)); ok {
			if !r.packageCell(e, c, cell.Relay, hop, payload) {
				return
			}
		}
	}

	s, ok := c.streams[h.StreamID]
	if !ok {
		r.log.Debugf("Circuit %d: DATA for unknown stream %d", e.Handle, h.StreamID)
		instrument.CellDropped()
		return
	}
	if !s.deliverWindow.Dec() {
		r.closeOriginProtocol(e, "stream deliver window exceeded")
		return
	}
	if len(body) > 0 {
		data := append([]byte(nil), body...)
		select {
		case s.readCh <- data:
		default:
			// The deliver window bounds the backlog under the
			// channel capacity.
			r.log.Errorf("BUG: read backlog overflow on stream %d", h.StreamID)
			r.glue.Bug("relay")
			return
		}
	}
	r.considerStreamSendme(e, c, s)
}

// onOriginConnected completes an OpenStream once the exit reports the
// connection up.
func (r *Router) onOriginConnected(e *circuit.Entry, c *origin, h *cell.RelayHeader, body []byte) {
	s, ok := c.streams[h.StreamID]
	if !ok {
		r.log.Debugf("Circuit %d: CONNECTED for unknown stream %d", e.Handle, h.StreamID)
		instrument.CellDropped()
		return
	}
	if s.state != streamConnecting {
		r.closeOriginProtocol(e, "CONNECTED on open stream")
		return
	}
	addr, _, err := cell.ParseConnected(body)
	if err != nil {
		r.closeOriginProtocol(e, fmt.Sprintf("malformed CONNECTED: %v", err))
		return
	}
	s.state = streamOpen
	if addr != nil {
		s.remote = addr.String()
	}
	instrument.StreamOpened()
	if s.openDone != nil {
		s.openDone <- &openResult{s: newStream(r, e.Handle, s)}
		s.openDone = nil
	}
}

func (r *Router) onOriginEnd(c *origin, h *cell.RelayHeader, body []byte) {
	s, ok := c.streams[h.StreamID]
	if !ok {
		return
	}
	reason := cell.EndMisc
	if len(body) > 0 {
		reason = cell.EndReason(body[0])
	}
	delete(c.streams, h.StreamID)
	r.signalStreamClosed(s, reason)
}

func (r *Router) onOriginResolved(c *origin, id cell.StreamID, body []byte) {
	w, ok := c.resolves[id]
	if !ok {
		return
	}
	delete(c.resolves, id)
	answers, err := cell.ParseResolved(body)
	if err != nil {
		w.doneCh <- &resolveResult{err: err}
		return
	}
	res := &resolveResult{}
	for _, a := range answers {
		switch a.Type {
		case cell.ResolvedIPv4, cell.ResolvedIPv6:
			res.addrs = append(res.addrs, net.IP(a.Value))
		case cell.ResolvedErrTransient, cell.ResolvedErrNontransient:
			if res.err == nil {
				res.err = &StreamError{Reason: cell.EndResolveFailed}
			}
		}
	}
	if len(res.addrs) == 0 && res.err == nil {
		res.err = &StreamError{Reason: cell.EndResolveFailed}
	}
	w.doneCh <- res
}

// originateEnd sends RELAY_END toward the origin.
func (r *Router) originateEnd(c *forwarding, id cell.StreamID, reason cell.EndReason) {
	payload, ok := r.relayPayload(cell.RelayEnd, id, []byte{byte(reason)})
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
}

// onExitBegin opens an outbound connection for the origin.
func (r *Router) onExitBegin(e *circuit.Entry, c *forwarding, h *cell.RelayHeader, body []byte) {
	if h.StreamID == 0 {
		r.closeForwardingProtocol(e, "BEGIN with stream id zero")
		return
	}
	if _, ok := c.streams[h.StreamID]; ok {
		r.log.Debugf("Circuit %d: duplicate BEGIN for stream %d", e.Handle, h.StreamID)
		instrument.CellDropped()
		return
	}
	target, flags, err := cell.ParseBegin(body)
	if err != nil {
		r.originateEnd(c, h.StreamID, cell.EndTorProtocol)
		return
	}
	if len(c.streams) >= r.glue.Config().Debug.MaxStreamsPerCircuit {
		r.originateEnd(c, h.StreamID, cell.EndResourceLimit)
		return
	}

	s := &stream{
		id:            h.StreamID,
		state:         streamConnecting,
		target:        target,
		packageWindow: circuit.NewWindow(constants.StreamWindowStart),
		deliverWindow: circuit.NewWindow(constants.StreamWindowStart),
	}
	c.streams[h.StreamID] = s

	circHandle := e.Handle
	id := h.StreamID
	r.edgeWG.Add(1)
	go func() {
		defer r.edgeWG.Done()
		conn, addr, reason, dErr := r.edge.dial(r.haltCtx, target, flags)
		ev := &edgeDialEvent{circ: circHandle, id: id, conn: conn, addr: addr, reason: reason, err: dErr}
		if !r.submit(ev) && conn != nil {
			conn.Close()
		}
	}()
}

// onExitBeginDir opens a stream to the local directory responder.
func (r *Router) onExitBeginDir(e *circuit.Entry, c *forwarding, h *cell.RelayHeader) {
	if h.StreamID == 0 {
		r.closeForwardingProtocol(e, "BEGIN_DIR with stream id zero")
		return
	}
	if _, ok := c.streams[h.StreamID]; ok {
		instrument.CellDropped()
		return
	}
	if r.edge.OpenDir == nil {
		r.originateEnd(c, h.StreamID, cell.EndNotDirectory)
		return
	}
	if len(c.streams) >= r.glue.Config().Debug.MaxStreamsPerCircuit {
		r.originateEnd(c, h.StreamID, cell.EndResourceLimit)
		return
	}
	conn, err := r.edge.OpenDir()
	if err != nil {
		r.log.Warningf("Circuit %d: directory stream: %v", e.Handle, err)
		r.originateEnd(c, h.StreamID, cell.EndInternal)
		return
	}

	s := &stream{
		id:            h.StreamID,
		state:         streamOpen,
		packageWindow: circuit.NewWindow(constants.StreamWindowStart),
		deliverWindow: circuit.NewWindow(constants.StreamWindowStart),
		edge:          newEdgeConn(r, e.Handle, h.StreamID, conn),
	}
	c.streams[h.StreamID] = s
	instrument.StreamOpened()

	// Directory streams answer CONNECTED with an empty body.
	payload, ok := r.relayPayload(cell.RelayConnected, h.StreamID, nil)
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
}

// onEdgeDial finishes an exit side BEGIN once the dialer reports in.
func (r *Router) onEdgeDial(ev *edgeDialEvent) {
	e, c, ok := r.forwardingByHandle(ev.circ)
	if !ok {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	s, ok := c.streams[ev.id]
	if !ok || s.state != streamConnecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		r.log.Debugf("Circuit %d: stream %d connect failed: %v", e.Handle, ev.id, ev.err)
		delete(c.streams, ev.id)
		r.originateEnd(c, ev.id, ev.reason)
		return
	}

	s.state = streamOpen
	s.edge = newEdgeConn(r, e.Handle, ev.id, ev.conn)
	s.remote = ev.conn.RemoteAddr().String()
	instrument.StreamOpened()

	payload, ok := r.relayPayload(cell.RelayConnected, ev.id, cell.PackConnected(ev.addr, resolvedTTL))
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)

	// Data that raced the dial drains into the socket pump now.
	for _, b := range s.rxpend {
		s.edge.wrCh <- b
	}
	s.rxpend = nil
	r.considerExitStreamSendme(c, s)
}

// onExitData moves a DATA cell from the origin into the edge socket.
func (r *Router) onExitData(e *circuit.Entry, c *forwarding, h *cell.RelayHeader, body []byte) {
	if !c.DeliverWindow.Dec() {
		r.closeForwardingProtocol(e, "circuit deliver window exceeded")
		return
	}
	if c.DeliverWindow.AtEmitPoint(constants.CircuitWindowIncrement) {
		digest := c.Layer.FwdDigestSum()
		c.DeliverWindow.Refill(constants.CircuitWindowIncrement)
		if payload, ok := r.relayPayload(cell.RelaySendme, 0, cell.PackSendme(digest)); ok {
			c.Layer.OriginateBackward(payload)
			r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
		}
	}

	s, ok := c.streams[h.StreamID]
	if !ok {
		r.log.Debugf("Circuit %d: DATA for unknown stream %d", e.Handle, h.StreamID)
		instrument.CellDropped()
		return
	}
	if !s.deliverWindow.Dec() {
		r.closeForwardingProtocol(e, "stream deliver window exceeded")
		return
	}
	if len(body) == 0 {
		return
	}
	data := append([]byte(nil), body...)
	if s.state == streamConnecting {
		s.rxpend = append(s.rxpend, data)
		return
	}
	select {
	case s.edge.wrCh <- data:
	default:
		// The deliver window bounds in flight data well under the
		// pump's buffer.
		r.log.Errorf("BUG: write backlog overflow on stream %d", h.StreamID)
		r.glue.Bug("relay")
		delete(c.streams, h.StreamID)
		s.edge.close(false)
		r.originateEnd(c, h.StreamID, cell.EndConnReset)
		return
	}
	r.considerExitStreamSendme(c, s)
}

func (r *Router) considerExitStreamSendme(c *forwarding, s *stream) {
	for s.deliverWindow.AtEmitPoint(constants.StreamWindowIncrement) && s.backlog() <= streamSendmeBacklog {
		s.deliverWindow.Refill(constants.StreamWindowIncrement)
		payload, ok := r.relayPayload(cell.RelaySendme, s.id, nil)
		if !ok {
			return
		}
		c.Layer.OriginateBackward(payload)
		r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
	}
}

func (r *Router) onExitEnd(c *forwarding, h *cell.RelayHeader, body []byte) {
	s, ok := c.streams[h.StreamID]
	if !ok {
		return
	}
	reason := cell.EndMisc
	if len(body) > 0 {
		reason = cell.EndReason(body[0])
	}
	r.log.Debugf("Stream %d ended by origin: %v", h.StreamID, reason)
	delete(c.streams, h.StreamID)
	if s.edge != nil {
		s.edge.close(true)
	}
}

// pumpExitStream relays buffered socket data toward the origin while
// the windows allow, granting the reader another read once drained.
func (r *Router) pumpExitStream(c *forwarding, s *stream) {
	for len(s.txbuf) > 0 && c.PackageWindow.Level() > 0 && s.packageWindow.Level() > 0 {
		n := len(s.txbuf)
		if n > cell.MaxRelayDataLen {
			n = cell.MaxRelayDataLen
		}
		payload, ok := r.relayPayload(cell.RelayData, s.id, s.txbuf[:n])
		if !ok {
			return
		}
		c.PackageWindow.Dec()
		s.packageWindow.Dec()
		c.Layer.OriginateBackward(payload)
		if c.PackageWindow.Level()%constants.CircuitWindowIncrement == 0 {
			c.SendmeExpect.Push(c.Layer.BwdDigestSum())
		}
		r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
		s.txbuf = s.txbuf[n:]
	}
	if len(s.txbuf) == 0 {
		s.txbuf = nil
		if s.edge != nil {
			s.edge.grantRead()
		}
	}
}

func (r *Router) pumpExitStreams(c *forwarding) {
	for _, s := range c.streams {
		if c.PackageWindow.Level() <= 0 {
			return
		}
		r.pumpExitStream(c, s)
	}
}

// onEdgeData buffers bytes read from an exit socket for packaging.
func (r *Router) onEdgeData(ev *edgeDataEvent) {
	_, c, ok := r.forwardingByHandle(ev.circ)
	if !ok {
		return
	}
	s, ok := c.streams[ev.id]
	if !ok {
		return
	}
	s.txbuf = append(s.txbuf, ev.data...)
	r.pumpExitStream(c, s)
}

// onEdgeFlushed re-checks the gated stream SENDME after the socket
// pump wrote delivered data out.
func (r *Router) onEdgeFlushed(ev *edgeFlushedEvent) {
	_, c, ok := r.forwardingByHandle(ev.circ)
	if !ok {
		return
	}
	if s, sok := c.streams[ev.id]; sok {
		r.considerExitStreamSendme(c, s)
	}
}

// onEdgeClosed tears down an exit stream whose socket went away.
func (r *Router) onEdgeClosed(ev *edgeClosedEvent) {
	e, c, ok := r.forwardingByHandle(ev.circ)
	if !ok {
		return
	}
	s, ok := c.streams[ev.id]
	if !ok {
		return
	}
	r.log.Debugf("Circuit %d: stream %d edge closed: %v", e.Handle, ev.id, ev.reason)
	r.pumpExitStream(c, s)
	delete(c.streams, ev.id)
	if s.edge != nil {
		s.edge.close(false)
	}
	r.originateEnd(c, ev.id, ev.reason)
}

// onExitResolve services a RELAY_RESOLVE without opening a stream.
func (r *Router) onExitResolve(e *circuit.Entry, c *forwarding, h *cell.RelayHeader, body []byte) {
	if h.StreamID == 0 {
		r.closeForwardingProtocol(e, "RESOLVE with stream id zero")
		return
	}
	name, err := cell.ParseResolve(body)
	if err != nil {
		r.closeForwardingProtocol(e, fmt.Sprintf("malformed RESOLVE: %v", err))
		return
	}
	circHandle := e.Handle
	id := h.StreamID
	r.edgeWG.Add(1)
	go func() {
		defer r.edgeWG.Done()
		answers := r.edge.resolve(r.haltCtx, name)
		r.submit(&exitResolvedEvent{circ: circHandle, id: id, answers: answers})
	}()
}

// onExitResolved packages the resolver's answers toward the origin.
func (r *Router) onExitResolved(ev *exitResolvedEvent) {
	_, c, ok := r.forwardingByHandle(ev.circ)
	if !ok {
		return
	}
	body, err := cell.PackResolved(ev.answers)
	if err != nil {
		// Oversized answer set, report a transient failure instead.
		body, _ = cell.PackResolved([]cell.ResolvedAnswer{{Type: cell.ResolvedErrTransient}})
	}
	payload, ok := r.relayPayload(cell.RelayResolved, ev.id, body)
	if !ok {
		return
	}
	c.Layer.OriginateBackward(payload)
	r.sendRelay(c.PrevChan, c.PrevID, cell.Relay, payload)
}
