// channel.go - Allium relay channel.
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

// Package channel implements the authenticated cell transport between
// relays: the TLS link, the VERSIONS/CERTS/AUTH_CHALLENGE/AUTHENTICATE/
// NETINFO handshake, the per-channel cell writer, and the channel
// registry with its listener and connector front ends.
package channel

import (
	"crypto/hmac"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	mRand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/cert"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

const (
	// maxWriteQueueSize bounds the cells staged at the channel writer.
	maxWriteQueueSize = 64 // TODO/perf: Tune this.

	readChunkSize = 8192

	linkCertLifetime = 24 * time.Hour
)

var (
	channelID uint64

	supportedLinkVersions = []uint16{3, 4, 5}

	errHandshakeFailed = fmt.Errorf("channel: handshake failed")
)

type channelState uint32

const (
	stateNew channelState = iota
	stateVersionsWait
	stateVersionsDone
	stateCertsReceived
	stateOpen
	stateBroken
)

// cellReader accumulates raw bytes from the transport and hands out
// whole decoded cells.
type cellReader struct {
	r       io.Reader
	buf     []byte
	scratch []byte
}

func (cr *cellReader) next(codec *cell.Codec) (*cell.Cell, error) {
	for {
		cl, n, err := codec.DecodeNext(cr.buf)
		if err != nil {
			return nil, err
		}
		if cl != nil {
			rest := copy(cr.buf, cr.buf[n:])
			cr.buf = cr.buf[:rest]
			return cl, nil
		}

		if cr.scratch == nil {
			cr.scratch = make([]byte, readChunkSize)
		}
		nn, err := cr.r.Read(cr.scratch)
		if nn > 0 {
			cr.buf = append(cr.buf, cr.scratch[:nn]...)
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

type outboundCell struct {
	cl *cell.Cell
	qc *cellq.Cell
}

// Channel is one authenticated link to a peer, carrying cells for many
// circuits.
type Channel struct {
	worker.Worker

	reg *Registry
	log *logging.Logger

	conn    *tls.Conn
	rawConn net.Conn

	codec *cell.Codec
	rd    *cellReader

	handle    uint64
	id        uint64
	addr      string
	initiator bool

	// expectedPeer is the identity the dialed peer must prove, nil on
	// inbound channels.
	expectedPeer *[hash.HashSize]byte

	state       channelState
	linkVersion uint16
	cellWireLen int
	peerID      *[hash.HashSize]byte
	clockSkew   time.Duration

	writeCh      chan outboundCell
	ctrlCh       chan *cell.PaddingNegotiate
	readerDoneCh chan interface{}
	writerDoneCh chan interface{}
	closedCh     chan interface{}
	closeOnce    sync.Once

	encBuf []byte
	rng    *mRand.Rand

	circuits  int32
	idleSince int64
	lastWrite int64

	paddingEnabled bool
	paddingLowMs   uint16
	paddingHighMs  uint16
}

func newChannel(reg *Registry, rawConn net.Conn, tlsConn *tls.Conn, addr string, initiator bool, expectedPeer *[hash.HashSize]byte) *Channel {
	cfg := reg.glue.Config()
	ch := &Channel{
		reg:            reg,
		conn:           tlsConn,
		rawConn:        rawConn,
		codec:          cell.NewCodec(),
		id:             atomic.AddUint64(&channelID, 1), // Diagnostic only, wrapping is fine.
		addr:           addr,
		initiator:      initiator,
		expectedPeer:   expectedPeer,
		writeCh:        make(chan outboundCell, maxWriteQueueSize),
		ctrlCh:         make(chan *cell.PaddingNegotiate, 1),
		readerDoneCh:   make(chan interface{}),
		writerDoneCh:   make(chan interface{}),
		closedCh:       make(chan interface{}),
		rng:            rand.NewMath(),
		paddingEnabled: !cfg.Debug.DisableLinkPadding,
		paddingLowMs:   uint16(cfg.Debug.PaddingLowMs),
		paddingHighMs:  uint16(cfg.Debug.PaddingHighMs),
	}
	ch.rd = &cellReader{r: ch.conn}
	ch.log = reg.glue.LogBackend().GetLogger(fmt.Sprintf("channel:%d", ch.id))
	return ch
}

func (ch *Channel) worker() {
	defer func() {
		ch.log.Debugf("Closing.")
		ch.conn.Close()
		close(ch.closedCh)
		ch.reg.onClosedChannel(ch)
	}()

	// Handshake, bounded by the handshake timeout.
	timeout := time.Duration(ch.reg.glue.Config().Debug.HandshakeTimeout) * time.Millisecond
	ch.conn.SetDeadline(time.Now().Add(timeout))
	if err := ch.handshake(); err != nil {
		ch.state = stateBroken
		ch.log.Errorf("Handshake failed: %v", err)
		return
	}
	ch.conn.SetDeadline(time.Time{})
	ch.log.Debugf("Handshake completed: version %d peer %v", ch.linkVersion, ch.peerLabel())

	now := int64(monotime.Now())
	atomic.StoreInt64(&ch.idleSince, now)
	atomic.StoreInt64(&ch.lastWrite, now)
	ch.reg.onOpenChannel(ch)

	go ch.readWorker()
	go ch.writeWorker()

	idleTimeout := time.Duration(ch.reg.glue.Config().Debug.ChannelIdleTimeout) * time.Second
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()
	padTimer := time.NewTimer(ch.nextPaddingDelay())
	defer padTimer.Stop()

	for {
		select {
		case <-ch.HaltCh():
			return
		case <-ch.readerDoneCh:
			return
		case <-ch.writerDoneCh:
			return
		case pn := <-ch.ctrlCh:
			ch.onPaddingNegotiate(pn)
			if !padTimer.Stop() {
				<-padTimer.C
			}
			padTimer.Reset(ch.nextPaddingDelay())
		case <-padTimer.C:
			ch.maybeSendPadding()
			padTimer.Reset(ch.nextPaddingDelay())
		case <-idleTimer.C:
			next, closeNow := ch.idleCheck(idleTimeout)
			if closeNow {
				ch.log.Debugf("Channel idle for %v, closing.", idleTimeout)
				return
			}
			idleTimer.Reset(next)
		}
	}
}

// idleCheck returns how long until the next idle evaluation and whether
// the channel has been circuit free for the full grace period.
func (ch *Channel) idleCheck(idleTimeout time.Duration) (time.Duration, bool) {
	if atomic.LoadInt32(&ch.circuits) > 0 {
		return idleTimeout, false
	}
	idle := monotime.Now() - time.Duration(atomic.LoadInt64(&ch.idleSince))
	if idle >= idleTimeout {
		return 0, true
	}
	return idleTimeout - idle, false
}

func (ch *Channel) peerLabel() string {
	if ch.peerID == nil {
		return "(unauthenticated)"
	}
	return fmt.Sprintf("%x", ch.peerID[:8])
}

func (ch *Channel) nextPaddingDelay() time.Duration {
	lo, hi := int(ch.paddingLowMs), int(ch.paddingHighMs)
	if !ch.paddingEnabled || hi == 0 {
		// Re-check occasionally in case padding gets renegotiated on.
		return time.Minute
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo+ch.rng.Intn(hi-lo+1)) * time.Millisecond
}

func (ch *Channel) maybeSendPadding() {
	if !ch.paddingEnabled {
		return
	}
	// Only pad links that have actually gone quiet.
	quiet := monotime.Now() - time.Duration(atomic.LoadInt64(&ch.lastWrite))
	if quiet < time.Duration(ch.paddingLowMs)*time.Millisecond {
		return
	}
	ch.sendControl(&cell.Cell{Cmd: cell.Padding, Payload: make([]byte, cell.PayloadLen)})
}

func (ch *Channel) onPaddingNegotiate(pn *cell.PaddingNegotiate) {
	switch pn.Command {
	case cell.PaddingCommandStop:
		ch.log.Debugf("Peer negotiated padding off.")
		ch.paddingEnabled = false
	case cell.PaddingCommandStart:
		ch.paddingEnabled = !ch.reg.glue.Config().Debug.DisableLinkPadding
		if pn.LowMs != 0 || pn.HighMs != 0 {
			ch.paddingLowMs, ch.paddingHighMs = pn.LowMs, pn.HighMs
		}
		ch.log.Debugf("Peer negotiated padding on: [%d, %d] ms", ch.paddingLowMs, ch.paddingHighMs)
	}
}

// close tears the channel down and waits for its worker to exit.  It
// may be called from the registry and from the operator surface
// concurrently, never from the channel's own worker.
func (ch *Channel) close() {
	ch.closeOnce.Do(func() {
		ch.conn.Close()
		ch.Worker.Halt()
	})
}

// incCircuits and decCircuits maintain the live circuit count that
// gates the idle teardown timer.
func (ch *Channel) incCircuits() {
	atomic.AddInt32(&ch.circuits, 1)
}

func (ch *Channel) decCircuits() {
	if atomic.AddInt32(&ch.circuits, -1) == 0 {
		atomic.StoreInt64(&ch.idleSince, int64(monotime.Now()))
	}
}

func (ch *Channel) writeCell(cl *cell.Cell) error {
	var err error
	ch.encBuf, err = ch.codec.Encode(cl, ch.encBuf[:0])
	if err != nil {
		return err
	}
	if _, err = ch.conn.Write(ch.encBuf); err != nil {
		return err
	}
	atomic.StoreInt64(&ch.lastWrite, int64(monotime.Now()))
	return nil
}

func (ch *Channel) writeWorker() {
	defer close(ch.writerDoneCh)

	for {
		var oc outboundCell
		select {
		case <-ch.HaltCh():
			return
		case <-ch.closedCh:
			return
		case oc = <-ch.writeCh:
		}

		cl := oc.cl
		if oc.qc != nil {
			cl = &cell.Cell{CircID: oc.qc.CircID, Cmd: oc.qc.Cmd, Payload: oc.qc.Payload}
		}
		err := ch.writeCell(cl)
		if oc.qc != nil {
			oc.qc.Dispose()
		}
		if err != nil {
			ch.log.Debugf("Write failed: %v", err)
			return
		}
	}
}

// sendQueued stages a scheduler-popped cell for transmission.
func (ch *Channel) sendQueued(qc *cellq.Cell) {
	select {
	case ch.writeCh <- outboundCell{qc: qc}:
	default:
		// Drop-tail.  The drops here should basically only happen if
		// the link is wedged, since the scheduler stops popping once
		// the socket capacity is exhausted.
		//
		// Note: Not logging here because this would get spammy, and we
		// may be under catastrophic load, in which case we can't
		// afford to log.
		qc.Dispose()
		instrument.CellDropped()
	}
}

// sendControl stages a channel level cell (DESTROY, PADDING and
// friends), bypassing the circuit queues.
func (ch *Channel) sendControl(cl *cell.Cell) bool {
	select {
	case ch.writeCh <- outboundCell{cl: cl}:
		return true
	default:
		ch.log.Debugf("Dropping %v cell: writer saturated", cl.Cmd)
		instrument.CellDropped()
		return false
	}
}

func (ch *Channel) readWorker() {
	defer close(ch.readerDoneCh)

	for {
		cl, err := ch.rd.next(ch.codec)
		if err != nil {
			ch.log.Debugf("Read failed: %v", err)
			return
		}
		if err = ch.onInboundCell(cl); err != nil {
			// Post-handshake protocol violations kill the channel.
			ch.log.Infof("Dropping channel: %v", err)
			return
		}
	}
}

func (ch *Channel) onInboundCell(cl *cell.Cell) error {
	if !cl.Cmd.Known() {
		// Unknown commands frame correctly and are dropped.
		ch.log.Debugf("Dropping cell with unknown command %d", byte(cl.Cmd))
		instrument.CellDropped()
		return nil
	}
	instrument.CellReceived(cl.Cmd.String())

	switch cl.Cmd {
	case cell.Padding, cell.VPadding:
		return nil
	case cell.PaddingNegotiate:
		pn, err := cell.ParsePaddingNegotiate(cl.Payload)
		if err != nil {
			ch.log.Debugf("Dropping malformed PADDING_NEGOTIATE: %v", err)
			instrument.CellDropped()
			return nil
		}
		select {
		case ch.ctrlCh <- pn:
		default:
		}
		return nil
	case cell.Versions, cell.Certs, cell.AuthChallenge, cell.Authenticate, cell.Netinfo:
		return fmt.Errorf("channel: %v cell on open channel", cl.Cmd)
	}

	if cl.CircID == 0 {
		ch.log.Debugf("Dropping %v cell with zero circuit id", cl.Cmd)
		instrument.CellDropped()
		return nil
	}
	ch.reg.glue.Router().OnCell(ch.handle, cl, time.Now())
	return nil
}

// capacity returns the channel's write budget in cells: the KIST
// target kernel queue depth minus what the socket already holds.
func (ch *Channel) capacity() int {
	target := ch.reg.glue.Config().Debug.KISTTargetKernelQueueBytes
	outq, err := socketOutqBytes(ch.rawConn)
	if err != nil {
		outq = 0
	}
	cells := (target - outq) / ch.cellWireLen
	if cells < 0 {
		return 0
	}
	return cells
}

func (ch *Channel) info() glue.ChannelInfo {
	info := glue.ChannelInfo{
		Handle:      ch.handle,
		Addr:        ch.addr,
		LinkVersion: ch.linkVersion,
		Inbound:     !ch.initiator,
		Circuits:    int(atomic.LoadInt32(&ch.circuits)),
		ClockSkew:   ch.clockSkew,
	}
	if ch.peerID != nil {
		info.PeerID = fmt.Sprintf("%x", ch.peerID[:])
	}
	return info
}

// expectCell reads the next non-padding cell and enforces that it
// carries the wanted command.
func (ch *Channel) expectCell(want cell.Command) (*cell.Cell, error) {
	for {
		cl, err := ch.rd.next(ch.codec)
		if err != nil {
			return nil, err
		}
		switch cl.Cmd {
		case cell.Padding, cell.VPadding:
			continue
		case want:
			return cl, nil
		default:
			return nil, fmt.Errorf("channel: expected %v, got %v", want, cl.Cmd)
		}
	}
}

func (ch *Channel) handshake() error {
	if err := ch.conn.Handshake(); err != nil {
		return err
	}

	// VERSIONS out, VERSIONS in, pick the highest common version.
	err := ch.writeCell(&cell.Cell{Cmd: cell.Versions, Payload: cell.PackVersions(supportedLinkVersions)})
	if err != nil {
		return err
	}
	ch.state = stateVersionsWait

	cl, err := ch.rd.next(ch.codec)
	if err != nil {
		return err
	}
	theirs, err := cell.ParseVersions(cl.Payload)
	if err != nil {
		return err
	}
	common := cell.CommonVersion(supportedLinkVersions, theirs)
	if common == 0 {
		return fmt.Errorf("channel: no common link version in %v", theirs)
	}
	ch.codec.SetVersion(common)
	ch.linkVersion = common
	ch.cellWireLen = (&cell.Cell{Cmd: cell.Relay}).Len(ch.codec)
	ch.state = stateVersionsDone

	if ch.initiator {
		err = ch.handshakeInitiator()
	} else {
		err = ch.handshakeResponder()
	}
	return err
}

func (ch *Channel) handshakeInitiator() error {
	glued := ch.reg.glue

	// CERTS in: the responder's identity, bound to the TLS certificate
	// it presented.
	cl, err := ch.expectCell(cell.Certs)
	if err != nil {
		return err
	}
	presented, err := cert.ParseBody(cl.Payload)
	if err != nil {
		return err
	}
	tlsState := ch.conn.ConnectionState()
	if len(tlsState.PeerCertificates) == 0 {
		return fmt.Errorf("channel: responder presented no TLS certificate")
	}
	peerTLSDigest := hash.Sum256(tlsState.PeerCertificates[0].Raw)
	peerPub, err := cert.VerifyLinkBundle(presented, glued.LinkScheme(), peerTLSDigest[:])
	if err != nil {
		return err
	}
	peerDigest := hash.Sum256From(peerPub)
	if ch.expectedPeer != nil && !hmac.Equal(peerDigest[:], ch.expectedPeer[:]) {
		return fmt.Errorf("channel: peer identity mismatch: %x", peerDigest[:8])
	}
	ch.peerID = &peerDigest

	// AUTH_CHALLENGE in.
	cl, err = ch.expectCell(cell.AuthChallenge)
	if err != nil {
		return err
	}
	challenge, err := cell.ParseAuthChallenge(cl.Payload)
	if err != nil {
		return err
	}
	ch.state = stateCertsReceived
	if !challenge.SupportsMethod(cell.AuthMethodEd25519) {
		return fmt.Errorf("channel: no supported authentication method")
	}

	// AUTHENTICATE out: prove our identity over the session transcript.
	transcript := authTranscript(challenge.Challenge[:], peerTLSDigest[:], peerDigest[:])
	expiration := uint64(time.Now().Add(linkCertLifetime).Unix())
	bundle, err := cert.NewAuthBundle(glued.IdentityKey(), glued.IdentityPublicKey(), transcript, expiration)
	if err != nil {
		return err
	}
	body, err := cert.PackBody(bundle)
	if err != nil {
		return err
	}
	payload := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(payload[0:2], cell.AuthMethodEd25519)
	copy(payload[2:], body)
	if err = ch.writeCell(&cell.Cell{Cmd: cell.Authenticate, Payload: payload}); err != nil {
		return err
	}

	// NETINFO out, NETINFO in.
	if err = ch.sendNetinfo(); err != nil {
		return err
	}
	cl, err = ch.expectCell(cell.Netinfo)
	if err != nil {
		return err
	}
	return ch.onNetinfo(cl)
}

func (ch *Channel) handshakeResponder() error {
	glued := ch.reg.glue

	// CERTS + AUTH_CHALLENGE + NETINFO out.
	expiration := uint64(time.Now().Add(linkCertLifetime).Unix())
	bundle, err := cert.NewLinkBundle(glued.IdentityKey(), glued.IdentityPublicKey(), glued.TLSCertDigest(), expiration)
	if err != nil {
		return err
	}
	body, err := cert.PackBody(bundle)
	if err != nil {
		return err
	}
	if err = ch.writeCell(&cell.Cell{Cmd: cell.Certs, Payload: body}); err != nil {
		return err
	}

	challenge := &cell.AuthChallenge{Methods: []uint16{cell.AuthMethodEd25519}}
	if _, err = io.ReadFull(rand.Reader, challenge.Challenge[:]); err != nil {
		return err
	}
	if err = ch.writeCell(&cell.Cell{Cmd: cell.AuthChallenge, Payload: challenge.Pack()}); err != nil {
		return err
	}
	if err = ch.sendNetinfo(); err != nil {
		return err
	}

	// The initiator optionally authenticates, then finishes with its
	// NETINFO.
	sawAuth := false
	for {
		cl, err := ch.rd.next(ch.codec)
		if err != nil {
			return err
		}
		switch cl.Cmd {
		case cell.Padding, cell.VPadding:
		case cell.Authenticate:
			if sawAuth {
				return fmt.Errorf("channel: duplicate AUTHENTICATE")
			}
			sawAuth = true
			if err = ch.onAuthenticate(cl, challenge); err != nil {
				return err
			}
		case cell.Netinfo:
			return ch.onNetinfo(cl)
		default:
			return fmt.Errorf("channel: unexpected %v during handshake", cl.Cmd)
		}
	}
}

func (ch *Channel) onAuthenticate(cl *cell.Cell, challenge *cell.AuthChallenge) error {
	glued := ch.reg.glue

	if len(cl.Payload) < 2 {
		return fmt.Errorf("channel: truncated AUTHENTICATE")
	}
	if m := binary.BigEndian.Uint16(cl.Payload[0:2]); m != cell.AuthMethodEd25519 {
		return fmt.Errorf("channel: unsupported authentication method %d", m)
	}
	presented, err := cert.ParseBody(cl.Payload[2:])
	if err != nil {
		return err
	}
	transcript := authTranscript(challenge.Challenge[:], glued.TLSCertDigest(), glued.IdentityDigest()[:])
	peerPub, err := cert.VerifyAuthBundle(presented, glued.LinkScheme(), transcript)
	if err != nil {
		return err
	}
	peerDigest := hash.Sum256From(peerPub)
	ch.peerID = &peerDigest
	ch.state = stateCertsReceived
	return nil
}

func (ch *Channel) sendNetinfo() error {
	ni := &cell.Netinfo{Time: uint32(time.Now().Unix())}
	if host, _, err := net.SplitHostPort(ch.conn.RemoteAddr().String()); err == nil {
		ni.OtherAddr = net.ParseIP(host)
	}
	ni.MyAddrs = ch.reg.myAddrs
	payload, err := ni.Pack()
	if err != nil {
		return err
	}
	return ch.writeCell(&cell.Cell{Cmd: cell.Netinfo, Payload: payload})
}

func (ch *Channel) onNetinfo(cl *cell.Cell) error {
	ni, err := cell.ParseNetinfo(cl.Payload)
	if err != nil {
		return err
	}
	ch.clockSkew = time.Since(time.Unix(int64(ni.Time), 0))
	ch.state = stateOpen
	return nil
}

// authTranscript binds an AUTH_CHALLENGE nonce to the responder's TLS
// certificate and identity, yielding the digest the initiator signs.
func authTranscript(challenge, responderTLSDigest, responderID []byte) []byte {
	b := make([]byte, 0, len(challenge)+len(responderTLSDigest)+len(responderID))
	b = append(b, challenge...)
	b = append(b, responderTLSDigest...)
	b = append(b, responderID...)
	d := hash.Sum256(b)
	return d[:]
}
