// channel_test.go - Channel tests.
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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/require"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/cert"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/log"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
)

var testLinkScheme = signSchemes.ByName("Ed25519")

type routedCell struct {
	handle uint64
	cl     *cell.Cell
}

type fakeRouter struct {
	cellCh chan routedCell
	upCh   chan glue.ChannelInfo
	downCh chan uint64
	failCh chan string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		cellCh: make(chan routedCell, 64),
		upCh:   make(chan glue.ChannelInfo, 64),
		downCh: make(chan uint64, 64),
		failCh: make(chan string, 64),
	}
}

func (r *fakeRouter) Halt() {}

func (r *fakeRouter) OnCell(h uint64, cl *cell.Cell, _ time.Time) {
	r.cellCh <- routedCell{handle: h, cl: cl}
}

func (r *fakeRouter) OnChannelUp(info glue.ChannelInfo) { r.upCh <- info }
func (r *fakeRouter) OnChannelDown(h uint64)            { r.downCh <- h }
func (r *fakeRouter) OnDialFailure(addr string, _ error) {
	r.failCh <- addr
}
func (r *fakeRouter) OnCreated(uint64, cell.CircID, []byte, *onion.Layer, error) {}
func (r *fakeRouter) ListCircuits() []glue.CircuitInfo                           { return nil }
func (r *fakeRouter) CloseCircuit(uint64, cell.DestroyReason) bool               { return false }

type fakeGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
	idKey      sign.PrivateKey
	idPub      sign.PublicKey
	idDigest   [hash.HashSize]byte
	tlsCert    *tls.Certificate
	router     *fakeRouter
	queues     *cellq.Tracker
}

func newFakeGlue(t *testing.T, idleTimeout int) *fakeGlue {
	require := require.New(t)

	cfgStr := fmt.Sprintf(`
[Server]
Identifier = "test"
Addresses = ["tcp://127.0.0.1:29483"]
DataDir = "%s"

[Logging]
Disable = true
Level = "DEBUG"

[Debug]
ChannelIdleTimeout = %d
DisableLinkPadding = true
`, t.TempDir(), idleTimeout)
	cfg, err := config.Load([]byte(cfgStr))
	require.NoError(err)

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	require.NoError(err)

	idPub, idKey, err := testLinkScheme.GenerateKey()
	require.NoError(err)
	tlsCert, err := cert.NewTLSCertificate()
	require.NoError(err)

	return &fakeGlue{
		cfg:        cfg,
		logBackend: logBackend,
		idKey:      idKey,
		idPub:      idPub,
		idDigest:   hash.Sum256From(idPub),
		tlsCert:    tlsCert,
		router:     newFakeRouter(),
		queues:     cellq.NewTracker(),
	}
}

func (g *fakeGlue) Config() *config.Config              { return g.cfg }
func (g *fakeGlue) LogBackend() *log.Backend            { return g.logBackend }
func (g *fakeGlue) IdentityKey() sign.PrivateKey        { return g.idKey }
func (g *fakeGlue) IdentityPublicKey() sign.PublicKey   { return g.idPub }
func (g *fakeGlue) IdentityDigest() *[hash.HashSize]byte { return &g.idDigest }
func (g *fakeGlue) LinkScheme() sign.Scheme             { return testLinkScheme }
func (g *fakeGlue) OnionKey() *ntor.Keypair             { return nil }
func (g *fakeGlue) TLSCertificate() *tls.Certificate    { return g.tlsCert }
func (g *fakeGlue) TLSCertDigest() []byte               { return cert.TLSCertDigest(g.tlsCert) }
func (g *fakeGlue) Channels() glue.Channels             { return nil }
func (g *fakeGlue) Connector() glue.Connector           { return nil }
func (g *fakeGlue) Listeners() []glue.Listener          { return nil }
func (g *fakeGlue) Router() glue.Router                 { return g.router }
func (g *fakeGlue) Scheduler() glue.Scheduler           { return nil }
func (g *fakeGlue) BuildTimes() glue.BuildTimes         { return nil }
func (g *fakeGlue) CellQueues() *cellq.Tracker          { return g.queues }
func (g *fakeGlue) Bug(string)                          {}

// testNode is one side of a link: a registry with its listener and
// connector front ends.
type testNode struct {
	g   *fakeGlue
	reg *Registry
	lst glue.Listener
	co  glue.Connector
}

func startNode(t *testing.T, idleTimeout int) *testNode {
	require := require.New(t)

	g := newFakeGlue(t, idleTimeout)
	reg := NewRegistry(g)
	lst, err := NewListener(g, reg, 0, "tcp://127.0.0.1:0")
	require.NoError(err)
	co := NewConnector(g, reg)

	n := &testNode{g: g, reg: reg, lst: lst, co: co}
	t.Cleanup(n.halt)
	return n
}

func (n *testNode) addr() string {
	return n.lst.(*listener).l.Addr().String()
}

func (n *testNode) halt() {
	n.co.Halt()
	n.lst.Halt()
	n.reg.Halt()
}

func waitChannelUp(t *testing.T, r *fakeRouter) glue.ChannelInfo {
	select {
	case info := <-r.upCh:
		return info
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for channel up")
	}
	panic("unreachable")
}

func waitChannelDown(t *testing.T, r *fakeRouter, handle uint64) {
	select {
	case h := <-r.downCh:
		require.Equal(t, handle, h)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for channel down")
	}
}

func waitCell(t *testing.T, r *fakeRouter) routedCell {
	select {
	case rc := <-r.cellCh:
		return rc
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for routed cell")
	}
	panic("unreachable")
}

func TestChannelHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t, 180)
	b := startNode(t, 180)

	a.co.Request(b.addr(), &b.g.idDigest)

	infoA := waitChannelUp(t, a.g.router)
	infoB := waitChannelUp(t, b.g.router)

	require.Equal(uint16(5), infoA.LinkVersion)
	require.Equal(uint16(5), infoB.LinkVersion)
	require.False(infoA.Inbound)
	require.True(infoB.Inbound)

	// Each side learned the other's identity from the handshake.
	require.Equal(fmt.Sprintf("%x", b.g.idDigest[:]), infoA.PeerID)
	require.Equal(fmt.Sprintf("%x", a.g.idDigest[:]), infoB.PeerID)
	require.InDelta(0, infoA.ClockSkew.Seconds(), 30)

	require.Len(a.reg.List(), 1)
	require.Len(b.reg.List(), 1)
}

func TestChannelIdentityMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t, 180)
	b := startNode(t, 180)

	// Demand an identity the responder cannot prove.
	var bogus [hash.HashSize]byte
	bogus[0] = 0xff
	a.co.Request(b.addr(), &bogus)

	select {
	case addr := <-a.g.router.failCh:
		require.Equal(b.addr(), addr)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for dial failure")
	}

	select {
	case info := <-a.g.router.upCh:
		t.Fatalf("channel came up despite identity mismatch: %+v", info)
	default:
	}
}

func TestChannelCellFlow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t, 180)
	b := startNode(t, 180)

	a.co.Request(b.addr(), &b.g.idDigest)
	infoA := waitChannelUp(t, a.g.router)
	infoB := waitChannelUp(t, b.g.router)

	// Scheduler path: a queued relay cell crosses the link.
	qc, err := cellq.New(infoA.Handle, 42, cell.Relay, []byte{1, 2, 3})
	require.NoError(err)
	a.reg.DispatchCell(qc)

	rc := waitCell(t, b.g.router)
	require.Equal(infoB.Handle, rc.handle)
	require.Equal(cell.Relay, rc.cl.Cmd)
	require.Equal(cell.CircID(42), rc.cl.CircID)
	require.Len(rc.cl.Payload, cell.PayloadLen)
	require.Equal(byte(1), rc.cl.Payload[0])

	// Control path: DESTROY bypasses the circuit queues.
	ok := a.reg.SendControl(infoA.Handle, cell.Destroy, 42, []byte{byte(cell.DestroyProtocol)})
	require.True(ok)

	rc = waitCell(t, b.g.router)
	require.Equal(cell.Destroy, rc.cl.Cmd)
	require.Equal(cell.CircID(42), rc.cl.CircID)
	require.Equal(byte(cell.DestroyProtocol), rc.cl.Payload[0])

	// Closing invalidates the handle on both sides.
	a.reg.Close(infoA.Handle)
	waitChannelDown(t, a.g.router, infoA.Handle)
	waitChannelDown(t, b.g.router, infoB.Handle)

	require.False(a.reg.SendControl(infoA.Handle, cell.Destroy, 42, nil))
	require.Equal(0, a.reg.Capacity(infoA.Handle))
	qc, err = cellq.New(infoA.Handle, 42, cell.Relay, nil)
	require.NoError(err)
	a.reg.DispatchCell(qc) // Disposed, not delivered.
	require.Len(a.reg.List(), 0)
}

func TestChannelVersionFloor(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b := startNode(t, 180)

	// A hand rolled initiator that only speaks obsolete link versions.
	conn, err := tls.Dial("tcp", b.addr(), &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(err)
	defer conn.Close()

	codec := cell.NewCodec()
	buf, err := codec.Encode(&cell.Cell{Cmd: cell.Versions, Payload: cell.PackVersions([]uint16{1, 2})}, nil)
	require.NoError(err)
	_, err = conn.Write(buf)
	require.NoError(err)

	// The responder tears the link down without opening a channel.
	require.NoError(conn.SetReadDeadline(time.Now().Add(15 * time.Second)))
	scratch := make([]byte, 4096)
	for {
		if _, err = conn.Read(scratch); err != nil {
			break
		}
	}

	select {
	case info := <-b.g.router.upCh:
		t.Fatalf("channel came up with no common version: %+v", info)
	default:
	}
}

func TestChannelIdleTeardown(t *testing.T) {
	t.Parallel()

	a := startNode(t, 180)
	b := startNode(t, 1)

	a.co.Request(b.addr(), &b.g.idDigest)
	infoA := waitChannelUp(t, a.g.router)
	infoB := waitChannelUp(t, b.g.router)

	// The responder reaps the circuit free channel, the initiator
	// observes the close.
	waitChannelDown(t, b.g.router, infoB.Handle)
	waitChannelDown(t, a.g.router, infoA.Handle)
}

func TestChannelIdleAccounting(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ch := &Channel{}
	atomic.StoreInt64(&ch.idleSince, int64(monotime.Now()))

	_, closeNow := ch.idleCheck(time.Second)
	require.False(closeNow)

	// Live circuits hold the channel open no matter how stale the
	// idle clock is.
	ch.incCircuits()
	atomic.StoreInt64(&ch.idleSince, int64(monotime.Now()-2*time.Second))
	_, closeNow = ch.idleCheck(time.Second)
	require.False(closeNow)

	// Dropping the last circuit rearms the clock.
	ch.decCircuits()
	_, closeNow = ch.idleCheck(time.Second)
	require.False(closeNow)

	atomic.StoreInt64(&ch.idleSince, int64(monotime.Now()-2*time.Second))
	_, closeNow = ch.idleCheck(time.Second)
	require.True(closeNow)
}
