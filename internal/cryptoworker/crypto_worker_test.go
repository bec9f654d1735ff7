// crypto_worker_test.go - Handshake crypto worker tests.
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

package cryptoworker

import (
	"crypto/tls"
	"fmt"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"github.com/stretchr/testify/require"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/log"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
)

type created struct {
	chanHandle uint64
	id         cell.CircID
	reply      []byte
	layer      *onion.Layer
	err        error
}

type fakeRouter struct {
	createdCh chan created
}

func (r *fakeRouter) Halt()                                       {}
func (r *fakeRouter) OnCell(uint64, *cell.Cell, time.Time)        {}
func (r *fakeRouter) OnChannelUp(glue.ChannelInfo)                {}
func (r *fakeRouter) OnChannelDown(uint64)                        {}
func (r *fakeRouter) OnDialFailure(string, error)                 {}
func (r *fakeRouter) ListCircuits() []glue.CircuitInfo            { return nil }
func (r *fakeRouter) CloseCircuit(uint64, cell.DestroyReason) bool { return false }

func (r *fakeRouter) OnCreated(chanHandle uint64, id cell.CircID, reply []byte, layer *onion.Layer, err error) {
	r.createdCh <- created{chanHandle, id, reply, layer, err}
}

type fakeGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
	idDigest   [hash.HashSize]byte
	onionKey   *ntor.Keypair
	router     *fakeRouter
}

func newFakeGlue(t *testing.T) *fakeGlue {
	require := require.New(t)

	cfgStr := fmt.Sprintf(`
[Server]
Identifier = "test"
Addresses = ["tcp://127.0.0.1:29483"]
DataDir = "%s"

[Logging]
Disable = true
Level = "DEBUG"
`, t.TempDir())
	cfg, err := config.Load([]byte(cfgStr))
	require.NoError(err)

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	require.NoError(err)

	onionKey, err := ntor.NewKeypair(rand.Reader)
	require.NoError(err)

	g := &fakeGlue{
		cfg:        cfg,
		logBackend: logBackend,
		onionKey:   onionKey,
		router:     &fakeRouter{createdCh: make(chan created, 16)},
	}
	_, err = rand.Reader.Read(g.idDigest[:])
	require.NoError(err)
	return g
}

func (g *fakeGlue) Config() *config.Config               { return g.cfg }
func (g *fakeGlue) LogBackend() *log.Backend             { return g.logBackend }
func (g *fakeGlue) IdentityKey() sign.PrivateKey         { return nil }
func (g *fakeGlue) IdentityPublicKey() sign.PublicKey    { return nil }
func (g *fakeGlue) IdentityDigest() *[hash.HashSize]byte { return &g.idDigest }
func (g *fakeGlue) LinkScheme() sign.Scheme              { return nil }
func (g *fakeGlue) OnionKey() *ntor.Keypair              { return g.onionKey }
func (g *fakeGlue) TLSCertificate() *tls.Certificate     { return nil }
func (g *fakeGlue) TLSCertDigest() []byte                { return nil }
func (g *fakeGlue) Channels() glue.Channels              { return nil }
func (g *fakeGlue) Connector() glue.Connector            { return nil }
func (g *fakeGlue) Listeners() []glue.Listener           { return nil }
func (g *fakeGlue) Router() glue.Router                  { return g.router }
func (g *fakeGlue) Scheduler() glue.Scheduler            { return nil }
func (g *fakeGlue) BuildTimes() glue.BuildTimes          { return nil }
func (g *fakeGlue) CellQueues() *cellq.Tracker           { return nil }
func (g *fakeGlue) Bug(string)                           {}

func startWorker(t *testing.T) (*fakeGlue, chan interface{}) {
	require := require.New(t)

	g := newFakeGlue(t)
	filter, err := NewReplayFilter()
	require.NoError(err)
	incomingCh := make(chan interface{}, 16)
	w := New(g, filter, incomingCh, 0)
	t.Cleanup(w.Halt)
	return g, incomingCh
}

func waitCreated(t *testing.T, g *fakeGlue) created {
	select {
	case c := <-g.router.createdCh:
		return c
	case <-time.After(15 * time.Second):
		t.Fatal("timeout waiting for handshake completion")
	}
	panic("unreachable")
}

func TestCryptoWorkerHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g, incomingCh := startWorker(t)

	nodeID := ntor.NewNodeID(g.idDigest)
	hs, err := ntor.NewClientHandshake(rand.Reader, nodeID, g.onionKey.Public())
	require.NoError(err)

	incomingCh <- &Request{
		Chan:      1,
		ID:        0x80000001,
		Onionskin: hs.Onionskin(),
		RecvAt:    monotime.Now(),
	}

	c := waitCreated(t, g)
	require.NoError(c.err)
	require.Equal(uint64(1), c.chanHandle)
	require.EqualValues(0x80000001, c.id)
	require.Len(c.reply, ntor.ReplyLen)
	require.NotNil(c.layer)

	// The client derives the same keys from the reply.
	keyMaterial, err := hs.Finish(c.reply, onion.KeyMaterialLen)
	require.NoError(err)
	keys, err := onion.KeysFromBytes(keyMaterial)
	require.NoError(err)
	clientLayer := onion.NewLayer(keys)

	payload, err := cell.NewRelayPayload(cell.RelayData, 1, []byte("onions within onions"))
	require.NoError(err)
	require.NoError(onion.PackageForward([]*onion.Layer{clientLayer}, 0, payload))
	recognized, err := c.layer.UnwrapForward(payload)
	require.NoError(err)
	require.True(recognized)
}

func TestCryptoWorkerReplay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g, incomingCh := startWorker(t)

	nodeID := ntor.NewNodeID(g.idDigest)
	hs, err := ntor.NewClientHandshake(rand.Reader, nodeID, g.onionKey.Public())
	require.NoError(err)
	onionskin := hs.Onionskin()

	incomingCh <- &Request{Chan: 1, ID: 5, Onionskin: onionskin, RecvAt: monotime.Now()}
	c := waitCreated(t, g)
	require.NoError(c.err)

	// The identical onionskin presented again is refused, even on a
	// different channel.
	incomingCh <- &Request{Chan: 2, ID: 9, Onionskin: onionskin, RecvAt: monotime.Now()}
	c = waitCreated(t, g)
	require.ErrorIs(c.err, ErrReplay)
	require.Nil(c.reply)
	require.Nil(c.layer)
}

func TestCryptoWorkerStale(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g, incomingCh := startWorker(t)

	nodeID := ntor.NewNodeID(g.idDigest)
	hs, err := ntor.NewClientHandshake(rand.Reader, nodeID, g.onionKey.Public())
	require.NoError(err)

	incomingCh <- &Request{
		Chan:      1,
		ID:        7,
		Onionskin: hs.Onionskin(),
		RecvAt:    monotime.Now() - time.Minute,
	}
	c := waitCreated(t, g)
	require.ErrorIs(c.err, ErrStale)
}

func TestCryptoWorkerMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g, incomingCh := startWorker(t)

	// Truncated onionskin.
	incomingCh <- &Request{Chan: 1, ID: 3, Onionskin: make([]byte, 10), RecvAt: monotime.Now()}
	c := waitCreated(t, g)
	require.Error(c.err)

	// Well formed, but aimed at some other relay's identity.
	var otherDigest [hash.HashSize]byte
	_, err := rand.Reader.Read(otherDigest[:])
	require.NoError(err)
	hs, err := ntor.NewClientHandshake(rand.Reader, ntor.NewNodeID(otherDigest), g.onionKey.Public())
	require.NoError(err)

	incomingCh <- &Request{Chan: 1, ID: 4, Onionskin: hs.Onionskin(), RecvAt: monotime.Now()}
	c = waitCreated(t, g)
	require.ErrorIs(c.err, ntor.ErrNodeIDMismatch)
}

func TestReplayFilter(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	filter, err := NewReplayFilter()
	require.NoError(err)

	kp, err := ntor.NewKeypair(rand.Reader)
	require.NoError(err)

	require.False(filter.TestAndSet(kp.Public()))
	require.True(filter.TestAndSet(kp.Public()))
}
