// server.go - Allium relay daemon.
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

// Package allium provides the Allium onion routing relay daemon.
package allium

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/katzenpost/hpqc/util"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cert"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/log"
	"github.com/allium/allium/core/utils"
	"github.com/allium/allium/internal/buildtime"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/channel"
	"github.com/allium/allium/internal/cryptoworker"
	"github.com/allium/allium/internal/debug"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
	"github.com/allium/allium/internal/profiling"
	"github.com/allium/allium/internal/relay"
	"github.com/allium/allium/internal/sched"
)

// ErrGenerateOnly is the error returned when the relay initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("allium: GenerateOnly set")

// linkScheme signs the link and auth certificates presented during the
// channel handshake.
var linkScheme = signSchemes.ByName("Ed25519")

const onionKeyType = "X25519 PRIVATE KEY"

// Server is an Allium relay instance.
type Server struct {
	cfg *config.Config

	identityPrivateKey sign.PrivateKey
	identityPublicKey  sign.PublicKey
	identityDigest     [hash.HashSize]byte
	onionKey           *ntor.Keypair

	tlsCert       *tls.Certificate
	tlsCertDigest []byte

	logBackend *log.Backend
	log        *logging.Logger

	onionskins *channels.InfiniteChannel
	cellQueues *cellq.Tracker

	buildTimes    *buildtime.Estimator
	scheduler     glue.Scheduler
	cryptoWorkers []*cryptoworker.Worker
	router        *relay.Router
	registry      *channel.Registry
	connector     glue.Connector
	listeners     []glue.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once

	bugCount uint64
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("allium: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("allium: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("allium: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("allium: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initIdentity() error {
	identityPrivateKeyFile := filepath.Join(s.cfg.Server.DataDir, "identity.private.pem")
	identityPublicKeyFile := filepath.Join(s.cfg.Server.DataDir, "identity.public.pem")

	var err error
	if utils.BothExists(identityPrivateKeyFile, identityPublicKeyFile) {
		s.identityPrivateKey, err = signpem.FromPrivatePEMFile(identityPrivateKeyFile, linkScheme)
		if err != nil {
			return err
		}
		s.identityPublicKey, err = signpem.FromPublicPEMFile(identityPublicKeyFile, linkScheme)
		if err != nil {
			return err
		}
	} else if utils.BothNotExists(identityPrivateKeyFile, identityPublicKeyFile) {
		s.identityPublicKey, s.identityPrivateKey, err = linkScheme.GenerateKey()
		if err != nil {
			return err
		}
		if err = signpem.PrivateKeyToFile(identityPrivateKeyFile, s.identityPrivateKey); err != nil {
			return err
		}
		if err = signpem.PublicKeyToFile(identityPublicKeyFile, s.identityPublicKey); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("allium: %s and %s must either both exist or not exist", identityPrivateKeyFile, identityPublicKeyFile)
	}

	s.identityDigest = hash.Sum256From(s.identityPublicKey)
	return nil
}

func (s *Server) initOnionKey() error {
	f := filepath.Join(s.cfg.Server.DataDir, "onion.private.pem")

	var err error
	if utils.Exists(f) {
		blob, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		blk, _ := pem.Decode(blob)
		if blk == nil || blk.Type != onionKeyType {
			return fmt.Errorf("allium: failed to decode onion key '%v'", f)
		}
		s.onionKey, err = ntor.KeypairFromBytes(blk.Bytes)
		return err
	}

	if s.onionKey, err = ntor.NewKeypair(rand.Reader); err != nil {
		return err
	}
	blob := pem.EncodeToMemory(&pem.Block{
		Type:  onionKeyType,
		Bytes: s.onionKey.PrivateBytes(),
	})
	return os.WriteFile(f, blob, 0600)
}

// IdentityDigest returns the digest of the relay's identity public key,
// the name peers authenticate during the link handshake.
func (s *Server) IdentityDigest() *[hash.HashSize]byte {
	return &s.identityDigest
}

// OnionPublicKey returns the public half of the relay's onion key, the
// key clients extend circuits to.
func (s *Server) OnionPublicKey() *ntor.PublicKey {
	return s.onionKey.Public()
}

// RotateLog rotates the log file if logging to disk is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Bug records an invariant violation in the named component.  The
// process stays up.
func (s *Server) Bug(component string) {
	n := atomic.AddUint64(&s.bugCount, 1)
	instrument.Bug()
	s.log.Errorf("BUG: invariant violation in %v (%d total)", component, n)
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop the listener(s), no new inbound channels.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Stop dialing outbound channels.
	if s.connector != nil {
		s.connector.Halt()
		s.connector = nil
	}

	// Close all channels.
	if s.registry != nil {
		s.registry.Halt()
		// Don't nil this out till after the scheduler has been torn down.
	}

	// Stop the handshake crypto workers.
	for i, w := range s.cryptoWorkers {
		if w != nil {
			w.Halt()
			s.cryptoWorkers[i] = nil
		}
	}

	// Stop the router, tearing down all circuits and streams.
	if s.router != nil {
		s.router.Halt()
		s.router = nil
	}

	// Stop the scheduler.
	if s.scheduler != nil {
		s.scheduler.Halt()
		s.scheduler = nil
		s.registry = nil // The scheduler dispatches into the registry.
	}

	// Flush and close the build time estimator.
	if s.buildTimes != nil {
		s.buildTimes.Halt()
		s.buildTimes = nil
	}

	// Clean up the top level components.
	if s.onionskins != nil {
		s.onionskins.Close()
	}
	if s.onionKey != nil {
		util.ExplicitBzero(s.onionKey.PrivateBytes())
	}
	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	goo := &serverGlue{s}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Allium is experimental software.  DO NOT DEPEND ON IT FOR STRONG ANONYMITY.")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Relay identifier is: '%v'", s.cfg.Server.Identifier)

	// Initialize the relay identity and onion keys.
	if err := s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Relay identity digest is: %v", debug.NodeIDToPrintString(&s.identityDigest))
	if err := s.initOnionKey(); err != nil {
		s.log.Errorf("Failed to initialize onion key: %v", err)
		return nil, err
	}
	s.log.Noticef("Relay onion public key is: %v", debug.BytesToPrintString(s.onionKey.Public().Bytes()))

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// The link TLS certificate is ephemeral.  Peers pin the relay
	// identity through the CERTS bundle, not the TLS certificate.
	var err error
	if s.tlsCert, err = cert.NewTLSCertificate(); err != nil {
		s.log.Errorf("Failed to generate link TLS certificate: %v", err)
		return nil, err
	}
	s.tlsCertDigest = cert.TLSCertDigest(s.tlsCert)

	if err = profiling.Start(s.log); err != nil {
		s.log.Warningf("Profiling disabled: %v", err)
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Initialize the build time estimator with its persisted state.
	if s.buildTimes, err = buildtime.New(goo); err != nil {
		s.log.Errorf("Failed to initialize build time estimator: %v", err)
		return nil, err
	}

	// Bring up the cell queues and the scheduler that drains them.
	s.cellQueues = cellq.NewTracker()
	s.scheduler = sched.New(goo)

	// Initialize and start the handshake crypto workers.
	filter, err := cryptoworker.NewReplayFilter()
	if err != nil {
		s.log.Errorf("Failed to initialize replay filter: %v", err)
		return nil, err
	}
	s.onionskins = channels.NewInfiniteChannel()
	s.cryptoWorkers = make([]*cryptoworker.Worker, 0, s.cfg.Debug.NumCryptoWorkers)
	for i := 0; i < s.cfg.Debug.NumCryptoWorkers; i++ {
		s.cryptoWorkers = append(s.cryptoWorkers, cryptoworker.New(goo, filter, s.onionskins.Out(), i))
	}

	// Start the router, the owner of all circuit and stream state.
	s.router = relay.New(goo, s.onionskins.In(), nil)

	// Bring up the channel registry and its outbound dialer.
	s.registry = channel.NewRegistry(goo)
	s.connector = channel.NewConnector(goo, s.registry)

	// Bring the listener(s) online.
	addresses := s.cfg.Server.BindAddresses
	if len(addresses) == 0 {
		addresses = s.cfg.Server.Addresses
	}
	s.listeners = make([]glue.Listener, 0, len(addresses))
	for i, addr := range addresses {
		l, err := channel.NewListener(goo, s.registry, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	isOk = true
	return s, nil
}

// serverGlue exposes the Server's components to the internal
// subpackages.
type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKey() sign.PrivateKey {
	return g.s.identityPrivateKey
}

func (g *serverGlue) IdentityPublicKey() sign.PublicKey {
	return g.s.identityPublicKey
}

func (g *serverGlue) IdentityDigest() *[hash.HashSize]byte {
	return &g.s.identityDigest
}

func (g *serverGlue) LinkScheme() sign.Scheme {
	return linkScheme
}

func (g *serverGlue) OnionKey() *ntor.Keypair {
	return g.s.onionKey
}

func (g *serverGlue) TLSCertificate() *tls.Certificate {
	return g.s.tlsCert
}

func (g *serverGlue) TLSCertDigest() []byte {
	return g.s.tlsCertDigest
}

func (g *serverGlue) Channels() glue.Channels {
	return g.s.registry
}

func (g *serverGlue) Connector() glue.Connector {
	return g.s.connector
}

func (g *serverGlue) Listeners() []glue.Listener {
	return g.s.listeners
}

func (g *serverGlue) Router() glue.Router {
	return g.s.router
}

func (g *serverGlue) Scheduler() glue.Scheduler {
	return g.s.scheduler
}

func (g *serverGlue) BuildTimes() glue.BuildTimes {
	return g.s.buildTimes
}

func (g *serverGlue) CellQueues() *cellq.Tracker {
	return g.s.cellQueues
}

func (g *serverGlue) Bug(component string) {
	g.s.Bug(component)
}
