// crypto_worker.go - Allium handshake crypto worker.
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

// Package cryptoworker implements the onionskin crypto workers that
// run the responder side of circuit creation handshakes off the router
// thread.
package cryptoworker

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/crypto/onion"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

var (
	// ErrStale is reported through the router when an onionskin sat
	// queued past the configured delay budget.
	ErrStale = errors.New("cryptoworker: onionskin queued too long")

	// ErrReplay is reported through the router when an onionskin's
	// client ephemeral was seen before.
	ErrReplay = errors.New("cryptoworker: replayed onionskin")
)

// Request is one CREATE2 onionskin awaiting the responder handshake.
type Request struct {
	// Chan and ID name the attachment the onionskin arrived on.
	Chan uint64
	ID   cell.CircID

	// Onionskin is the raw client handshake data.
	Onionskin []byte

	// RecvAt is when the carrying cell left the wire.
	RecvAt time.Duration
}

// Worker is a handshake crypto worker instance.
type Worker struct {
	worker.Worker

	glue   glue.Glue
	log    *logging.Logger
	filter *ReplayFilter

	incomingCh <-chan interface{}

	nodeID ntor.NodeID
}

func (w *Worker) worker() {
	handshakeSlack := time.Duration(w.glue.Config().Debug.OnionskinDelay) * time.Millisecond

	for {
		// This is where the bulk of the circuit creation cost lands,
		// and the only significant source of parallelism.
		var req *Request

		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case e, ok := <-w.incomingCh:
			if !ok {
				return
			}
			req = e.(*Request)
		}

		// Refuse the onionskin if it has been sitting in the queue
		// waiting to be processed for way too long.
		now := monotime.Now()
		if dwell := now - req.RecvAt; dwell > handshakeSlack {
			w.log.Debugf("Refusing onionskin: %v:%v (Spent %v queued)", req.Chan, req.ID, dwell)
			w.glue.Router().OnCreated(req.Chan, req.ID, nil, nil, ErrStale)
			continue
		}

		reply, layer, err := w.doHandshake(req)
		if err != nil {
			w.log.Debugf("Rejecting onionskin: %v:%v (%v)", req.Chan, req.ID, err)
		} else {
			w.log.Debugf("Onionskin: %v:%v (Handshake took: %v)", req.Chan, req.ID, monotime.Now()-now)
		}
		w.glue.Router().OnCreated(req.Chan, req.ID, reply, layer, err)
	}
}

func (w *Worker) doHandshake(req *Request) ([]byte, *onion.Layer, error) {
	o, err := ntor.ParseOnionskin(req.Onionskin)
	if err != nil {
		instrument.OnionskinFailed()
		return nil, nil, err
	}

	reply, keyMaterial, err := ntor.ServerHandshake(rand.Reader, o, w.nodeID, w.glue.OnionKey(), onion.KeyMaterialLen)
	if err != nil {
		instrument.OnionskinFailed()
		return nil, nil, err
	}

	// The handshake succeeded so the ephemeral is well formed.  Only
	// now does it enter the filter, which keeps garbage floods from
	// filling it.
	if w.filter.TestAndSet(&o.ClientPublic) {
		instrument.OnionskinReplayed()
		return nil, nil, ErrReplay
	}

	keys, err := onion.KeysFromBytes(keyMaterial)
	if err != nil {
		// The KDF produced the requested length, this can not happen.
		w.glue.Bug("cryptoworker")
		return nil, nil, err
	}
	return reply, onion.NewLayer(keys), nil
}

// New constructs a new Worker instance.
func New(glued glue.Glue, filter *ReplayFilter, incomingCh <-chan interface{}, id int) *Worker {
	w := &Worker{
		glue:       glued,
		log:        glued.LogBackend().GetLogger(fmt.Sprintf("crypto:%d", id)),
		filter:     filter,
		incomingCh: incomingCh,
		nodeID:     ntor.NewNodeID(*glued.IdentityDigest()),
	}
	w.Go(w.worker)
	return w
}
