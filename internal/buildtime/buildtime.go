// buildtime.go - Circuit build time estimator.
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

// Package buildtime implements the adaptive circuit build timeout
// estimator, backed by a rolling window of observed build times that
// is periodically persisted so the learned timeout survives restarts.
package buildtime

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/allium/allium/core/worker"
	"github.com/allium/allium/internal/glue"
	"github.com/allium/allium/internal/instrument"
)

const (
	dbFile          = "buildtimes.db"
	histogramBucket = "buildtimes"
	histogramKey    = "histogram"
	versionKey      = "version"

	// maxSamples bounds the rolling window, so the estimate tracks
	// current network conditions instead of ancient history.
	maxSamples = 1000

	// minSamples gates the learned estimate.  Below this the
	// configured initial timeout is used.
	minSamples = 100

	// timeoutQuantile is the fraction of observed builds the learned
	// timeout should admit.
	timeoutQuantile = 0.8

	minTimeout = 500 * time.Millisecond
	binWidth   = 10 * time.Millisecond

	flushInterval = 10 * time.Minute
)

// histogramState is the persisted distribution: sample count plus
// 10 ms wide bins keyed by their start offset in milliseconds.
type histogramState struct {
	Count int
	Bins  map[uint32]uint32
}

// Estimator derives the circuit build timeout from recent build times.
// AddSample and Timeout are cheap and safe to call from any goroutine.
type Estimator struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	db  *bolt.DB

	samples [maxSamples]time.Duration
	head    int
	count   int

	initial time.Duration
	cached  time.Duration
	dirty   bool
}

// AddSample feeds one completed circuit build time into the window.
func (e *Estimator) AddSample(d time.Duration) {
	if d <= 0 {
		return
	}

	e.Lock()
	defer e.Unlock()

	e.samples[e.head] = d
	e.head = (e.head + 1) % maxSamples
	if e.count < maxSamples {
		e.count++
	}
	e.dirty = true
}

// Timeout returns the current circuit build timeout.
func (e *Estimator) Timeout() time.Duration {
	e.Lock()
	defer e.Unlock()

	if e.count < minSamples {
		return e.initial
	}
	if e.dirty {
		e.cached = e.estimate()
		e.dirty = false
		instrument.SetBuildTimeout(uint64(e.cached / time.Millisecond))
	}
	return e.cached
}

// estimate computes the timeout quantile over the live samples.  The
// caller holds the lock.
func (e *Estimator) estimate() time.Duration {
	sorted := make([]time.Duration, e.count)
	copy(sorted, e.samples[:e.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Nearest rank.
	idx := int(math.Ceil(timeoutQuantile*float64(e.count))) - 1
	if idx < 0 {
		idx = 0
	}
	t := sorted[idx]
	if t < minTimeout {
		t = minTimeout
	}
	return t
}

func (e *Estimator) snapshot() *histogramState {
	e.Lock()
	defer e.Unlock()

	st := &histogramState{
		Count: e.count,
		Bins:  make(map[uint32]uint32),
	}
	for i := 0; i < e.count; i++ {
		bin := uint32(e.samples[i]/binWidth) * uint32(binWidth/time.Millisecond)
		st.Bins[bin]++
	}
	return st
}

func (e *Estimator) persist() error {
	blob, err := cbor.Marshal(e.snapshot())
	if err != nil {
		return err
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(histogramBucket))
		return bkt.Put([]byte(histogramKey), blob)
	})
}

// restore expands a persisted histogram back into window samples.
// Bin centers stand in for the original values, which is as much
// fidelity as the quantile needs.
func (e *Estimator) restore(blob []byte) error {
	st := new(histogramState)
	if err := cbor.Unmarshal(blob, st); err != nil {
		return err
	}

	e.Lock()
	defer e.Unlock()

	e.head, e.count = 0, 0
	for binMs, n := range st.Bins {
		d := time.Duration(binMs)*time.Millisecond + binWidth/2
		for ; n > 0 && e.count < maxSamples; n-- {
			e.samples[e.count] = d
			e.count++
		}
	}
	e.head = e.count % maxSamples
	e.dirty = true
	return nil
}

func (e *Estimator) initDB() error {
	return e.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(histogramBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("buildtime: incompatible version: %d", uint(b[0]))
			}
			if blob := bkt.Get([]byte(histogramKey)); blob != nil {
				if err := e.restore(blob); err != nil {
					// Unparseable distributions are discarded, the
					// estimator re-learns from the seed.
					e.log.Errorf("Failed to restore persisted build times: %v", err)
				} else {
					e.log.Debugf("Restored %d persisted build time samples.", e.count)
				}
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	})
}

func (e *Estimator) worker() {
	t := time.NewTicker(flushInterval)
	defer t.Stop()

	for {
		select {
		case <-e.HaltCh():
			e.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		if err := e.persist(); err != nil {
			e.log.Errorf("Failed to persist build times: %v", err)
		}
	}
}

// Halt stops the flush worker and gracefully closes the persistence
// store.
func (e *Estimator) Halt() {
	e.Worker.Halt()

	if err := e.persist(); err != nil {
		e.log.Errorf("Failed to persist build times: %v", err)
	}
	e.db.Sync()
	e.db.Close()
}

// New constructs a new Estimator, restoring any previously persisted
// distribution from the data directory.
func New(glued glue.Glue) (*Estimator, error) {
	cfg := glued.Config()
	e := &Estimator{
		log:     glued.LogBackend().GetLogger("buildtime"),
		initial: time.Duration(cfg.Debug.CircuitBuildTimeoutInitial) * time.Millisecond,
		dirty:   true,
	}

	var err error
	if e.db, err = bolt.Open(filepath.Join(cfg.Server.DataDir, dbFile), 0600, nil); err != nil {
		return nil, err
	}
	if err = e.initDB(); err != nil {
		e.db.Close()
		return nil, err
	}

	e.Go(e.worker)
	return e, nil
}
