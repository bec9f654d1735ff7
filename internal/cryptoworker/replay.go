// replay.go - Onionskin replay detection.
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
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"

	"github.com/allium/allium/core/crypto/ntor"
)

// ReplayFilter remembers client handshake ephemerals for the lifetime
// of the onion key, so that a captured CREATE2 can not be used to key
// a second circuit.  It is shared by every crypto worker.
type ReplayFilter struct {
	sync.Mutex

	f *bloom.Filter
}

// TestAndSet marks the ephemeral as seen, and returns true iff it has
// been seen previously.
func (r *ReplayFilter) TestAndSet(clientPublic *ntor.PublicKey) bool {
	r.Lock()
	defer r.Unlock()

	// A saturated filter would start reporting false replays, so fail
	// closed and refuse all further circuit creation instead.
	// XXX: the filter size should be tuned for the maximum circuit rate
	// expected over an onion key's lifetime.
	if r.f.Entries() >= r.f.MaxEntries() {
		return true
	}
	return r.f.TestAndSet(clientPublic.Bytes())
}

// NewReplayFilter constructs an empty replay filter.
func NewReplayFilter() (*ReplayFilter, error) {
	f, err := bloom.New(rand.Reader, 25, 0.001) // 4 MiB, 2,327,551 entries.
	if err != nil {
		return nil, err
	}
	return &ReplayFilter{f: f}, nil
}
