// store.go - Circuit store.
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

package circuit

import (
	"errors"
	mRand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/monotime"
	"github.com/allium/allium/internal/constants"
)

var (
	// ErrSaturated is returned when a channel's circuit id space
	// yields no free id within the draw budget.
	ErrSaturated = errors.New("circuit: channel circuit id space saturated")

	// ErrIDTaken is returned when binding an attachment under an id
	// already in use on that channel.
	ErrIDTaken = errors.New("circuit: circuit id already bound")

	// ErrZeroID is returned when binding an attachment under the
	// reserved id 0.
	ErrZeroID = errors.New("circuit: zero circuit id")
)

// maxTombstones bounds the destroyed-attachment memory so an id
// spraying peer cannot grow it without limit.
const maxTombstones = 65536

// Key addresses one circuit attachment.
type Key struct {
	Chan uint64
	ID   cell.CircID
}

// Entry is one stored circuit with its attachment bookkeeping.
type Entry struct {
	Handle uint64
	Circ   Circuit

	keys []Key
}

type binding struct {
	entry *Entry
	side  Side
}

// Store indexes circuits for O(1) dispatch by (channel, id), allocates
// circuit ids, and remembers recently destroyed attachments so late
// cells on them die quietly.  A Store is owned by the router worker.
type Store struct {
	rng *mRand.Rand

	byKey    map[Key]binding
	byHandle map[uint64]*Entry
	byChan   map[uint64]map[cell.CircID]*Entry

	tombs map[Key]time.Duration

	nextHandle uint64
}

// NewStore returns an empty circuit store.
func NewStore() *Store {
	return &Store{
		rng:      rand.NewMath(),
		byKey:    make(map[Key]binding),
		byHandle: make(map[uint64]*Entry),
		byChan:   make(map[uint64]map[cell.CircID]*Entry),
		tombs:    make(map[Key]time.Duration),
	}
}

// Insert registers a circuit under a fresh control surface handle.
// Attachments are bound separately.
func (s *Store) Insert(c Circuit) *Entry {
	s.nextHandle++
	e := &Entry{Handle: s.nextHandle, Circ: c}
	s.byHandle[e.Handle] = e
	return e
}

// Bind indexes an attachment under a peer chosen id.
func (s *Store) Bind(e *Entry, side Side, k Key) error {
	if k.ID == 0 {
		return ErrZeroID
	}
	if _, ok := s.byKey[k]; ok {
		return ErrIDTaken
	}
	s.byKey[k] = binding{entry: e, side: side}
	m := s.byChan[k.Chan]
	if m == nil {
		m = make(map[cell.CircID]*Entry)
		s.byChan[k.Chan] = m
	}
	m[k.ID] = e
	e.keys = append(e.keys, k)

	// Rebinding a recently destroyed id revives it.
	delete(s.tombs, k)
	return nil
}

// Attach draws a fresh id on the channel and binds the attachment.
// Wide channels use the 4 byte id space.  The high bit follows the
// link protocol convention: set iff this side initiated the channel.
func (s *Store) Attach(e *Entry, side Side, chanHandle uint64, wide, initiator bool) (cell.CircID, error) {
	var msb, mask uint32
	if wide {
		mask = 0x7fffffff
		msb = 0x80000000
	} else {
		mask = 0x7fff
		msb = 0x8000
	}
	if !initiator {
		msb = 0
	}

	for i := 0; i < constants.MaxCircIDDraws; i++ {
		id := cell.CircID(s.rng.Uint32()&mask | msb)
		if id == 0 {
			continue
		}
		k := Key{Chan: chanHandle, ID: id}
		if _, ok := s.byKey[k]; ok {
			continue
		}
		if err := s.Bind(e, side, k); err != nil {
			continue
		}
		return id, nil
	}
	return 0, ErrSaturated
}

// Find resolves an attachment to its circuit and side.
func (s *Store) Find(k Key) (*Entry, Side, bool) {
	b, ok := s.byKey[k]
	if !ok {
		return nil, 0, false
	}
	return b.entry, b.side, true
}

// ByHandle resolves a control surface handle.
func (s *Store) ByHandle(h uint64) (*Entry, bool) {
	e, ok := s.byHandle[h]
	return e, ok
}

// ChannelEntries returns every circuit with an attachment on the
// channel, each once.
func (s *Store) ChannelEntries(chanHandle uint64) []*Entry {
	m := s.byChan[chanHandle]
	if len(m) == 0 {
		return nil
	}
	seen := make(map[*Entry]bool, len(m))
	entries := make([]*Entry, 0, len(m))
	for _, e := range m {
		if !seen[e] {
			seen[e] = true
			entries = append(entries, e)
		}
	}
	return entries
}

// Unbind releases a single attachment, tombstoning its key.  The
// circuit stays stored under its other keys; truncating a circuit
// sheds the next side binding this way.
func (s *Store) Unbind(e *Entry, k Key) {
	for i, bound := range e.keys {
		if bound != k {
			continue
		}
		e.keys = append(e.keys[:i], e.keys[i+1:]...)
		delete(s.byKey, k)
		if m := s.byChan[k.Chan]; m != nil {
			delete(m, k.ID)
			if len(m) == 0 {
				delete(s.byChan, k.Chan)
			}
		}
		s.noteTombstone(k)
		return
	}
}

// Remove unbinds every attachment, tombstoning each so late cells on
// them are dropped without another DESTROY exchange, and drops the
// handle index.
func (s *Store) Remove(e *Entry) {
	for _, k := range e.keys {
		delete(s.byKey, k)
		if m := s.byChan[k.Chan]; m != nil {
			delete(m, k.ID)
			if len(m) == 0 {
				delete(s.byChan, k.Chan)
			}
		}
		s.noteTombstone(k)
	}
	e.keys = nil
	delete(s.byHandle, e.Handle)
}

// NoteDestroyed remembers that a DESTROY was exchanged on a key that
// never resolved to a circuit.
func (s *Store) NoteDestroyed(k Key) {
	s.noteTombstone(k)
}

// WasDestroyed reports whether the key recently carried a DESTROY.
func (s *Store) WasDestroyed(k Key) bool {
	_, ok := s.tombs[k]
	return ok
}

func (s *Store) noteTombstone(k Key) {
	if len(s.tombs) >= maxTombstones {
		return
	}
	s.tombs[k] = monotime.Now()
}

// SweepTombstones drops tombstones older than maxAge, returning how
// many were removed.
func (s *Store) SweepTombstones(maxAge time.Duration) int {
	now := monotime.Now()
	removed := 0
	for k, when := range s.tombs {
		if now-when >= maxAge {
			delete(s.tombs, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored circuits.
func (s *Store) Len() int {
	return len(s.byHandle)
}

// Entries returns every stored circuit in no particular order.
func (s *Store) Entries() []*Entry {
	entries := make([]*Entry, 0, len(s.byHandle))
	for _, e := range s.byHandle {
		entries = append(entries, e)
	}
	return entries
}
