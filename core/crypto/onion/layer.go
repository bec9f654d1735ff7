// layer.go - Per-hop relay cell crypto state.
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

// Package onion implements the per-hop symmetric crypto applied to
// relay cell payloads: one AES-128-CTR stream cipher and one running
// SHA-1 digest per direction per hop, plus the key derivation functions
// that seed them.  The construction is bit-compatible with deployed
// peers: forward means away from the circuit origin, the digest field
// holds the leading 4 bytes of the running hash computed over the
// payload with the digest field zeroed, and recognized == 0 plus a
// matching digest marks a cell as terminating at that hop.
package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/allium/allium/core/cell"
)

const (
	// KeyLen is the stream cipher key length.
	KeyLen = 16

	// DigestLen is the running digest seed and output length.
	DigestLen = sha1.Size

	// KeyMaterialLen is the amount of KDF output consumed per hop:
	// Df | Db | Kf | Kb.
	KeyMaterialLen = 2*DigestLen + 2*KeyLen
)

// ErrShortKeyMaterial is returned when the KDF output slice is shorter
// than KeyMaterialLen.
var ErrShortKeyMaterial = errors.New("onion: short key material")

// Keys is the per-hop key material in KDF output order.
type Keys struct {
	Df [DigestLen]byte
	Db [DigestLen]byte
	Kf [KeyLen]byte
	Kb [KeyLen]byte
}

// KeysFromBytes slices KDF output into per-hop key material.
func KeysFromBytes(b []byte) (*Keys, error) {
	if len(b) < KeyMaterialLen {
		return nil, ErrShortKeyMaterial
	}
	k := new(Keys)
	off := copy(k.Df[:], b)
	off += copy(k.Db[:], b[off:])
	off += copy(k.Kf[:], b[off:])
	copy(k.Kb[:], b[off:])
	return k, nil
}

// Layer is one hop's symmetric state.  The origin holds one Layer per
// hop of the circuit, a forwarding relay holds exactly one.  A Layer is
// owned by a single goroutine.
type Layer struct {
	fwdCipher cipher.Stream
	bwdCipher cipher.Stream
	fwdDigest hash.Hash
	bwdDigest hash.Hash
}

// NewLayer assembles a Layer from per-hop key material.  The stream
// ciphers run AES-128-CTR with an all zero IV, the running digests are
// SHA-1 seeded with the digest halves of the key material.
func NewLayer(k *Keys) *Layer {
	l := &Layer{
		fwdDigest: sha1.New(),
		bwdDigest: sha1.New(),
	}
	l.fwdDigest.Write(k.Df[:])
	l.bwdDigest.Write(k.Db[:])

	var iv [aes.BlockSize]byte
	fb, err := aes.NewCipher(k.Kf[:])
	if err != nil {
		panic(fmt.Sprintf("onion: AES key setup: %v", err))
	}
	l.fwdCipher = cipher.NewCTR(fb, iv[:])
	bb, err := aes.NewCipher(k.Kb[:])
	if err != nil {
		panic(fmt.Sprintf("onion: AES key setup: %v", err))
	}
	l.bwdCipher = cipher.NewCTR(bb, iv[:])
	return l
}

// FwdDigestSum returns the current forward running digest.  It does not
// disturb the running state.
func (l *Layer) FwdDigestSum() []byte {
	return l.fwdDigest.Sum(nil)
}

// BwdDigestSum returns the current backward running digest.
func (l *Layer) BwdDigestSum() []byte {
	return l.bwdDigest.Sum(nil)
}

// UnwrapForward removes this hop's forward cipher layer from a relay
// payload and reports whether the cell is recognized at this hop.  On
// recognition the forward running digest has been advanced over the
// cell; otherwise all state is unchanged except for the cipher stream,
// and the payload is left exactly one layer lighter for forwarding.
func (l *Layer) UnwrapForward(payload []byte) (bool, error) {
	l.fwdCipher.XORKeyStream(payload, payload)
	return l.recognize(l.fwdDigest, payload)
}

// WrapBackward adds this hop's backward cipher layer to a relay payload
// being forwarded toward the origin.  Forwarded cells do not touch the
// running digest; only originated cells do.
func (l *Layer) WrapBackward(payload []byte) {
	l.bwdCipher.XORKeyStream(payload, payload)
}

// OriginateBackward stamps the digest of a locally originated payload
// into the backward running hash and encrypts it toward the origin.
// The payload must have zeroed recognized and digest fields.
func (l *Layer) OriginateBackward(payload []byte) {
	stampDigest(l.bwdDigest, payload)
	l.bwdCipher.XORKeyStream(payload, payload)
}

// PackageForward prepares a payload originated here for hop k of an
// origin circuit: the digest is stamped into hop k's forward running
// hash and the payload is encrypted with the forward ciphers of hops
// k .. 0, leaving the first hop's layer outermost.
func PackageForward(hops []*Layer, k int, payload []byte) error {
	if k < 0 || k >= len(hops) {
		return fmt.Errorf("onion: package for hop %d of %d", k, len(hops))
	}
	stampDigest(hops[k].fwdDigest, payload)
	for j := k; j >= 0; j-- {
		hops[j].fwdCipher.XORKeyStream(payload, payload)
	}
	return nil
}

// RecognizeBackward peels an inbound payload at the origin one hop at a
// time and returns the index of the hop that originated it.  A payload
// no hop recognizes returns (-1, false); such cells are noise and the
// caller discards them.
func RecognizeBackward(hops []*Layer, payload []byte) (int, bool) {
	for j := range hops {
		hops[j].bwdCipher.XORKeyStream(payload, payload)
		ok, err := hops[j].recognize(hops[j].bwdDigest, payload)
		if err != nil {
			return -1, false
		}
		if ok {
			return j, true
		}
	}
	return -1, false
}

// stampDigest feeds the payload (digest field zeroed) into the running
// hash and writes the leading hash bytes into the digest field.
func stampDigest(d hash.Hash, payload []byte) {
	cell.ZeroRelayDigest(payload)
	d.Write(payload)
	sum := d.Sum(nil)
	cell.SetRelayDigest(payload, sum[:cell.RelayDigestLen])
}

// recognize performs the trial hash check: recognized must be zero and
// the leading bytes of the running hash over the payload (digest field
// zeroed) must match the digest field.  On a mismatch the running hash
// state and the payload are restored.
func (l *Layer) recognize(d hash.Hash, payload []byte) (bool, error) {
	if len(payload) != cell.PayloadLen {
		return false, fmt.Errorf("onion: relay payload of %d bytes", len(payload))
	}
	if binary.BigEndian.Uint16(payload[1:3]) != 0 {
		return false, nil
	}

	snapshot, err := d.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("onion: digest snapshot: %v", err)
	}

	old := cell.ZeroRelayDigest(payload)
	d.Write(payload)
	sum := d.Sum(nil)
	cell.SetRelayDigest(payload, old[:])

	if subtle.ConstantTimeCompare(sum[:cell.RelayDigestLen], old[:]) == 1 {
		return true, nil
	}
	if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); err != nil {
		return false, fmt.Errorf("onion: digest restore: %v", err)
	}
	return false, nil
}
