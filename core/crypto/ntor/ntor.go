// ntor.go - Circuit extension handshake.
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

// Package ntor implements the one-way-authenticated circuit extension
// handshake carried in CREATE2/EXTEND2 cells: curve25519 key exchange
// with HMAC-SHA256 tagging and HKDF-SHA256 key expansion.  The client
// body is 84 bytes (NODEID | KEYID | CLIENT_PK), the server reply is
// 64 bytes (SERVER_PK | AUTH).
package ntor

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NodeIDLen is the length of a relay identity fingerprint as it
	// appears in the client handshake body.
	NodeIDLen = 20

	// PublicKeyLen is the length of a curve25519 public key.
	PublicKeyLen = 32

	// PrivateKeyLen is the length of a curve25519 private key.
	PrivateKeyLen = 32

	// AuthLen is the length of the server's authentication tag.
	AuthLen = sha256.Size

	// OnionskinLen is the length of the client handshake body.
	OnionskinLen = NodeIDLen + PublicKeyLen + PublicKeyLen

	// ReplyLen is the length of the server handshake reply.
	ReplyLen = PublicKeyLen + AuthLen
)

var (
	// ErrMalformed is returned when a handshake body has the wrong
	// length.
	ErrMalformed = errors.New("ntor: malformed handshake body")

	// ErrNodeIDMismatch is returned by the responder when the client
	// body names a different relay identity.
	ErrNodeIDMismatch = errors.New("ntor: node id mismatch")

	// ErrKeyIDMismatch is returned by the responder when the client
	// body names an onion key this relay does not hold.
	ErrKeyIDMismatch = errors.New("ntor: onion key id mismatch")

	// ErrAuthMismatch is returned by the initiator when the server's
	// authentication tag fails to verify.  The circuit must be torn
	// down.
	ErrAuthMismatch = errors.New("ntor: handshake authentication failed")

	// ErrInvalidPoint is returned when a key exchange yields a
	// contributory-behavior failure (all zero shared secret).
	ErrInvalidPoint = errors.New("ntor: invalid curve25519 point")

	protoID   = []byte("ntor-curve25519-sha256-1")
	tMac      = append(protoID[0:len(protoID):len(protoID)], []byte(":mac")...)
	tKey      = append(protoID[0:len(protoID):len(protoID)], []byte(":key_extract")...)
	tVerify   = append(protoID[0:len(protoID):len(protoID)], []byte(":verify")...)
	mExpand   = append(protoID[0:len(protoID):len(protoID)], []byte(":key_expand")...)
	serverStr = []byte("Server")
)

// NodeID is the truncated identity digest a client uses to name the
// relay it is extending to.
type NodeID [NodeIDLen]byte

// NewNodeID derives a NodeID from a full identity key digest.
func NewNodeID(identityDigest [32]byte) NodeID {
	var id NodeID
	copy(id[:], identityDigest[:NodeIDLen])
	return id
}

// PublicKey is a curve25519 public key.
type PublicKey [PublicKeyLen]byte

// Bytes returns the raw public key.
func (k *PublicKey) Bytes() []byte {
	return k[:]
}

// PrivateKey is a curve25519 private key.
type PrivateKey [PrivateKeyLen]byte

// Keypair is a curve25519 keypair, either a relay's medium-term onion
// key or a handshake ephemeral.
type Keypair struct {
	private PrivateKey
	public  PublicKey
}

// NewKeypair generates a new curve25519 keypair using the provided
// entropy source.
func NewKeypair(r io.Reader) (*Keypair, error) {
	k := new(Keypair)
	if _, err := io.ReadFull(r, k.private[:]); err != nil {
		return nil, err
	}
	k.private[0] &= 248
	k.private[31] &= 127
	k.private[31] |= 64

	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.public[:], pub)
	return k, nil
}

// KeypairFromBytes reconstructs a keypair from a stored private key.
func KeypairFromBytes(private []byte) (*Keypair, error) {
	if len(private) != PrivateKeyLen {
		return nil, fmt.Errorf("ntor: private key of %d bytes", len(private))
	}
	k := new(Keypair)
	copy(k.private[:], private)
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.public[:], pub)
	return k, nil
}

// Public returns the public half of the keypair.
func (k *Keypair) Public() *PublicKey {
	return &k.public
}

// PrivateBytes returns the raw private key for persistence.
func (k *Keypair) PrivateBytes() []byte {
	return k.private[:]
}

// Onionskin is a parsed client handshake body.
type Onionskin struct {
	NodeID       NodeID
	KeyID        PublicKey
	ClientPublic PublicKey
}

// ParseOnionskin parses the 84 byte client handshake body.
func ParseOnionskin(b []byte) (*Onionskin, error) {
	if len(b) != OnionskinLen {
		return nil, ErrMalformed
	}
	o := new(Onionskin)
	off := copy(o.NodeID[:], b)
	off += copy(o.KeyID[:], b[off:])
	copy(o.ClientPublic[:], b[off:])
	return o, nil
}

// Pack serializes the client handshake body.
func (o *Onionskin) Pack() []byte {
	b := make([]byte, 0, OnionskinLen)
	b = append(b, o.NodeID[:]...)
	b = append(b, o.KeyID[:]...)
	b = append(b, o.ClientPublic[:]...)
	return b
}

// ClientHandshake holds the initiator's ephemeral state between sending
// the onionskin and processing the reply.
type ClientHandshake struct {
	nodeID    NodeID
	serverPub PublicKey
	ephemeral *Keypair
}

// NewClientHandshake starts a handshake toward a relay identified by
// nodeID holding the onion key serverPub.  The entropy source feeds the
// ephemeral keypair.
func NewClientHandshake(r io.Reader, nodeID NodeID, serverPub *PublicKey) (*ClientHandshake, error) {
	eph, err := NewKeypair(r)
	if err != nil {
		return nil, err
	}
	return &ClientHandshake{
		nodeID:    nodeID,
		serverPub: *serverPub,
		ephemeral: eph,
	}, nil
}

// Onionskin returns the client handshake body to place in a
// CREATE2/EXTEND2 cell.
func (h *ClientHandshake) Onionskin() []byte {
	o := &Onionskin{
		NodeID:       h.nodeID,
		KeyID:        h.serverPub,
		ClientPublic: h.ephemeral.public,
	}
	return o.Pack()
}

// Finish verifies the 64 byte server reply and derives kdfLen bytes of
// circuit key material.  ErrAuthMismatch means the reply was not
// produced by the named relay and the circuit must be closed.
func (h *ClientHandshake) Finish(reply []byte, kdfLen int) ([]byte, error) {
	if len(reply) != ReplyLen {
		return nil, ErrMalformed
	}
	var serverEph PublicKey
	copy(serverEph[:], reply[:PublicKeyLen])
	auth := reply[PublicKeyLen:]

	xy, err := curve25519.X25519(h.ephemeral.private[:], serverEph[:])
	if err != nil {
		return nil, ErrInvalidPoint
	}
	xb, err := curve25519.X25519(h.ephemeral.private[:], h.serverPub[:])
	if err != nil {
		return nil, ErrInvalidPoint
	}

	secretInput := buildSecretInput(xy, xb, &h.nodeID, &h.serverPub, &h.ephemeral.public, &serverEph)
	expect := authTag(secretInput, &h.nodeID, &h.serverPub, &serverEph, &h.ephemeral.public)
	if subtle.ConstantTimeCompare(expect, auth) != 1 {
		return nil, ErrAuthMismatch
	}
	return kdf(secretInput, kdfLen)
}

// ServerHandshake processes a client onionskin on the responder.  It
// returns the 64 byte reply body and kdfLen bytes of circuit key
// material.  identity is this relay's NodeID and onionKey its
// medium-term curve25519 keypair; the entropy source feeds the server
// ephemeral.
func ServerHandshake(r io.Reader, o *Onionskin, identity NodeID, onionKey *Keypair, kdfLen int) ([]byte, []byte, error) {
	if o.NodeID != identity {
		return nil, nil, ErrNodeIDMismatch
	}
	if o.KeyID != onionKey.public {
		return nil, nil, ErrKeyIDMismatch
	}

	eph, err := NewKeypair(r)
	if err != nil {
		return nil, nil, err
	}

	xy, err := curve25519.X25519(eph.private[:], o.ClientPublic[:])
	if err != nil {
		return nil, nil, ErrInvalidPoint
	}
	xb, err := curve25519.X25519(onionKey.private[:], o.ClientPublic[:])
	if err != nil {
		return nil, nil, ErrInvalidPoint
	}

	secretInput := buildSecretInput(xy, xb, &identity, &onionKey.public, &o.ClientPublic, &eph.public)
	auth := authTag(secretInput, &identity, &onionKey.public, &eph.public, &o.ClientPublic)

	reply := make([]byte, 0, ReplyLen)
	reply = append(reply, eph.public[:]...)
	reply = append(reply, auth...)

	keyMaterial, err := kdf(secretInput, kdfLen)
	if err != nil {
		return nil, nil, err
	}
	return reply, keyMaterial, nil
}

// buildSecretInput assembles EXP(X,y)|EXP(X,b)|ID|B|X|Y|PROTOID (in the
// initiator's view, EXP(Y,x)|EXP(B,x)|...).
func buildSecretInput(exp1, exp2 []byte, id *NodeID, b, x, y *PublicKey) []byte {
	s := make([]byte, 0, 2*PublicKeyLen+NodeIDLen+3*PublicKeyLen+len(protoID))
	s = append(s, exp1...)
	s = append(s, exp2...)
	s = append(s, id[:]...)
	s = append(s, b[:]...)
	s = append(s, x[:]...)
	s = append(s, y[:]...)
	s = append(s, protoID...)
	return s
}

// authTag computes AUTH = H(verify | ID | B | Y | X | PROTOID |
// "Server", t_mac) where verify = H(secret_input, t_verify).
func authTag(secretInput []byte, id *NodeID, b, y, x *PublicKey) []byte {
	verify := hmacTag(tVerify, secretInput)
	m := hmac.New(sha256.New, tMac)
	m.Write(verify)
	m.Write(id[:])
	m.Write(b[:])
	m.Write(y[:])
	m.Write(x[:])
	m.Write(protoID)
	m.Write(serverStr)
	return m.Sum(nil)
}

// kdf expands the shared secret into circuit key material with
// HKDF-SHA256, salt t_key, info m_expand.
func kdf(secretInput []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secretInput, tKey, mExpand)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func hmacTag(tag, data []byte) []byte {
	m := hmac.New(sha256.New, tag)
	m.Write(data)
	return m.Sum(nil)
}
