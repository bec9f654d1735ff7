// handshake.go - Link negotiation cell body formats.
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

package cell

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AuthMethodEd25519 is the only AUTH_CHALLENGE method offered or
// accepted: an Ed25519 signature over the session transcript digest.
const AuthMethodEd25519 uint16 = 3

// ChallengeLen is the length of the random AUTH_CHALLENGE nonce.
const ChallengeLen = 32

// CreateFastKeyLen is the length of the X (and Y) key material halves
// of the CREATE_FAST/CREATED_FAST exchange, and of the KH derivative
// key proof in the reply.
const CreateFastKeyLen = 20

// PackVersions serializes a VERSIONS body: each supported link version
// as a 16 bit big endian integer.
func PackVersions(versions []uint16) []byte {
	body := make([]byte, 0, 2*len(versions))
	for _, v := range versions {
		body = binary.BigEndian.AppendUint16(body, v)
	}
	return body
}

// ParseVersions parses a VERSIONS body.
func ParseVersions(body []byte) ([]uint16, error) {
	if len(body) == 0 || len(body)%2 != 0 {
		return nil, fmt.Errorf("%w: VERSIONS body length %d", ErrMalformedCell, len(body))
	}
	versions := make([]uint16, 0, len(body)/2)
	for off := 0; off < len(body); off += 2 {
		versions = append(versions, binary.BigEndian.Uint16(body[off:]))
	}
	return versions, nil
}

// CommonVersion returns the highest link version present in both lists
// that is at least MinLinkVersion, or 0 if there is none.
func CommonVersion(ours, theirs []uint16) uint16 {
	var best uint16
	for _, a := range ours {
		if a < MinLinkVersion {
			continue
		}
		for _, b := range theirs {
			if a == b && a > best {
				best = a
			}
		}
	}
	return best
}

// Netinfo address types.
const (
	netinfoAddrIPv4 byte = 4
	netinfoAddrIPv6 byte = 6
)

// NetinfoPayload is a parsed NETINFO cell payload: the sender's clock,
// the address it believes it is talking to, and the addresses it claims
// for itself.
type NetinfoPayload struct {
	Time      uint32
	OtherAddr net.IP
	MyAddrs   []net.IP
}

func packNetinfoAddr(out []byte, ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		out = append(out, netinfoAddrIPv4, 4)
		return append(out, ip4...)
	}
	out = append(out, netinfoAddrIPv6, 16)
	return append(out, ip.To16()...)
}

func parseNetinfoAddr(body []byte) (net.IP, int, error) {
	if len(body) < 2 {
		return nil, 0, fmt.Errorf("%w: truncated NETINFO address", ErrMalformedCell)
	}
	atype, alen := body[0], int(body[1])
	if len(body) < 2+alen {
		return nil, 0, fmt.Errorf("%w: truncated NETINFO address", ErrMalformedCell)
	}
	val := body[2 : 2+alen]
	switch {
	case atype == netinfoAddrIPv4 && alen == 4:
		return net.IP(append([]byte{}, val...)), 2 + alen, nil
	case atype == netinfoAddrIPv6 && alen == 16:
		return net.IP(append([]byte{}, val...)), 2 + alen, nil
	default:
		// Unknown address type, skip over it.
		return nil, 2 + alen, nil
	}
}

// ParseNetinfo parses a NETINFO payload.
func ParseNetinfo(payload []byte) (*NetinfoPayload, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("%w: truncated NETINFO", ErrMalformedCell)
	}
	n := &NetinfoPayload{Time: binary.BigEndian.Uint32(payload[0:4])}
	ip, adv, err := parseNetinfoAddr(payload[4:])
	if err != nil {
		return nil, err
	}
	n.OtherAddr = ip
	off := 4 + adv
	if len(payload) < off+1 {
		return nil, fmt.Errorf("%w: truncated NETINFO", ErrMalformedCell)
	}
	nrAddrs := int(payload[off])
	off++
	for i := 0; i < nrAddrs; i++ {
		ip, adv, err = parseNetinfoAddr(payload[off:])
		if err != nil {
			return nil, err
		}
		if ip != nil {
			n.MyAddrs = append(n.MyAddrs, ip)
		}
		off += adv
	}
	return n, nil
}

// Pack serializes the NETINFO body into a zero padded fixed cell
// payload.
func (n *NetinfoPayload) Pack() ([]byte, error) {
	body := make([]byte, 4, PayloadLen)
	binary.BigEndian.PutUint32(body[0:4], n.Time)
	body = packNetinfoAddr(body, n.OtherAddr)
	if len(n.MyAddrs) > 255 {
		return nil, fmt.Errorf("%w: %d NETINFO addresses", ErrMalformedCell, len(n.MyAddrs))
	}
	body = append(body, byte(len(n.MyAddrs)))
	for _, ip := range n.MyAddrs {
		body = packNetinfoAddr(body, ip)
	}
	if len(body) > PayloadLen {
		return nil, fmt.Errorf("%w: oversized NETINFO", ErrMalformedCell)
	}
	payload := make([]byte, PayloadLen)
	copy(payload, body)
	return payload, nil
}

// AuthChallenge is a parsed AUTH_CHALLENGE body.
type AuthChallenge struct {
	Challenge [ChallengeLen]byte
	Methods   []uint16
}

// ParseAuthChallenge parses an AUTH_CHALLENGE body.
func ParseAuthChallenge(body []byte) (*AuthChallenge, error) {
	if len(body) < ChallengeLen+2 {
		return nil, fmt.Errorf("%w: truncated AUTH_CHALLENGE", ErrMalformedCell)
	}
	a := new(AuthChallenge)
	copy(a.Challenge[:], body[0:ChallengeLen])
	nrMethods := int(binary.BigEndian.Uint16(body[ChallengeLen:]))
	off := ChallengeLen + 2
	if len(body) < off+2*nrMethods {
		return nil, fmt.Errorf("%w: truncated AUTH_CHALLENGE methods", ErrMalformedCell)
	}
	for i := 0; i < nrMethods; i++ {
		a.Methods = append(a.Methods, binary.BigEndian.Uint16(body[off:]))
		off += 2
	}
	return a, nil
}

// Pack serializes the AUTH_CHALLENGE body.
func (a *AuthChallenge) Pack() []byte {
	body := make([]byte, 0, ChallengeLen+2+2*len(a.Methods))
	body = append(body, a.Challenge[:]...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(a.Methods)))
	for _, m := range a.Methods {
		body = binary.BigEndian.AppendUint16(body, m)
	}
	return body
}

// SupportsMethod returns true if the challenge offers the method.
func (a *AuthChallenge) SupportsMethod(m uint16) bool {
	for _, v := range a.Methods {
		if v == m {
			return true
		}
	}
	return false
}

// Padding negotiation commands.
const (
	PaddingCommandStop  byte = 1
	PaddingCommandStart byte = 2
)

// PaddingNegotiate is a parsed PADDING_NEGOTIATE payload: the peer's
// request to stop channel padding or to start it with the given timeout
// bounds.
type PaddingNegotiate struct {
	Command byte
	LowMs   uint16
	HighMs  uint16
}

// ParsePaddingNegotiate parses a PADDING_NEGOTIATE payload.
func ParsePaddingNegotiate(payload []byte) (*PaddingNegotiate, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: truncated PADDING_NEGOTIATE", ErrMalformedCell)
	}
	if payload[0] != 0 {
		return nil, fmt.Errorf("%w: PADDING_NEGOTIATE version %d", ErrMalformedCell, payload[0])
	}
	p := &PaddingNegotiate{
		Command: payload[1],
		LowMs:   binary.BigEndian.Uint16(payload[2:4]),
		HighMs:  binary.BigEndian.Uint16(payload[4:6]),
	}
	switch p.Command {
	case PaddingCommandStop, PaddingCommandStart:
	default:
		return nil, fmt.Errorf("%w: PADDING_NEGOTIATE command %d", ErrMalformedCell, p.Command)
	}
	return p, nil
}

// Pack serializes the PADDING_NEGOTIATE body into a zero padded fixed
// cell payload.
func (p *PaddingNegotiate) Pack() []byte {
	payload := make([]byte, PayloadLen)
	payload[0] = 0 // version
	payload[1] = p.Command
	binary.BigEndian.PutUint16(payload[2:4], p.LowMs)
	binary.BigEndian.PutUint16(payload[4:6], p.HighMs)
	return payload
}

// ParseCreateFast extracts the X key material from a CREATE_FAST
// payload.
func ParseCreateFast(payload []byte) ([]byte, error) {
	if len(payload) < CreateFastKeyLen {
		return nil, fmt.Errorf("%w: truncated CREATE_FAST", ErrMalformedCell)
	}
	x := make([]byte, CreateFastKeyLen)
	copy(x, payload[0:CreateFastKeyLen])
	return x, nil
}

// PackCreateFast serializes X into a zero padded CREATE_FAST payload.
func PackCreateFast(x []byte) ([]byte, error) {
	if len(x) != CreateFastKeyLen {
		return nil, fmt.Errorf("%w: CREATE_FAST key length %d", ErrMalformedCell, len(x))
	}
	payload := make([]byte, PayloadLen)
	copy(payload, x)
	return payload, nil
}

// ParseCreatedFast extracts the Y key material and the KH derivative
// key proof from a CREATED_FAST payload.
func ParseCreatedFast(payload []byte) (y, kh []byte, err error) {
	if len(payload) < 2*CreateFastKeyLen {
		return nil, nil, fmt.Errorf("%w: truncated CREATED_FAST", ErrMalformedCell)
	}
	y = make([]byte, CreateFastKeyLen)
	copy(y, payload[0:CreateFastKeyLen])
	kh = make([]byte, CreateFastKeyLen)
	copy(kh, payload[CreateFastKeyLen:2*CreateFastKeyLen])
	return y, kh, nil
}

// PackCreatedFast serializes Y and KH into a zero padded CREATED_FAST
// payload.
func PackCreatedFast(y, kh []byte) ([]byte, error) {
	if len(y) != CreateFastKeyLen || len(kh) != CreateFastKeyLen {
		return nil, fmt.Errorf("%w: CREATED_FAST key length %d/%d", ErrMalformedCell, len(y), len(kh))
	}
	payload := make([]byte, PayloadLen)
	copy(payload, y)
	copy(payload[CreateFastKeyLen:], kh)
	return payload, nil
}
