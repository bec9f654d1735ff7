// extend.go - CREATE2/EXTEND2 handshake body formats.
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

// HandshakeNtor is the circuit extension handshake type carried in
// CREATE2/EXTEND2 cells.  The legacy TAP handshake (type 0) is refused.
const HandshakeNtor uint16 = 2

// LinkSpecType tags one link specifier in an EXTEND2 body.
type LinkSpecType byte

const (
	LinkSpecIPv4     LinkSpecType = 0
	LinkSpecIPv6     LinkSpecType = 1
	LinkSpecLegacyID LinkSpecType = 2
	LinkSpecEd25519  LinkSpecType = 3
)

// LinkSpec is one way of identifying or reaching the next hop.
type LinkSpec struct {
	Type LinkSpecType
	Data []byte
}

// NewAddrSpec builds an IPv4 or IPv6 link specifier from a TCP address
// string.
func NewAddrSpec(addr string) (LinkSpec, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return LinkSpec{}, fmt.Errorf("%w: link specifier address: %v", ErrMalformedCell, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return LinkSpec{}, fmt.Errorf("%w: link specifier port: %v", ErrMalformedCell, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return LinkSpec{}, fmt.Errorf("%w: link specifier host %q", ErrMalformedCell, host)
	}
	if ip4 := ip.To4(); ip4 != nil {
		data := make([]byte, 6)
		copy(data, ip4)
		binary.BigEndian.PutUint16(data[4:], uint16(port))
		return LinkSpec{Type: LinkSpecIPv4, Data: data}, nil
	}
	data := make([]byte, 18)
	copy(data, ip.To16())
	binary.BigEndian.PutUint16(data[16:], uint16(port))
	return LinkSpec{Type: LinkSpecIPv6, Data: data}, nil
}

// Addr returns the TCP address encoded by an IPv4/IPv6 specifier, or
// ok=false for identity specifiers.
func (s LinkSpec) Addr() (string, bool) {
	switch s.Type {
	case LinkSpecIPv4:
		if len(s.Data) != 6 {
			return "", false
		}
		ip := net.IP(s.Data[0:4])
		port := binary.BigEndian.Uint16(s.Data[4:6])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), true
	case LinkSpecIPv6:
		if len(s.Data) != 18 {
			return "", false
		}
		ip := net.IP(s.Data[0:16])
		port := binary.BigEndian.Uint16(s.Data[16:18])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), true
	default:
		return "", false
	}
}

// Extend2 is a parsed EXTEND2 relay body.
type Extend2 struct {
	Specs         []LinkSpec
	HandshakeType uint16
	HandshakeData []byte
}

// ParseExtend2 parses an EXTEND2 relay body.
func ParseExtend2(body []byte) (*Extend2, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty EXTEND2", ErrMalformedCell)
	}
	nspec := int(body[0])
	off := 1
	e := &Extend2{Specs: make([]LinkSpec, 0, nspec)}
	for i := 0; i < nspec; i++ {
		if len(body) < off+2 {
			return nil, fmt.Errorf("%w: truncated link specifier", ErrMalformedCell)
		}
		st := LinkSpecType(body[off])
		sl := int(body[off+1])
		off += 2
		if len(body) < off+sl {
			return nil, fmt.Errorf("%w: truncated link specifier", ErrMalformedCell)
		}
		data := make([]byte, sl)
		copy(data, body[off:off+sl])
		e.Specs = append(e.Specs, LinkSpec{Type: st, Data: data})
		off += sl
	}
	if len(body) < off+4 {
		return nil, fmt.Errorf("%w: truncated EXTEND2 handshake", ErrMalformedCell)
	}
	e.HandshakeType = binary.BigEndian.Uint16(body[off:])
	hlen := int(binary.BigEndian.Uint16(body[off+2:]))
	off += 4
	if len(body) < off+hlen {
		return nil, fmt.Errorf("%w: truncated EXTEND2 handshake", ErrMalformedCell)
	}
	e.HandshakeData = make([]byte, hlen)
	copy(e.HandshakeData, body[off:off+hlen])
	return e, nil
}

// Pack serializes the EXTEND2 body.
func (e *Extend2) Pack() ([]byte, error) {
	if len(e.Specs) > 255 {
		return nil, fmt.Errorf("%w: %d link specifiers", ErrMalformedCell, len(e.Specs))
	}
	body := []byte{byte(len(e.Specs))}
	for _, s := range e.Specs {
		if len(s.Data) > 255 {
			return nil, fmt.Errorf("%w: oversized link specifier", ErrMalformedCell)
		}
		body = append(body, byte(s.Type), byte(len(s.Data)))
		body = append(body, s.Data...)
	}
	body = binary.BigEndian.AppendUint16(body, e.HandshakeType)
	body = binary.BigEndian.AppendUint16(body, uint16(len(e.HandshakeData)))
	body = append(body, e.HandshakeData...)
	if len(body) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	return body, nil
}

// Create2Payload is a parsed CREATE2 cell payload.
type Create2Payload struct {
	HandshakeType uint16
	HandshakeData []byte
}

// ParseCreate2 parses a CREATE2 payload from a fixed cell.
func ParseCreate2(payload []byte) (*Create2Payload, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: truncated CREATE2", ErrMalformedCell)
	}
	htype := binary.BigEndian.Uint16(payload[0:2])
	hlen := int(binary.BigEndian.Uint16(payload[2:4]))
	if len(payload) < 4+hlen {
		return nil, fmt.Errorf("%w: truncated CREATE2 handshake", ErrMalformedCell)
	}
	data := make([]byte, hlen)
	copy(data, payload[4:4+hlen])
	return &Create2Payload{HandshakeType: htype, HandshakeData: data}, nil
}

// Pack serializes a CREATE2 body into a zero padded fixed cell payload.
func (c *Create2Payload) Pack() ([]byte, error) {
	if 4+len(c.HandshakeData) > PayloadLen {
		return nil, fmt.Errorf("%w: oversized CREATE2 handshake", ErrMalformedCell)
	}
	payload := make([]byte, PayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], c.HandshakeType)
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(c.HandshakeData)))
	copy(payload[4:], c.HandshakeData)
	return payload, nil
}

// ParseCreated2 parses a CREATED2 payload (or an EXTENDED2 relay body,
// which shares the framing) and returns the handshake reply.
func ParseCreated2(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: truncated CREATED2", ErrMalformedCell)
	}
	hlen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+hlen {
		return nil, fmt.Errorf("%w: truncated CREATED2 handshake", ErrMalformedCell)
	}
	data := make([]byte, hlen)
	copy(data, payload[2:2+hlen])
	return data, nil
}

// PackCreated2 serializes a CREATED2 handshake reply into a zero padded
// fixed cell payload.
func PackCreated2(reply []byte) ([]byte, error) {
	if 2+len(reply) > PayloadLen {
		return nil, fmt.Errorf("%w: oversized CREATED2 handshake", ErrMalformedCell)
	}
	payload := make([]byte, PayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(reply)))
	copy(payload[2:], reply)
	return payload, nil
}

// PackExtended2 serializes an EXTENDED2 relay body (same framing as
// CREATED2 but sized as a relay body, not a full payload).
func PackExtended2(reply []byte) ([]byte, error) {
	if 2+len(reply) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	body := make([]byte, 2+len(reply))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(reply)))
	copy(body[2:], reply)
	return body, nil
}
