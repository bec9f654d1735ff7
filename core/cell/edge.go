// edge.go - Edge relay body codecs.
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
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// BEGIN flags.
const (
	BeginFlagIPv6OK        uint32 = 1 << 0
	BeginFlagIPv4NotOK     uint32 = 1 << 1
	BeginFlagIPv6Preferred uint32 = 1 << 2
)

// ParseBegin parses a BEGIN relay body: a NUL terminated
// "address:port" string followed by an optional 32 bit flags field.
func ParseBegin(body []byte) (target string, flags uint32, err error) {
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("%w: unterminated BEGIN target", ErrMalformedCell)
	}
	target = string(body[:i])
	if rest := body[i+1:]; len(rest) >= 4 {
		flags = binary.BigEndian.Uint32(rest)
	}
	return target, flags, nil
}

// PackBegin serializes a BEGIN relay body.
func PackBegin(target string, flags uint32) ([]byte, error) {
	if bytes.IndexByte([]byte(target), 0) >= 0 {
		return nil, fmt.Errorf("%w: NUL in BEGIN target", ErrMalformedCell)
	}
	body := make([]byte, 0, len(target)+5)
	body = append(body, target...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint32(body, flags)
	if len(body) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	return body, nil
}

// PackConnected serializes a CONNECTED relay body for the resolved
// address.  IPv6 addresses use the extended form with four zero bytes
// and an address type of 6.
func PackConnected(ip net.IP, ttl uint32) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		body := make([]byte, 0, 8)
		body = append(body, ip4...)
		return binary.BigEndian.AppendUint32(body, ttl)
	}
	body := make([]byte, 0, 25)
	body = append(body, 0, 0, 0, 0, ResolvedIPv6)
	body = append(body, ip.To16()...)
	return binary.BigEndian.AppendUint32(body, ttl)
}

// ParseConnected parses a CONNECTED relay body.  Empty bodies carry no
// address and return nil, which directory streams use.
func ParseConnected(body []byte) (net.IP, uint32, error) {
	switch {
	case len(body) == 0:
		return nil, 0, nil
	case len(body) >= 8 && !bytes.Equal(body[0:4], []byte{0, 0, 0, 0}):
		return net.IP(append([]byte(nil), body[0:4]...)), binary.BigEndian.Uint32(body[4:8]), nil
	case len(body) >= 25 && body[4] == ResolvedIPv6:
		return net.IP(append([]byte(nil), body[5:21]...)), binary.BigEndian.Uint32(body[21:25]), nil
	default:
		return nil, 0, fmt.Errorf("%w: CONNECTED body of %d bytes", ErrMalformedCell, len(body))
	}
}

/// ParseResolve parses a RESOLVE relay body: a NUL terminated hostname.
func ParseResolve(body []byte) (string, error) {
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated RESOLVE name", ErrMalformedCell)
	}
	return string(body[:i]), nil
}

// PackResolve serializes a RESOLVE relay body.
func PackResolve(name string) ([]byte, error) {
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return nil, fmt.Errorf("%w: NUL in RESOLVE name", ErrMalformedCell)
	}
	body := make([]byte, 0, len(name)+1)
	body = append(body, name...)
	body = append(body, 0)
	if len(body) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	return body, nil
}

// RESOLVED answer types.
const (
	ResolvedHostname        byte = 0x00
	ResolvedIPv4            byte = 0x04
	ResolvedIPv6            byte = 0x06
	ResolvedErrTransient    byte = 0xF0
	ResolvedErrNontransient byte = 0xF1
)

// ResolvedAnswer is one answer of a RESOLVED relay body.
type ResolvedAnswer struct {
	Type  byte
	Value []byte
	TTL   uint32
}

// PackResolved serializes a RESOLVED relay body.
func PackResolved(answers []ResolvedAnswer) ([]byte, error) {
	var body []byte
	for _, a := range answers {
		if len(a.Value) > 255 {
			return nil, fmt.Errorf("%w: oversized RESOLVED answer", ErrMalformedCell)
		}
		body = append(body, a.Type, byte(len(a.Value)))
		body = append(body, a.Value...)
		body = binary.BigEndian.AppendUint32(body, a.TTL)
	}
	if len(body) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	return body, nil
}

// ParseResolved parses a RESOLVED relay body.
func ParseResolved(body []byte) ([]ResolvedAnswer, error) {
	var answers []ResolvedAnswer
	for off := 0; off < len(body); {
		if len(body) < off+2 {
			return nil, fmt.Errorf("%w: truncated RESOLVED answer", ErrMalformedCell)
		}
		t, l := body[off], int(body[off+1])
		off += 2
		if len(body) < off+l+4 {
			return nil, fmt.Errorf("%w: truncated RESOLVED answer", ErrMalformedCell)
		}
		v := make([]byte, l)
		copy(v, body[off:off+l])
		off += l
		answers = append(answers, ResolvedAnswer{Type: t, Value: v, TTL: binary.BigEndian.Uint32(body[off:])})
		off += 4
	}
	return answers, nil
}
