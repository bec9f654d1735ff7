// edge_test.go - Tests for edge relay body codecs.
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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body, err := PackBegin("example.com:443", BeginFlagIPv6OK|BeginFlagIPv6Preferred)
	require.NoError(err)

	target, flags, err := ParseBegin(body)
	require.NoError(err)
	require.Equal("example.com:443", target)
	require.Equal(BeginFlagIPv6OK|BeginFlagIPv6Preferred, flags)
}

func TestBeginWithoutFlags(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Older senders omit the flags field entirely; the target ends at
	// the NUL and flags default to zero.
	body := append([]byte("198.51.100.5:80"), 0)
	target, flags, err := ParseBegin(body)
	require.NoError(err)
	require.Equal("198.51.100.5:80", target)
	require.Zero(flags)
}

func TestBeginMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, _, err := ParseBegin([]byte("no terminator"))
	require.ErrorIs(err, ErrMalformedCell)

	_, err = PackBegin("emb\x00edded:80", 0)
	require.ErrorIs(err, ErrMalformedCell)
}

func TestConnectedIPv4(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body := PackConnected(net.ParseIP("192.0.2.33"), 1800)
	require.Equal(8, len(body))

	ip, ttl, err := ParseConnected(body)
	require.NoError(err)
	require.True(ip.Equal(net.ParseIP("192.0.2.33")))
	require.EqualValues(1800, ttl)
}

func TestConnectedIPv6(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body := PackConnected(net.ParseIP("2001:db8::42"), 60)
	require.Equal(25, len(body))
	require.Equal([]byte{0, 0, 0, 0}, body[0:4], "extended form marker")
	require.Equal(ResolvedIPv6, body[4])

	ip, ttl, err := ParseConnected(body)
	require.NoError(err)
	require.True(ip.Equal(net.ParseIP("2001:db8::42")))
	require.EqualValues(60, ttl)
}

func TestConnectedEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ip, ttl, err := ParseConnected(nil)
	require.NoError(err)
	require.Nil(ip)
	require.Zero(ttl)
}

func TestConnectedMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Too short for the IPv4 form.
	_, _, err := ParseConnected([]byte{192, 0, 2, 33, 0})
	require.ErrorIs(err, ErrMalformedCell)

	// Extended form marker but a truncated IPv6 address.
	_, _, err = ParseConnected([]byte{0, 0, 0, 0, ResolvedIPv6, 0x20, 0x01})
	require.ErrorIs(err, ErrMalformedCell)
}

func TestResolveRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body, err := PackResolve("onion.invalid")
	require.NoError(err)

	name, err := ParseResolve(body)
	require.NoError(err)
	require.Equal("onion.invalid", name)

	_, err = ParseResolve([]byte("unterminated"))
	require.ErrorIs(err, ErrMalformedCell)
	_, err = PackResolve("a\x00b")
	require.ErrorIs(err, ErrMalformedCell)
}

func TestResolvedRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := []ResolvedAnswer{
		{Type: ResolvedIPv4, Value: net.ParseIP("192.0.2.7").To4(), TTL: 300},
		{Type: ResolvedIPv6, Value: net.ParseIP("2001:db8::7").To16(), TTL: 300},
		{Type: ResolvedHostname, Value: []byte("alias.example"), TTL: 0},
	}
	body, err := PackResolved(in)
	require.NoError(err)

	out, err := ParseResolved(body)
	require.NoError(err)
	require.Equal(in, out)
}

func TestResolvedError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body, err := PackResolved([]ResolvedAnswer{{Type: ResolvedErrNontransient, TTL: 0}})
	require.NoError(err)

	out, err := ParseResolved(body)
	require.NoError(err)
	require.Len(out, 1)
	require.Equal(ResolvedErrNontransient, out[0].Type)
	require.Empty(out[0].Value)
}

func TestResolvedMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body, err := PackResolved([]ResolvedAnswer{{Type: ResolvedIPv4, Value: []byte{192, 0, 2, 7}, TTL: 60}})
	require.NoError(err)

	// Truncating anywhere inside an answer must error, never panic.
	for cut := 1; cut < len(body); cut++ {
		_, err := ParseResolved(body[:cut])
		require.ErrorIs(err, ErrMalformedCell, "cut at %d", cut)
	}

	_, err = PackResolved([]ResolvedAnswer{{Type: ResolvedHostname, Value: make([]byte, 256)}})
	require.ErrorIs(err, ErrMalformedCell)
}
