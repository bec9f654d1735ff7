// handshake_test.go - Tests for link negotiation cell bodies.
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

func TestVersionsRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	body := PackVersions([]uint16{3, 4, 5})
	require.Equal([]byte{0, 3, 0, 4, 0, 5}, body)

	versions, err := ParseVersions(body)
	require.NoError(err)
	require.Equal([]uint16{3, 4, 5}, versions)

	_, err = ParseVersions(nil)
	require.ErrorIs(err, ErrMalformedCell, "empty VERSIONS body")
	_, err = ParseVersions([]byte{0, 3, 0})
	require.ErrorIs(err, ErrMalformedCell, "odd VERSIONS body")
}

func TestCommonVersion(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ours := []uint16{3, 4, 5}
	require.Equal(uint16(5), CommonVersion(ours, []uint16{3, 4, 5, 6}))
	require.Equal(uint16(4), CommonVersion(ours, []uint16{2, 4}))
	require.Equal(uint16(3), CommonVersion(ours, []uint16{3}))

	// Versions below the floor never negotiate, even if shared.
	require.Equal(uint16(0), CommonVersion([]uint16{1, 2, 3}, []uint16{1, 2}))
	require.Equal(uint16(0), CommonVersion(ours, []uint16{6, 7}))
}

func TestNetinfoRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := &Netinfo{
		Time:      0x5eadbeef,
		OtherAddr: net.ParseIP("192.0.2.7"),
		MyAddrs:   []net.IP{net.ParseIP("198.51.100.1"), net.ParseIP("2001:db8::1")},
	}
	payload, err := in.Pack()
	require.NoError(err)
	require.Len(payload, PayloadLen, "NETINFO is a fixed cell")

	out, err := ParseNetinfo(payload)
	require.NoError(err)
	require.Equal(in.Time, out.Time)
	require.True(in.OtherAddr.Equal(out.OtherAddr))
	require.Len(out.MyAddrs, 2)
	require.True(in.MyAddrs[0].Equal(out.MyAddrs[0]))
	require.True(in.MyAddrs[1].Equal(out.MyAddrs[1]))
}

func TestNetinfoUnknownAddrType(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Hand built: time, other addr of an unknown type, one IPv4 claim.
	body := []byte{
		0, 0, 0, 1,
		0x0a, 2, 0xaa, 0xbb, // unknown type 10, skipped
		1,
		4, 4, 198, 51, 100, 2,
	}
	payload := make([]byte, PayloadLen)
	copy(payload, body)

	n, err := ParseNetinfo(payload)
	require.NoError(err)
	require.Nil(n.OtherAddr, "unknown address type parses to nil")
	require.Len(n.MyAddrs, 1)
	require.True(net.ParseIP("198.51.100.2").Equal(n.MyAddrs[0]))
}

func TestNetinfoTruncated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := ParseNetinfo([]byte{0, 0})
	require.ErrorIs(err, ErrMalformedCell)
	_, err = ParseNetinfo([]byte{0, 0, 0, 1, 4, 4, 1})
	require.ErrorIs(err, ErrMalformedCell)
}

func TestAuthChallengeRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := &AuthChallenge{Methods: []uint16{1, AuthMethodEd25519}}
	for i := range in.Challenge {
		in.Challenge[i] = byte(i)
	}
	body := in.Pack()

	out, err := ParseAuthChallenge(body)
	require.NoError(err)
	require.Equal(in.Challenge, out.Challenge)
	require.Equal(in.Methods, out.Methods)
	require.True(out.SupportsMethod(AuthMethodEd25519))
	require.False(out.SupportsMethod(7))

	_, err = ParseAuthChallenge(body[:ChallengeLen+1])
	require.ErrorIs(err, ErrMalformedCell)
	_, err = ParseAuthChallenge(body[:len(body)-1])
	require.ErrorIs(err, ErrMalformedCell)
}

func TestPaddingNegotiateRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := &PaddingNegotiate{Command: PaddingCommandStart, LowMs: 1500, HighMs: 9500}
	payload := in.Pack()
	require.Len(payload, PayloadLen)

	out, err := ParsePaddingNegotiate(payload)
	require.NoError(err)
	require.Equal(in, out)

	// Bad version byte.
	bad := append([]byte{}, payload...)
	bad[0] = 1
	_, err = ParsePaddingNegotiate(bad)
	require.ErrorIs(err, ErrMalformedCell)

	// Bad command.
	bad = append([]byte{}, payload...)
	bad[1] = 9
	_, err = ParsePaddingNegotiate(bad)
	require.ErrorIs(err, ErrMalformedCell)
}

func TestCreateFastRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	x := make([]byte, CreateFastKeyLen)
	y := make([]byte, CreateFastKeyLen)
	kh := make([]byte, CreateFastKeyLen)
	for i := range x {
		x[i] = byte(i)
		y[i] = byte(i + 100)
		kh[i] = byte(i + 200)
	}

	payload, err := PackCreateFast(x)
	require.NoError(err)
	gotX, err := ParseCreateFast(payload)
	require.NoError(err)
	require.Equal(x, gotX)

	payload, err = PackCreatedFast(y, kh)
	require.NoError(err)
	gotY, gotKH, err := ParseCreatedFast(payload)
	require.NoError(err)
	require.Equal(y, gotY)
	require.Equal(kh, gotKH)

	_, err = PackCreateFast(x[:10])
	require.ErrorIs(err, ErrMalformedCell)
	_, _, err = ParseCreatedFast(payload[:30])
	require.ErrorIs(err, ErrMalformedCell)
}
