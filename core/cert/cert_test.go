// cert_test.go - Link certificate tests.
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

package cert

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScheme = signSchemes.ByName("Ed25519")

func testExpiration() uint64 {
	return uint64(time.Now().Add(time.Hour).Unix())
}

func TestCertificate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	signingPubKey, signingPrivKey, err := testScheme.GenerateKey()
	assert.NoError(err)

	toSign := []byte("hi. i'm a link key digest.")
	certificate, err := Sign(signingPrivKey, signingPubKey, toSign, testExpiration())
	assert.NoError(err)

	mesg, err := Verify(signingPubKey, certificate)
	assert.NoError(err)
	assert.Equal(toSign, mesg)

	certified, err := GetCertified(certificate)
	assert.NoError(err)
	assert.Equal(toSign, certified)
}

func TestExpiredCertificate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	signingPubKey, signingPrivKey, err := testScheme.GenerateKey()
	assert.NoError(err)

	past := uint64(time.Now().Add(-time.Hour).Unix())
	certificate, err := Sign(signingPrivKey, signingPubKey, []byte("stale"), past)
	assert.ErrorIs(err, ErrCertificateExpired)
	assert.Nil(certificate)
}

func TestWrongCertificate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	signingPubKey, signingPrivKey, err := testScheme.GenerateKey()
	assert.NoError(err)
	otherPubKey, _, err := testScheme.GenerateKey()
	assert.NoError(err)

	certificate, err := Sign(signingPrivKey, signingPubKey, []byte("data"), testExpiration())
	assert.NoError(err)

	mesg, err := Verify(otherPubKey, certificate)
	assert.ErrorIs(err, ErrIdentitySignatureNotFound)
	assert.Nil(mesg)
}

func TestTamperedCertificate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	signingPubKey, signingPrivKey, err := testScheme.GenerateKey()
	require.NoError(err)

	certificate, err := Sign(signingPrivKey, signingPubKey, []byte("data"), testExpiration())
	require.NoError(err)

	// Splice different certified content under the original signature.
	c := new(Certificate)
	require.NoError(cbor.Unmarshal(certificate, c))
	c.Certified = []byte("DATA")
	forged, err := c.Marshal()
	require.NoError(err)

	_, err = Verify(signingPubKey, forged)
	require.ErrorIs(err, ErrBadSignature)
}

func TestBodyRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := []Presented{
		{Type: TypeLink, Raw: []byte{0x01, 0x02, 0x03}},
		{Type: TypeIdentity, Raw: []byte{0x04}},
		{Type: TypeAuthenticate, Raw: []byte{0x05, 0x06}},
	}
	body, err := PackBody(in)
	require.NoError(err)

	out, err := ParseBody(body)
	require.NoError(err)
	require.Equal(in, out)

	// Cutting the body anywhere after the count byte truncates a
	// declared certificate.
	for i := 1; i < len(body); i++ {
		_, err = ParseBody(body[:i])
		require.ErrorIs(err, ErrTruncatedBody, "prefix of %d bytes", i)
	}
}

func TestLinkBundle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identityPub, identityPriv, err := testScheme.GenerateKey()
	require.NoError(err)

	tlsDigest := hash.Sum256([]byte("tls certificate der"))
	bundle, err := NewLinkBundle(identityPriv, identityPub, tlsDigest[:], testExpiration())
	require.NoError(err)

	body, err := PackBody(bundle)
	require.NoError(err)
	parsed, err := ParseBody(body)
	require.NoError(err)

	peerID, err := VerifyLinkBundle(parsed, testScheme, tlsDigest[:])
	require.NoError(err)
	require.True(peerID.Equal(identityPub))

	// The same bundle presented on a connection under a different TLS
	// certificate must be rejected.
	otherDigest := hash.Sum256([]byte("mitm certificate der"))
	_, err = VerifyLinkBundle(parsed, testScheme, otherDigest[:])
	require.ErrorIs(err, ErrLinkBinding)

	// Dropping the identity certificate must be rejected.
	_, err = VerifyLinkBundle(parsed[:1], testScheme, tlsDigest[:])
	require.ErrorIs(err, ErrMissingCert)
}

func TestAuthBundle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identityPub, identityPriv, err := testScheme.GenerateKey()
	require.NoError(err)

	transcript := hash.Sum256([]byte("challenge || tls digest || responder id"))
	bundle, err := NewAuthBundle(identityPriv, identityPub, transcript[:], testExpiration())
	require.NoError(err)

	body, err := PackBody(bundle)
	require.NoError(err)
	parsed, err := ParseBody(body)
	require.NoError(err)

	peerID, err := VerifyAuthBundle(parsed, testScheme, transcript[:])
	require.NoError(err)
	require.True(peerID.Equal(identityPub))

	// An AUTHENTICATE replayed onto a different session transcript must
	// be rejected.
	other := hash.Sum256([]byte("some other transcript"))
	_, err = VerifyAuthBundle(parsed, testScheme, other[:])
	require.ErrorIs(err, ErrAuthBinding)

	_, err = VerifyAuthBundle(parsed[1:], testScheme, transcript[:])
	require.ErrorIs(err, ErrMissingCert)
}
