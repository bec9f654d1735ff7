// bundle.go - CERTS cell body codec and link certificate policy.
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
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/sign"
)

var (
	// ErrTruncatedBody indicates a CERTS cell body shorter than its
	// own framing claims.
	ErrTruncatedBody = errors.New("truncated CERTS body")

	// ErrMissingCert indicates a CERTS cell without the required link
	// and identity certificates.
	ErrMissingCert = errors.New("CERTS body missing required certificate")

	// ErrLinkBinding indicates a link certificate that does not certify
	// the TLS certificate the handshake actually ran under.
	ErrLinkBinding = errors.New("link certificate does not match TLS certificate")

	// ErrAuthBinding indicates an authenticate certificate that does not
	// sign the session transcript it was presented on.
	ErrAuthBinding = errors.New("authenticate certificate does not match transcript")
)

// Presented is one certificate as it appears in a CERTS cell body.
type Presented struct {
	Type Type
	Raw  []byte
}

// PackBody serializes certificates into a CERTS cell body: a one byte
// count, then for each certificate a type byte, a 16 bit length and the
// certificate itself.
func PackBody(certs []Presented) ([]byte, error) {
	if len(certs) > 255 {
		return nil, fmt.Errorf("cert: %d certificates in one body", len(certs))
	}
	body := []byte{byte(len(certs))}
	for _, c := range certs {
		if len(c.Raw) > 0xffff {
			return nil, fmt.Errorf("cert: oversized certificate of %d bytes", len(c.Raw))
		}
		body = append(body, byte(c.Type))
		body = binary.BigEndian.AppendUint16(body, uint16(len(c.Raw)))
		body = append(body, c.Raw...)
	}
	return body, nil
}

// ParseBody parses a CERTS cell body.
func ParseBody(body []byte) ([]Presented, error) {
	if len(body) < 1 {
		return nil, ErrTruncatedBody
	}
	n := int(body[0])
	off := 1
	certs := make([]Presented, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < off+3 {
			return nil, ErrTruncatedBody
		}
		t := Type(body[off])
		clen := int(binary.BigEndian.Uint16(body[off+1 : off+3]))
		off += 3
		if len(body) < off+clen {
			return nil, ErrTruncatedBody
		}
		raw := make([]byte, clen)
		copy(raw, body[off:off+clen])
		certs = append(certs, Presented{Type: t, Raw: raw})
		off += clen
	}
	return certs, nil
}

// NewLinkBundle builds the certificates a responder presents during the
// channel handshake: a self signed identity certificate over the
// identity public key, and a link certificate binding the digest of the
// TLS certificate in use.  Both expire at the given unix second.
func NewLinkBundle(identityKey sign.PrivateKey, identityPub sign.PublicKey, tlsCertDigest []byte, expiration uint64) ([]Presented, error) {
	idBlob, err := identityPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	idCert, err := Sign(identityKey, identityPub, idBlob, expiration)
	if err != nil {
		return nil, err
	}
	linkCert, err := Sign(identityKey, identityPub, tlsCertDigest, expiration)
	if err != nil {
		return nil, err
	}
	return []Presented{
		{Type: TypeLink, Raw: linkCert},
		{Type: TypeIdentity, Raw: idCert},
	}, nil
}

// VerifyLinkBundle validates a parsed CERTS body against the TLS
// certificate digest observed on the wire and returns the peer's
// verified identity public key.  The identity certificate must be
// self signed and the link certificate must be signed by the identity
// key over exactly the observed digest.
func VerifyLinkBundle(certs []Presented, scheme sign.Scheme, tlsCertDigest []byte) (sign.PublicKey, error) {
	var idCert, linkCert []byte
	for _, c := range certs {
		switch c.Type {
		case TypeIdentity:
			idCert = c.Raw
		case TypeLink:
			linkCert = c.Raw
		}
	}
	if idCert == nil || linkCert == nil {
		return nil, ErrMissingCert
	}

	idBlob, err := GetCertified(idCert)
	if err != nil {
		return nil, err
	}
	identityPub, err := scheme.UnmarshalBinaryPublicKey(idBlob)
	if err != nil {
		return nil, err
	}
	if _, err = Verify(identityPub, idCert); err != nil {
		return nil, err
	}

	certified, err := Verify(identityPub, linkCert)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(certified, tlsCertDigest) {
		return nil, ErrLinkBinding
	}
	return identityPub, nil
}

// NewAuthBundle builds the AUTHENTICATE cell body with which an
// initiator proves its identity: a self signed identity certificate
// and an authenticate certificate signing the session transcript
// digest (the responder's AUTH_CHALLENGE nonce bound to the TLS
// certificate and responder identity).
func NewAuthBundle(identityKey sign.PrivateKey, identityPub sign.PublicKey, transcriptDigest []byte, expiration uint64) ([]Presented, error) {
	idBlob, err := identityPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	idCert, err := Sign(identityKey, identityPub, idBlob, expiration)
	if err != nil {
		return nil, err
	}
	authCert, err := Sign(identityKey, identityPub, transcriptDigest, expiration)
	if err != nil {
		return nil, err
	}
	return []Presented{
		{Type: TypeAuthenticate, Raw: authCert},
		{Type: TypeIdentity, Raw: idCert},
	}, nil
}

// VerifyAuthBundle validates an AUTHENTICATE body against the
// responder's view of the transcript digest and returns the
// initiator's verified identity public key.
func VerifyAuthBundle(certs []Presented, scheme sign.Scheme, transcriptDigest []byte) (sign.PublicKey, error) {
	var idCert, authCert []byte
	for _, c := range certs {
		switch c.Type {
		case TypeIdentity:
			idCert = c.Raw
		case TypeAuthenticate:
			authCert = c.Raw
		}
	}
	if idCert == nil || authCert == nil {
		return nil, ErrMissingCert
	}

	idBlob, err := GetCertified(idCert)
	if err != nil {
		return nil, err
	}
	identityPub, err := scheme.UnmarshalBinaryPublicKey(idBlob)
	if err != nil {
		return nil, err
	}
	if _, err = Verify(identityPub, idCert); err != nil {
		return nil, err
	}

	certified, err := Verify(identityPub, authCert)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(certified, transcriptDigest) {
		return nil, ErrAuthBinding
	}
	return identityPub, nil
}
