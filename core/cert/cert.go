// cert.go - Link certificate library.
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

// Package cert provides the certificates presented in the CERTS cell of
// the channel handshake: CBOR serialized, signed with the identity
// signature scheme, binding the TLS link key to the relay identity.
package cert

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
)

const (
	// CertVersion is the certificate format version.
	CertVersion = 0
)

var (
	// ErrImpossibleDecode is an impossible decoding error.
	ErrImpossibleDecode = errors.New("impossible to decode")

	// ErrImpossibleEncode is an impossible encoding error.
	ErrImpossibleEncode = errors.New("impossible to encode")

	// ErrBadSignature indicates that the given signature does not sign the certificate.
	ErrBadSignature = errors.New("signature does not sign certificate")

	// ErrInvalidCertified indicates that the certified field is invalid.
	ErrInvalidCertified = errors.New("invalid certified field of certificate")

	// ErrInvalidKeyType indicates an empty or unknown key type field.
	ErrInvalidKeyType = errors.New("invalid certificate key type")

	// ErrVersionMismatch indicates that the given certificate is the wrong format version.
	ErrVersionMismatch = errors.New("certificate version mismatch")

	// ErrCertificateExpired indicates that the given certificate has expired.
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrIdentitySignatureNotFound indicates that for the given signer identity there was no signature present in the certificate.
	ErrIdentitySignatureNotFound = errors.New("failure to find signature associated with the given identity")

	// Create reusable EncMode interface with immutable options, safe for concurrent use.
	ccbor cbor.EncMode
)

// Type is the role tag a certificate carries in a CERTS cell.
type Type byte

const (
	// TypeLink certifies the digest of the TLS certificate the channel
	// handshake ran under.
	TypeLink Type = 1

	// TypeIdentity is the self signed certificate carrying the relay's
	// identity public key.
	TypeIdentity Type = 2

	// TypeAuthenticate certifies the key used to sign AUTHENTICATE
	// cells by a connecting relay.
	TypeAuthenticate Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeLink:
		return "link"
	case TypeIdentity:
		return "identity"
	case TypeAuthenticate:
		return "authenticate"
	default:
		return fmt.Sprintf("[unknown cert type: %d]", byte(t))
	}
}

// Signature is a cryptographic signature
// which has an associated signer ID.
type Signature struct {
	// PublicKeySum256 is the 256 bit hash of the public key.
	PublicKeySum256 [hash.HashSize]byte

	// Payload is the actual signature value.
	Payload []byte
}

// Certificate structure for serializing certificates.
type Certificate struct {
	// Version is the certificate format version.
	Version uint32

	// Expiration is the expiry time in unix seconds; the certificate
	// is invalid at or after this instant.
	Expiration uint64

	// KeyType indicates the signature scheme that certifies this
	// certificate.
	KeyType string

	// Certified is the data that is certified by this certificate.
	Certified []byte

	// Signature signs the canonical encoding of the previous fields.
	Signature *Signature
}

// Marshal serializes a Certificate.
func (c *Certificate) Marshal() ([]byte, error) {
	return ccbor.Marshal(c)
}

func (c *Certificate) message() ([]byte, error) {
	message := new(bytes.Buffer)
	if err := binary.Write(message, binary.LittleEndian, c.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(message, binary.LittleEndian, c.Expiration); err != nil {
		return nil, err
	}
	if _, err := message.Write([]byte(c.KeyType)); err != nil {
		return nil, err
	}
	if _, err := message.Write(c.Certified); err != nil {
		return nil, err
	}
	return message.Bytes(), nil
}

func (c *Certificate) sanityCheck() error {
	if c.Version != CertVersion {
		return ErrVersionMismatch
	}
	if uint64(time.Now().Unix()) >= c.Expiration {
		return ErrCertificateExpired
	}
	if len(c.KeyType) == 0 {
		return ErrInvalidKeyType
	}
	if len(c.Certified) == 0 {
		return ErrInvalidCertified
	}
	return nil
}

// Sign uses the given Signer to create a certificate which certifies
// the given data until the expiration instant (unix seconds).
func Sign(signer sign.PrivateKey, verifier sign.PublicKey, data []byte, expiration uint64) ([]byte, error) {
	cert := Certificate{
		Version:    CertVersion,
		Expiration: expiration,
		KeyType:    signer.Scheme().Name(),
		Certified:  data,
	}
	if err := cert.sanityCheck(); err != nil {
		return nil, err
	}
	mesg, err := cert.message()
	if err != nil {
		return nil, err
	}
	sig := signer.Scheme().Sign(signer, mesg, nil)
	cert.Signature = &Signature{
		PublicKeySum256: hash.Sum256From(verifier),
		Payload:         sig,
	}
	return cert.Marshal()
}

// GetCertified returns the certified data without verifying anything
// beyond well-formedness.
func GetCertified(rawCert []byte) ([]byte, error) {
	cert := new(Certificate)
	if err := cbor.Unmarshal(rawCert, cert); err != nil {
		return nil, ErrImpossibleDecode
	}
	if err := cert.sanityCheck(); err != nil {
		return nil, err
	}
	return cert.Certified, nil
}

// Verify is used to verify the signature attached to the certificate.
// It returns the certified data if the signature is valid and was made
// by the given verifier.
func Verify(verifier sign.PublicKey, rawCert []byte) ([]byte, error) {
	cert := new(Certificate)
	if err := cbor.Unmarshal(rawCert, cert); err != nil {
		return nil, ErrImpossibleDecode
	}
	if err := cert.sanityCheck(); err != nil {
		return nil, err
	}
	if cert.Signature == nil {
		return nil, ErrIdentitySignatureNotFound
	}

	idHash := hash.Sum256From(verifier)
	if !hmac.Equal(idHash[:], cert.Signature.PublicKeySum256[:]) {
		return nil, ErrIdentitySignatureNotFound
	}
	mesg, err := cert.message()
	if err != nil {
		return nil, err
	}
	if !verifier.Scheme().Verify(verifier, mesg, cert.Signature.Payload, nil) {
		return nil, ErrBadSignature
	}
	return cert.Certified, nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
