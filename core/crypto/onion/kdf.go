// kdf.go - Key derivation for circuit hop material.
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

package onion

import (
	"crypto/sha1"
)

// KdfTor is the legacy chained SHA-1 KDF used by the CREATE_FAST
// handshake: K = H(K0 | [0]) | H(K0 | [1]) | ...  It is not used for
// anything negotiated with CREATE2.
func KdfTor(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	var counter byte
	for len(out) < n {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{counter})
		out = h.Sum(out)
		counter++
	}
	return out[:n]
}
