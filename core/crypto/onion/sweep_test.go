//go:build cartesian_product_test
// +build cartesian_product_test

// sweep_test.go - Layer chain sweep across hop counts and payload sizes.
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
	"testing"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"

	"github.com/allium/allium/core/cell"
)

type chainCase struct {
	nrHops    int
	bodyLen   int
	targetHop int
}

// TestLayerChainCartesianProduct walks the cross product of circuit
// lengths and body sizes and, for every hop position, checks that a
// packaged cell is recognized exactly at its target hop in both
// directions.
func TestLayerChainCartesianProduct(t *testing.T) {
	nrHops := []interface{}{1, 2, 3, 5, 8}
	bodyLen := []interface{}{0, 1, 57, 200, cell.MaxRelayDataLen}

	c := cartesian.Iter(nrHops, bodyLen)

	cases := []*chainCase{}
	for product := range c {
		n := product[0].(int)
		for k := 0; k < n; k++ {
			cases = append(cases, &chainCase{
				nrHops:    n,
				bodyLen:   product[1].(int),
				targetHop: k,
			})
		}
	}

	for i, mycase := range cases {
		t.Logf("case #%d nrHops: %d bodyLen: %d targetHop: %d", i, mycase.nrHops, mycase.bodyLen, mycase.targetHop)

		origin, relays := testCircuit(t, mycase.nrHops)
		body := make([]byte, mycase.bodyLen)
		for j := range body {
			body[j] = byte(j ^ i)
		}

		// Forward: intermediate hops peel without recognizing, the
		// target hop recognizes and reads the cleartext body.
		payload := testRelayPayload(t, cell.StreamID(i+1), body)
		require.NoError(t, PackageForward(origin, mycase.targetHop, payload))
		for hop := 0; hop < mycase.targetHop; hop++ {
			recognized, err := relays[hop].UnwrapForward(payload)
			require.NoError(t, err)
			require.False(t, recognized, "case #%d hop %d", i, hop)
		}
		recognized, err := relays[mycase.targetHop].UnwrapForward(payload)
		require.NoError(t, err)
		require.True(t, recognized, "case #%d target hop", i)
		h, err := cell.ParseRelayHeader(payload)
		require.NoError(t, err)
		require.Equal(t, body, cell.RelayBody(payload, h))

		// Backward: originated at the target hop, wrapped by every hop
		// closer to the origin, recognized at the originating layer.
		payload = testRelayPayload(t, cell.StreamID(i+1), body)
		relays[mycase.targetHop].OriginateBackward(payload)
		for hop := mycase.targetHop - 1; hop >= 0; hop-- {
			relays[hop].WrapBackward(payload)
		}
		hop, ok := RecognizeBackward(origin, payload)
		require.True(t, ok, "case #%d", i)
		require.Equal(t, mycase.targetHop, hop)
	}
}
