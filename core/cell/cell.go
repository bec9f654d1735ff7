// cell.go - Link cell types and framing constants.
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

// Package cell implements the link-layer cell wire format, the relay
// cell body format carried inside RELAY/RELAY_EARLY cells, and the
// codec that frames both onto a byte stream for a given negotiated
// link protocol version.
package cell

import (
	"errors"
	"fmt"
)

const (
	// PayloadLen is the fixed cell payload length.
	PayloadLen = 509

	// MinLinkVersion is the lowest link protocol version that will be
	// negotiated.  Version 1 and 2 handshakes (and their CREATE/EXTEND
	// cells) are refused outright.
	MinLinkVersion = 3

	// MaxLinkVersion is the highest link protocol version supported.
	MaxLinkVersion = 5

	// MaxVariablePayloadLen bounds the length field of variable width
	// cells.  The wire format allows up to 65535, anything over this
	// bound is treated as malformed.
	MaxVariablePayloadLen = 16384

	cmdLen    = 1
	lengthLen = 2

	narrowCircIDLen = 2
	wideCircIDLen   = 4

	// MaxCellLen is the largest possible encoded cell, used to size
	// read buffers.
	MaxCellLen = wideCircIDLen + cmdLen + lengthLen + MaxVariablePayloadLen
)

var (
	// ErrMalformedCell is returned when a cell violates the framing
	// rules (oversized length field, short relay body, etc).
	ErrMalformedCell = errors.New("cell: malformed cell")

	// ErrUnexpectedCell is returned when a cell other than VERSIONS
	// arrives before version negotiation has completed.  This is fatal
	// to the channel.
	ErrUnexpectedCell = errors.New("cell: unexpected cell before version negotiation")
)

// CircID is a channel-scoped circuit identifier.  Only the low 16 bits
// are valid on link protocol version 3 channels.
type CircID uint32

// StreamID identifies a stream within a circuit.
type StreamID uint16

// Command is a link cell command.
type Command byte

const (
	Padding          Command = 0
	Create           Command = 1
	Created          Command = 2
	Relay            Command = 3
	Destroy          Command = 4
	CreateFast       Command = 5
	CreatedFast      Command = 6
	Versions         Command = 7
	Netinfo          Command = 8
	RelayEarly       Command = 9
	Create2          Command = 10
	Created2         Command = 11
	PaddingNegotiate Command = 12

	VPadding      Command = 128
	Certs         Command = 129
	AuthChallenge Command = 130
	Authenticate  Command = 131
)

// IsVariable returns true if the command uses the variable width cell
// format (a 16 bit length prefix instead of a fixed payload).
func (c Command) IsVariable() bool {
	return c == Versions || c >= 128
}

// Known returns true if the command is part of the supported command
// set.  Unknown commands still frame correctly (fixed width below 128,
// variable width at or above), and are dropped by the channel.
func (c Command) Known() bool {
	switch c {
	case Padding, Create, Created, Relay, Destroy, CreateFast, CreatedFast,
		Versions, Netinfo, RelayEarly, Create2, Created2, PaddingNegotiate,
		VPadding, Certs, AuthChallenge, Authenticate:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case Padding:
		return "PADDING"
	case Create:
		return "CREATE"
	case Created:
		return "CREATED"
	case Relay:
		return "RELAY"
	case Destroy:
		return "DESTROY"
	case CreateFast:
		return "CREATE_FAST"
	case CreatedFast:
		return "CREATED_FAST"
	case Versions:
		return "VERSIONS"
	case Netinfo:
		return "NETINFO"
	case RelayEarly:
		return "RELAY_EARLY"
	case Create2:
		return "CREATE2"
	case Created2:
		return "CREATED2"
	case PaddingNegotiate:
		return "PADDING_NEGOTIATE"
	case VPadding:
		return "VPADDING"
	case Certs:
		return "CERTS"
	case AuthChallenge:
		return "AUTH_CHALLENGE"
	case Authenticate:
		return "AUTHENTICATE"
	default:
		return fmt.Sprintf("[unknown command: 0x%02x]", byte(c))
	}
}

// Cell is one decoded link cell.  Payload is PayloadLen bytes for fixed
// width commands and the exact body for variable width commands.  Cells
// are short lived values and are never shared across goroutines.
type Cell struct {
	CircID  CircID
	Cmd     Command
	Payload []byte
}

// Len returns the encoded length of the cell under the given codec.
func (c *Cell) Len(codec *Codec) int {
	idLen := codec.circIDLen(c.Cmd)
	if c.Cmd.IsVariable() {
		return idLen + cmdLen + lengthLen + len(c.Payload)
	}
	return idLen + cmdLen + PayloadLen
}
