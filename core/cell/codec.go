// codec.go - Cell framing for a negotiated link version.
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
)

// Codec frames cells for one channel.  A Codec starts in the
// pre-negotiation state (version 0), where circuit ids are 2 bytes wide
// and VERSIONS is the only legal inbound command, and is upgraded via
// SetVersion once the VERSIONS exchange picks the common version.
//
// A Codec is owned by a single channel and is not safe for concurrent
// use.
type Codec struct {
	version uint16
}

// NewCodec returns a Codec in the pre-negotiation state.
func NewCodec() *Codec {
	return &Codec{}
}

// Version returns the negotiated link protocol version, 0 if the
// VERSIONS exchange has not completed.
func (c *Codec) Version() uint16 {
	return c.version
}

// SetVersion fixes the negotiated link protocol version.
func (c *Codec) SetVersion(v uint16) {
	if v < MinLinkVersion || v > MaxLinkVersion {
		panic(fmt.Sprintf("cell: SetVersion(%d) out of range", v))
	}
	c.version = v
}

// circIDLen returns the circuit id width for a command.  VERSIONS
// always uses the legacy 2 byte form, everything else follows the
// negotiated version.
func (c *Codec) circIDLen(cmd Command) int {
	if cmd == Versions || c.version < 4 {
		return narrowCircIDLen
	}
	return wideCircIDLen
}

// DecodeNext decodes one cell from the front of buf.  It returns the
// cell and the number of bytes consumed, or (nil, 0, nil) if buf does
// not yet hold a complete cell.  The returned cell's payload does not
// alias buf.
func (c *Codec) DecodeNext(buf []byte) (*Cell, int, error) {
	idLen := narrowCircIDLen
	if c.version >= 4 {
		idLen = wideCircIDLen
	}
	if len(buf) < idLen+cmdLen {
		return nil, 0, nil
	}

	var circID CircID
	if idLen == narrowCircIDLen {
		circID = CircID(binary.BigEndian.Uint16(buf[0:2]))
	} else {
		circID = CircID(binary.BigEndian.Uint32(buf[0:4]))
	}
	cmd := Command(buf[idLen])

	// Until the VERSIONS exchange completes the peer may not send
	// anything else.  This is fatal to the channel rather than a
	// droppable oddity.
	if c.version == 0 && cmd != Versions {
		return nil, 0, ErrUnexpectedCell
	}

	if cmd.IsVariable() {
		hdr := idLen + cmdLen + lengthLen
		if len(buf) < hdr {
			return nil, 0, nil
		}
		bodyLen := int(binary.BigEndian.Uint16(buf[idLen+cmdLen : hdr]))
		if bodyLen > MaxVariablePayloadLen {
			return nil, 0, fmt.Errorf("%w: variable cell length %d", ErrMalformedCell, bodyLen)
		}
		if len(buf) < hdr+bodyLen {
			return nil, 0, nil
		}
		payload := make([]byte, bodyLen)
		copy(payload, buf[hdr:hdr+bodyLen])
		return &Cell{CircID: circID, Cmd: cmd, Payload: payload}, hdr + bodyLen, nil
	}

	total := idLen + cmdLen + PayloadLen
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := make([]byte, PayloadLen)
	copy(payload, buf[idLen+cmdLen:total])
	return &Cell{CircID: circID, Cmd: cmd, Payload: payload}, total, nil
}

// Encode appends the encoded cell to out and returns the extended
// slice.  Fixed width cells are zero padded to the full payload length.
func (c *Codec) Encode(cl *Cell, out []byte) ([]byte, error) {
	idLen := c.circIDLen(cl.Cmd)

	if idLen == narrowCircIDLen {
		if cl.CircID > 0xffff {
			return nil, fmt.Errorf("%w: circuit id %d on narrow channel", ErrMalformedCell, cl.CircID)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(cl.CircID))
	} else {
		out = binary.BigEndian.AppendUint32(out, uint32(cl.CircID))
	}
	out = append(out, byte(cl.Cmd))

	if cl.Cmd.IsVariable() {
		if len(cl.Payload) > MaxVariablePayloadLen {
			return nil, fmt.Errorf("%w: variable cell length %d", ErrMalformedCell, len(cl.Payload))
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(cl.Payload)))
		return append(out, cl.Payload...), nil
	}

	if len(cl.Payload) > PayloadLen {
		return nil, fmt.Errorf("%w: fixed cell payload %d", ErrMalformedCell, len(cl.Payload))
	}
	out = append(out, cl.Payload...)
	for i := len(cl.Payload); i < PayloadLen; i++ {
		out = append(out, 0)
	}
	return out, nil
}
