// relay.go - Relay cell body format and reason taxonomies.
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
	"errors"
	"fmt"
)

const (
	// RelayHeaderLen is the length of the relay cell body header inside
	// a RELAY/RELAY_EARLY payload.
	RelayHeaderLen = 11

	// MaxRelayDataLen is the maximum data bytes one relay cell carries.
	MaxRelayDataLen = PayloadLen - RelayHeaderLen

	// RelayDigestLen is the width of the digest field in the relay
	// header.  It holds the leading bytes of the running hash.
	RelayDigestLen = 4

	// SendmeDigestLen is the width of the running digest echoed by an
	// authenticated (version 1) SENDME.
	SendmeDigestLen = 20

	// SendmeVersion is the SENDME payload version emitted and required
	// at the circuit level.
	SendmeVersion = 1

	relayRecognizedOff = 1
	relayStreamIDOff   = 3
	relayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = RelayHeaderLen
)

// ErrRelayOverflow is returned when a relay header length field exceeds
// the payload capacity.
var ErrRelayOverflow = errors.New("cell: relay body length exceeds payload")

// RelayCommand is the inner command of a relay cell body.
type RelayCommand byte

const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
	RelayResolve   RelayCommand = 11
	RelayResolved  RelayCommand = 12
	RelayBeginDir  RelayCommand = 13
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15
)

func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	case RelayResolve:
		return "RESOLVE"
	case RelayResolved:
		return "RESOLVED"
	case RelayBeginDir:
		return "BEGIN_DIR"
	case RelayExtend2:
		return "EXTEND2"
	case RelayExtended2:
		return "EXTENDED2"
	default:
		return fmt.Sprintf("[unknown relay command: 0x%02x]", byte(c))
	}
}

// RelayHeader is the parsed header of a relay cell body.
type RelayHeader struct {
	Cmd        RelayCommand
	Recognized uint16
	StreamID   StreamID
	Digest     [RelayDigestLen]byte
	Length     uint16
}

// ParseRelayHeader parses the relay header from a full fixed cell
// payload.  The length field is validated against the payload capacity
// here so no later layer ever sees an overflowing body.
func ParseRelayHeader(payload []byte) (*RelayHeader, error) {
	if len(payload) != PayloadLen {
		return nil, fmt.Errorf("%w: relay body in %d byte payload", ErrMalformedCell, len(payload))
	}
	h := &RelayHeader{
		Cmd:        RelayCommand(payload[0]),
		Recognized: binary.BigEndian.Uint16(payload[relayRecognizedOff:]),
		StreamID:   StreamID(binary.BigEndian.Uint16(payload[relayStreamIDOff:])),
		Length:     binary.BigEndian.Uint16(payload[relayLengthOff:]),
	}
	copy(h.Digest[:], payload[relayDigestOff:relayDigestOff+RelayDigestLen])
	if int(h.Length) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	return h, nil
}

// Pack writes the header fields into a full fixed cell payload.
func (h *RelayHeader) Pack(payload []byte) {
	if len(payload) != PayloadLen {
		panic("cell: relay header packed into short payload")
	}
	payload[0] = byte(h.Cmd)
	binary.BigEndian.PutUint16(payload[relayRecognizedOff:], h.Recognized)
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], uint16(h.StreamID))
	copy(payload[relayDigestOff:], h.Digest[:])
	binary.BigEndian.PutUint16(payload[relayLengthOff:], h.Length)
}

// RelayBody returns the data bytes of a relay payload for a parsed
// header.
func RelayBody(payload []byte, h *RelayHeader) []byte {
	return payload[relayDataOff : relayDataOff+int(h.Length)]
}

// NewRelayPayload builds a full fixed cell payload holding the given
// relay command, stream id and data.  The recognized and digest fields
// are left zero for the crypto layer to fill, and the tail is zero
// padded.
func NewRelayPayload(cmd RelayCommand, id StreamID, data []byte) ([]byte, error) {
	if len(data) > MaxRelayDataLen {
		return nil, ErrRelayOverflow
	}
	payload := make([]byte, PayloadLen)
	h := &RelayHeader{Cmd: cmd, StreamID: id, Length: uint16(len(data))}
	h.Pack(payload)
	copy(payload[relayDataOff:], data)
	return payload, nil
}

// SetRelayDigest writes the leading digest bytes into a packed relay
// payload.
func SetRelayDigest(payload []byte, digest []byte) {
	copy(payload[relayDigestOff:relayDigestOff+RelayDigestLen], digest)
}

// ZeroRelayDigest clears the digest field of a packed relay payload,
// returning the previous value.  The running hash is always computed
// with this field zeroed.
func ZeroRelayDigest(payload []byte) (old [RelayDigestLen]byte) {
	copy(old[:], payload[relayDigestOff:])
	for i := 0; i < RelayDigestLen; i++ {
		payload[relayDigestOff+i] = 0
	}
	return
}

// ParseSendme parses a SENDME relay body.  Version 0 (empty) bodies
// return a nil digest; version 1 bodies return the echoed running
// digest.
func ParseSendme(body []byte) (version byte, digest []byte, err error) {
	if len(body) == 0 {
		return 0, nil, nil
	}
	if len(body) < 3 {
		return 0, nil, fmt.Errorf("%w: truncated SENDME", ErrMalformedCell)
	}
	version = body[0]
	dataLen := int(binary.BigEndian.Uint16(body[1:3]))
	if version != SendmeVersion || dataLen != SendmeDigestLen || len(body) < 3+dataLen {
		return 0, nil, fmt.Errorf("%w: SENDME version %d length %d", ErrMalformedCell, version, dataLen)
	}
	return version, body[3 : 3+dataLen], nil
}

// PackSendme builds a version 1 SENDME relay body echoing the given
// running digest.
func PackSendme(digest []byte) []byte {
	body := make([]byte, 3+SendmeDigestLen)
	body[0] = SendmeVersion
	binary.BigEndian.PutUint16(body[1:3], SendmeDigestLen)
	copy(body[3:], digest[:SendmeDigestLen])
	return body
}

// DestroyReason is the single byte reason carried by a DESTROY cell and
// by TRUNCATED relay bodies.
type DestroyReason byte

const (
	DestroyNone          DestroyReason = 0
	DestroyProtocol      DestroyReason = 1
	DestroyInternal      DestroyReason = 2
	DestroyRequested     DestroyReason = 3
	DestroyHibernating   DestroyReason = 4
	DestroyResourceLimit DestroyReason = 5
	DestroyConnectFailed DestroyReason = 6
	DestroyIdentity      DestroyReason = 7
	DestroyChannelClosed DestroyReason = 8
	DestroyFinished      DestroyReason = 9
	DestroyTimeout       DestroyReason = 10
	DestroyDestroyed     DestroyReason = 11
	DestroyNoSuchService DestroyReason = 12
)

func (r DestroyReason) String() string {
	switch r {
	case DestroyNone:
		return "NONE"
	case DestroyProtocol:
		return "TORPROTOCOL"
	case DestroyInternal:
		return "INTERNAL"
	case DestroyRequested:
		return "REQUESTED"
	case DestroyHibernating:
		return "HIBERNATING"
	case DestroyResourceLimit:
		return "RESOURCELIMIT"
	case DestroyConnectFailed:
		return "CONNECTFAILED"
	case DestroyIdentity:
		return "OR_IDENTITY"
	case DestroyChannelClosed:
		return "CHANNEL_CLOSED"
	case DestroyFinished:
		return "FINISHED"
	case DestroyTimeout:
		return "TIMEOUT"
	case DestroyDestroyed:
		return "DESTROYED"
	case DestroyNoSuchService:
		return "NOSUCHSERVICE"
	default:
		return fmt.Sprintf("[unknown destroy reason: %d]", byte(r))
	}
}

// EndReason is the single byte reason carried by an END relay body.
type EndReason byte

const (
	EndMisc           EndReason = 1
	EndResolveFailed  EndReason = 2
	EndConnectRefused EndReason = 3
	EndExitPolicy     EndReason = 4
	EndDestroy        EndReason = 5
	EndDone           EndReason = 6
	EndTimeout        EndReason = 7
	EndNoRoute        EndReason = 8
	EndHibernating    EndReason = 9
	EndInternal       EndReason = 10
	EndResourceLimit  EndReason = 11
	EndConnReset      EndReason = 12
	EndTorProtocol    EndReason = 13
	EndNotDirectory   EndReason = 14
)

func (r EndReason) String() string {
	switch r {
	case EndMisc:
		return "MISC"
	case EndResolveFailed:
		return "RESOLVEFAILED"
	case EndConnectRefused:
		return "CONNECTREFUSED"
	case EndExitPolicy:
		return "EXITPOLICY"
	case EndDestroy:
		return "DESTROY"
	case EndDone:
		return "DONE"
	case EndTimeout:
		return "TIMEOUT"
	case EndNoRoute:
		return "NOROUTE"
	case EndHibernating:
		return "HIBERNATING"
	case EndInternal:
		return "INTERNAL"
	case EndResourceLimit:
		return "RESOURCELIMIT"
	case EndConnReset:
		return "CONNRESET"
	case EndTorProtocol:
		return "TORPROTOCOL"
	case EndNotDirectory:
		return "NOTDIRECTORY"
	default:
		return fmt.Sprintf("[unknown end reason: %d]", byte(r))
	}
}
