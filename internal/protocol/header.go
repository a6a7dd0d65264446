// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"
	"errors"
	"strconv"
)

const (
	// HeaderSize is the exact length of an operation header on the wire.
	HeaderSize = 100
	// ResponseSize is the exact length of a response frame on the wire.
	ResponseSize = 25
	// BodyPrefixSize is the length of the big-endian identifier prefix
	// that leads every message and file body.
	BodyPrefixSize = 8
)

// ErrFrameSize is returned when a frame is not exactly HeaderSize or
// ResponseSize bytes. Datagrams of any other shape are not parseable.
var ErrFrameSize = errors.New("unexpected frame length")

// Op is the operation code of a header.
type Op uint8

const (
	EchoOp    Op = 0
	MessageOp Op = 1
	FileOp    Op = 2
)

func (o Op) String() string {
	switch o {
	case EchoOp:
		return "echo"
	case MessageOp:
		return "message"
	case FileOp:
		return "file"
	default:
		return "unknown-op-" + strconv.Itoa(int(o))
	}
}

// A Header is the fixed 100 byte control frame that opens every operation.
// The 50 reserved trailing bytes are written as zeros and ignored on read.
type Header struct {
	From       PeerID
	To         PeerID
	Op         Op
	BodyID     uint8
	BodyLength uint64
}

// Marshal returns the 100 byte wire form of the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:20], h.From[:])
	copy(buf[20:40], h.To[:])
	buf[40] = byte(h.Op)
	buf[41] = h.BodyID
	binary.BigEndian.PutUint64(buf[42:50], h.BodyLength)
	return buf
}

// UnmarshalHeader parses a 100 byte header frame. Input of any other
// length is rejected with ErrFrameSize. Identifier fields never fail to
// decode; see PeerID.String.
func UnmarshalHeader(bs []byte) (Header, error) {
	if len(bs) != HeaderSize {
		return Header{}, ErrFrameSize
	}
	return Header{
		From:       PeerIDFromBytes(bs[0:20]),
		To:         PeerIDFromBytes(bs[20:40]),
		Op:         Op(bs[40]),
		BodyID:     bs[41],
		BodyLength: binary.BigEndian.Uint64(bs[42:50]),
	}, nil
}

// MarshalBody frames a message or file body: the 8 byte big-endian
// identifier prefix followed by the payload.
func MarshalBody(id uint8, payload []byte) []byte {
	buf := make([]byte, BodyPrefixSize+len(payload))
	binary.BigEndian.PutUint64(buf[:BodyPrefixSize], uint64(id))
	copy(buf[BodyPrefixSize:], payload)
	return buf
}

// SplitBody separates a body frame into its identifier prefix and payload.
// The header carries the identifier as a single byte while the body prefix
// is eight bytes wide; only the low byte is significant when matching.
func SplitBody(bs []byte) (uint64, []byte, error) {
	if len(bs) < BodyPrefixSize {
		return 0, nil, ErrFrameSize
	}
	return binary.BigEndian.Uint64(bs[:BodyPrefixSize]), bs[BodyPrefixSize:], nil
}
