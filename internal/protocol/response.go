// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "strconv"

// Status is the one byte result code of a response frame.
type Status uint8

const (
	StatusOK            Status = 0
	StatusBadRequest    Status = 1
	StatusInternalError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad request"
	case StatusInternalError:
		return "internal error"
	default:
		return "unknown-status-" + strconv.Itoa(int(s))
	}
}

// A Response is the fixed 25 byte acknowledgment frame. The four reserved
// trailing bytes are written as zeros and ignored on read.
type Response struct {
	Status    Status
	Responder PeerID
}

// Marshal returns the 25 byte wire form of the response.
func (r Response) Marshal() []byte {
	buf := make([]byte, ResponseSize)
	buf[0] = byte(r.Status)
	copy(buf[1:21], r.Responder[:])
	return buf
}

// UnmarshalResponse parses a 25 byte response frame. Input of any other
// length is rejected with ErrFrameSize.
func UnmarshalResponse(bs []byte) (Response, error) {
	if len(bs) != ResponseSize {
		return Response{}, ErrFrameSize
	}
	return Response{
		Status:    Status(bs[0]),
		Responder: PeerIDFromBytes(bs[1:21]),
	}, nil
}
