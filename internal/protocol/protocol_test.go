// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"testing"
	"unicode/utf8"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{From: NewPeerID("alice"), To: NewPeerID("bob"), Op: MessageOp, BodyID: 42, BodyLength: 5},
		{From: NewPeerID("alice"), To: Broadcast, Op: EchoOp},
		{From: NewPeerID("x"), To: NewPeerID("y"), Op: FileOp, BodyID: 255, BodyLength: 1 << 40},
	}
	for _, h := range cases {
		bs := h.Marshal()
		if len(bs) != HeaderSize {
			t.Fatalf("marshalled header is %d bytes, not %d", len(bs), HeaderSize)
		}
		got, err := UnmarshalHeader(bs)
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Errorf("round trip mismatch:\n  in:  %+v\n  out: %+v", h, got)
		}
	}
}

func TestHeaderReservedZero(t *testing.T) {
	bs := Header{From: NewPeerID("a"), To: NewPeerID("b"), Op: MessageOp}.Marshal()
	if !bytes.Equal(bs[50:], make([]byte, 50)) {
		t.Error("reserved area is not zero filled")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	r := Response{Status: StatusBadRequest, Responder: NewPeerID("bob")}
	bs := r.Marshal()
	if len(bs) != ResponseSize {
		t.Fatalf("marshalled response is %d bytes, not %d", len(bs), ResponseSize)
	}
	got, err := UnmarshalResponse(bs)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Errorf("round trip mismatch: %+v != %+v", got, r)
	}
}

func TestUnmarshalRejectsOddSizes(t *testing.T) {
	for _, n := range []int{0, 1, 24, 26, 99, 101, 1024} {
		if _, err := UnmarshalHeader(make([]byte, n)); err == nil {
			t.Errorf("UnmarshalHeader accepted %d bytes", n)
		}
		if _, err := UnmarshalResponse(make([]byte, n)); err == nil {
			t.Errorf("UnmarshalResponse accepted %d bytes", n)
		}
	}
}

func TestNewPeerIDTruncation(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"alice", "alice"},
		{"", ""},
		{"exactly-twenty-chars", "exactly-twenty-chars"},
		{"far-too-long-for-the-wire-form", "far-too-long-for-the"},
		// 19 ASCII bytes followed by a two byte rune: the rune must be
		// dropped whole, not split.
		{"0123456789012345678ñ", "0123456789012345678"},
		// Multi-byte runes only, 3 bytes each; 20/3 leaves two spare bytes.
		{"€€€€€€€€€€", "€€€€€€"},
	}
	for _, tc := range cases {
		id := NewPeerID(tc.name)
		if !utf8.Valid(bytes.TrimRight(id[:], " ")) {
			t.Errorf("NewPeerID(%q) produced invalid UTF-8", tc.name)
		}
		if got := id.String(); got != tc.want {
			t.Errorf("NewPeerID(%q).String() == %q, expected %q", tc.name, got, tc.want)
		}
	}
}

func TestNormalizationStable(t *testing.T) {
	raws := []PeerID{
		NewPeerID("alice"),
		PeerIDFromBytes([]byte("bob\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")),
		PeerIDFromBytes([]byte("  padded  \x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")),
		PeerIDFromBytes([]byte{0xc3, 0x28, 'b', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}),
	}
	for _, raw := range raws {
		norm := raw.String()
		again := NewPeerID(norm).String()
		if norm != again {
			t.Errorf("normalization not stable: %q -> %q", norm, again)
		}
	}
}

func TestNormalizationEquality(t *testing.T) {
	nul := PeerIDFromBytes(append([]byte("carol"), make([]byte, 15)...))
	spc := NewPeerID("carol")
	if !nul.Equals(spc) {
		t.Error("NUL padded and space padded forms of the same name must compare equal")
	}
}

func TestBroadcastID(t *testing.T) {
	for _, b := range Broadcast {
		if b != 0xff {
			t.Fatal("broadcast ID must be 20 bytes of 0xff")
		}
	}
	if !Broadcast.IsBroadcast() {
		t.Error("IsBroadcast is false for the broadcast ID")
	}
	if NewPeerID("alice").IsBroadcast() {
		t.Error("IsBroadcast is true for a regular ID")
	}
}

func TestBodyFraming(t *testing.T) {
	payload := []byte("hello")
	bs := MarshalBody(42, payload)
	if len(bs) != BodyPrefixSize+len(payload) {
		t.Fatalf("body frame is %d bytes", len(bs))
	}
	id, rest, err := SplitBody(bs)
	if err != nil {
		t.Fatal(err)
	}
	if byte(id) != 42 {
		t.Errorf("body prefix low byte is %d, expected 42", byte(id))
	}
	if !bytes.Equal(rest, payload) {
		t.Errorf("payload mismatch: %q", rest)
	}
	if _, _, err := SplitBody([]byte{1, 2, 3}); err == nil {
		t.Error("SplitBody accepted a short frame")
	}
}

func TestDerivePeerID(t *testing.T) {
	a := DerivePeerID("alice")
	b := DerivePeerID("alice")
	if a != b {
		t.Error("derived IDs are not deterministic")
	}
	if a == DerivePeerID("bob") {
		t.Error("distinct names derived the same ID")
	}
	if got := len(a.String()); got != IDLength {
		t.Errorf("derived ID normalizes to %d characters, expected %d", got, IDLength)
	}
}
