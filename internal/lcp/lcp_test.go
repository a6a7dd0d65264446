// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lcp

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ALbertE03/scr-lcp-2025/internal/config"
	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
)

// blackhole is a broadcast target nothing listens on, for peers whose
// test does not exercise discovery.
const blackhole = "127.0.0.1:9"

func newTestPeer(t *testing.T, name string, bcast ...string) *Peer {
	t.Helper()
	cfg := config.Defaults()
	cfg.LocalPeerID = name
	cfg.Port = 0
	cfg.DiscoveryPeriod = time.Second
	cfg.PeerTimeout = 3 * time.Second
	cfg.ReceivedFileDirectory = t.TempDir()
	if len(bcast) == 0 {
		bcast = []string{blackhole}
	}
	cfg.BroadcastAddresses = bcast

	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

// introduce seeds a's table with b, as discovery would.
func introduce(t *testing.T, a, b *Peer) {
	t.Helper()
	a.table.Touch(b.id, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()})
}

func TestDiscovery(t *testing.T) {
	bob := newTestPeer(t, "bob")
	alice := newTestPeer(t, "alice", fmt.Sprintf("127.0.0.1:%d", bob.Port()))

	offline := alice.Subscribe(events.PeerOffline)
	defer alice.Unsubscribe(offline)

	// Alice's ECHO reaches Bob, announcing her; Bob's reply announces
	// him back. Both directions within a couple of periods.
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, aliceSeesBob := alice.table.Resolve("bob")
		_, bobSeesAlice := bob.table.Resolve("alice")
		if aliceSeesBob && bobSeesAlice {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("discovery incomplete: alice sees bob %v, bob sees alice %v", aliceSeesBob, bobSeesAlice)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The local peer never appears in its own table.
	for _, p := range alice.Peers() {
		if p.Name == "alice" {
			t.Error("alice is in her own peer table")
		}
	}

	// Kill Bob; Alice must report him offline exactly once after the
	// liveness window.
	bob.Stop()

	ev, err := offline.Poll(15 * time.Second)
	if err != nil {
		t.Fatal("no PeerOffline after the liveness window:", err)
	}
	if pc := ev.Data.(events.PeerChange); pc.Peer != "bob" {
		t.Errorf("unexpected peer offline: %+v", pc)
	}
	if _, err := offline.Poll(2 * time.Second); err != events.ErrTimeout {
		t.Error("PeerOffline emitted more than once")
	}
}

func TestDirectMessage(t *testing.T) {
	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	introduce(t, alice, bob)

	sub := bob.Subscribe(events.MessageReceived)
	defer bob.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := alice.SendMessage(ctx, "bob", "hello"); err != nil {
		t.Fatal(err)
	}

	ev, err := sub.Poll(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	msg := ev.Data.(events.Message)
	if msg.Peer != "alice" || msg.Text != "hello" {
		t.Errorf("received %+v", msg)
	}

	// The exchange itself announced Alice to Bob.
	if _, ok := bob.table.Resolve("alice"); !ok {
		t.Error("bob did not learn alice from her header")
	}
}

func TestMessageOrderingPerPeer(t *testing.T) {
	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	introduce(t, alice, bob)

	sub := bob.Subscribe(events.MessageReceived)
	defer bob.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := alice.SendMessage(ctx, "bob", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Submitted sequentially from one goroutine, the messages must
	// arrive in order.
	for i := 0; i < 5; i++ {
		ev, err := sub.Poll(5 * time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got := ev.Data.(events.Message).Text; got != fmt.Sprintf("msg-%d", i) {
			t.Errorf("message %d arrived as %q", i, got)
		}
	}
}

// TestMessageRetry drops the first header and checks that the sender's
// retry completes the exchange, with exactly two headers before the body.
func TestMessageRetry(t *testing.T) {
	alice := newTestPeer(t, "alice")

	// A bare UDP socket plays the remote peer.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	mallory := protocol.NewPeerID("mallory")
	alice.table.Touch(mallory, conn.LocalAddr().(*net.UDPAddr))

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result <- alice.SendMessage(ctx, "mallory", "hello")
	}()

	buf := make([]byte, 2048)
	headers := 0
	var gotBody []byte
	for gotBody == nil {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatal(err)
		}
		switch n {
		case protocol.HeaderSize:
			headers++
			if headers == 1 {
				// Drop the first header; the sender must retry.
				continue
			}
			resp := protocol.Response{Status: protocol.StatusOK, Responder: mallory}
			conn.WriteToUDP(resp.Marshal(), src)
		default:
			gotBody = append([]byte(nil), buf[:n]...)
			resp := protocol.Response{Status: protocol.StatusOK, Responder: mallory}
			conn.WriteToUDP(resp.Marshal(), src)
		}
	}

	if err := <-result; err != nil {
		t.Fatal("send failed despite retry:", err)
	}
	if headers != 2 {
		t.Errorf("saw %d headers, expected 2", headers)
	}
	if _, payload, _ := protocol.SplitBody(gotBody); string(payload) != "hello" {
		t.Errorf("body payload %q", payload)
	}
}

func TestBroadcastMessage(t *testing.T) {
	bob := newTestPeer(t, "bob")
	carol := newTestPeer(t, "carol")
	alice := newTestPeer(t, "alice",
		fmt.Sprintf("127.0.0.1:%d", bob.Port()),
		fmt.Sprintf("127.0.0.1:%d", carol.Port()))

	bobSub := bob.Subscribe(events.MessageReceived)
	defer bob.Unsubscribe(bobSub)
	carolSub := carol.Subscribe(events.MessageReceived)
	defer carol.Unsubscribe(carolSub)

	ctx := context.Background()
	if err := alice.Broadcast(ctx, "hi all"); err != nil {
		t.Fatal(err)
	}

	for name, sub := range map[string]*events.Subscription{"bob": bobSub, "carol": carolSub} {
		ev, err := sub.Poll(10 * time.Second)
		if err != nil {
			t.Fatalf("%s never got the broadcast: %v", name, err)
		}
		msg := ev.Data.(events.Message)
		if msg.Peer != "alice" || msg.Text != "hi all" {
			t.Errorf("%s received %+v", name, msg)
		}
	}
}

func TestFileTransfer(t *testing.T) {
	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	introduce(t, alice, bob)

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	progress := alice.Subscribe(events.FileProgress)
	defer alice.Unsubscribe(progress)
	received := bob.Subscribe(events.FileReceived)
	defer bob.Unsubscribe(received)

	if err := alice.SendFile("bob", src); err != nil {
		t.Fatal(err)
	}

	// The sender reports initiating, then monotonically increasing
	// progress ending at 100, then completed.
	var states []events.TransferState
	lastPct := -1
	for {
		ev, err := progress.Poll(15 * time.Second)
		if err != nil {
			t.Fatal("progress stream ended early:", err)
		}
		pr := ev.Data.(events.Progress)
		states = append(states, pr.State)
		if pr.State == events.TransferProgress {
			if pr.Percent < lastPct {
				t.Errorf("progress went backwards: %d after %d", pr.Percent, lastPct)
			}
			lastPct = pr.Percent
		}
		if pr.State == events.TransferCompleted || pr.State == events.TransferError {
			break
		}
	}
	if states[0] != events.TransferInitiating {
		t.Errorf("first state %v, expected initiating", states[0])
	}
	if states[len(states)-1] != events.TransferCompleted {
		t.Fatalf("final state %v, expected completed", states[len(states)-1])
	}
	if lastPct != 100 {
		t.Errorf("progress ended at %d%%", lastPct)
	}

	ev, err := received.Poll(15 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	file := ev.Data.(events.File)
	if file.Peer != "alice" {
		t.Errorf("file attributed to %q", file.Peer)
	}
	got, err := os.ReadFile(file.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received file differs from source (%d vs %d bytes)", len(got), len(payload))
	}
}

func TestOrphanTCPRejected(t *testing.T) {
	bob := newTestPeer(t, "bob")

	received := bob.Subscribe(events.FileReceived)
	defer bob.Unsubscribe(received)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", bob.Port()), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// A file stream nobody announced: 8 byte ID plus data.
	conn.Write(protocol.MarshalBody(7, []byte("surprise")))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	rbuf := make([]byte, protocol.ResponseSize)
	if _, err := io.ReadFull(conn, rbuf); err != nil {
		t.Fatal("no response to orphan connect:", err)
	}
	resp, err := protocol.UnmarshalResponse(rbuf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("orphan connect answered with %v, expected bad request", resp.Status)
	}

	if _, err := received.Poll(time.Second); err != events.ErrTimeout {
		t.Error("orphan connect produced a FileReceived event")
	}
}

func TestGroupMessaging(t *testing.T) {
	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	introduce(t, alice, bob)
	introduce(t, bob, alice)

	bobMsgs := bob.Subscribe(events.MessageReceived)
	defer bob.Unsubscribe(bobMsgs)
	bobInvites := bob.Subscribe(events.GroupInvite)
	defer bob.Unsubscribe(bobInvites)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := alice.Groups().Create(ctx, "ops"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Groups().Invite(ctx, "ops", "bob"); err != nil {
		t.Fatal(err)
	}

	// The invite arrives as an event, not as a chat message.
	ev, err := bobInvites.Poll(10 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	inv := ev.Data.(events.Invitation)
	if inv.Group != "ops" || inv.From != "alice" {
		t.Errorf("unexpected invitation %+v", inv)
	}

	if err := bob.Groups().Join("ops"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Groups().SendMessage(ctx, "ops", "ready"); err != nil {
		t.Fatal(err)
	}

	aliceMsgs := alice.Subscribe(events.MessageReceived)
	defer alice.Unsubscribe(aliceMsgs)

	// Alice sees the group line as a regular message with the group tag.
	if err := bob.Groups().SendMessage(ctx, "ops", "again"); err != nil {
		t.Fatal(err)
	}
	ev, err = aliceMsgs.Poll(10 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	msg := ev.Data.(events.Message)
	if msg.Peer != "bob" || msg.Text != "[GROUP ops] again" {
		t.Errorf("received %+v", msg)
	}
}
