// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/groupcomm/ucast/bus"
	"github.com/groupcomm/ucast/timer"
	"github.com/groupcomm/ucast/transport"
)

// recordingBus is a bus.Bus that records every delivered MSG event, for
// tests to assert against.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingBus) Up(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBus) snapshot() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingBus) payloads() []string {
	var out []string
	for _, ev := range r.snapshot() {
		out = append(out, string(ev.Payload))
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.XmitInterval = 20 * time.Millisecond
	cfg.XmitTableNumRows = 2
	cfg.XmitTableMsgsPerRow = 4
	return cfg
}

// newTestPeer wires a Layer onto net at addr, on its own Cron (distinct
// peers are distinct nodes in production and never share a job registry),
// and starts it, registering cleanup with t.
func newTestPeer(t *testing.T, net *transport.Network, addr string, cfg Config) (*Layer, *recordingBus) {
	t.Helper()

	cron := timer.NewCron(5 * time.Millisecond)
	loop := transport.NewLoop(net, addr)
	rb := &recordingBus{}
	layer := NewLayer(cfg, loop, rb, cron)
	if err := layer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		layer.Close()
		_ = loop.Close()
		cron.Stop()
	})
	return layer, rb
}

func TestHappyPath(t *testing.T) {
	net := transport.NewNetwork()
	sender, _ := newTestPeer(t, net, "sender", testConfig())
	_, recvBus := newTestPeer(t, net, "receiver", testConfig())

	for i := 1; i <= 10; i++ {
		if err := sender.Down("receiver", &Message{Payload: []byte(fmt.Sprintf("msg%d", i))}); err != nil {
			t.Fatalf("Down(%d): %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(recvBus.snapshot()) == 10 })

	got := recvBus.payloads()
	for i, p := range got {
		want := fmt.Sprintf("msg%d", i+1)
		if p != want {
			t.Fatalf("delivery %d = %q, want %q (full: %v)", i, p, want, got)
		}
	}

	entry, ok := sender.sendTable.Load(Address("receiver"))
	if !ok {
		t.Fatal("expected a SenderEntry for receiver")
	}
	waitFor(t, 2*time.Second, func() bool { return entry.(*SenderEntry).outbox.Size() == 0 })
}

func TestLossInTheMiddleRecoveredByXmitReq(t *testing.T) {
	net := transport.NewNetwork()

	var mu sync.Mutex
	droppedOnce := map[Seqno]bool{}
	net.Drop = func(src, dst string, payload []byte) bool {
		hdr, _, err := decodeFrame(payload)
		if err != nil || hdr.Type != DataType {
			return false
		}
		if hdr.Seqno != 4 && hdr.Seqno != 7 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if droppedOnce[hdr.Seqno] {
			return false
		}
		droppedOnce[hdr.Seqno] = true
		return true
	}

	sender, _ := newTestPeer(t, net, "sender", testConfig())
	_, recvBus := newTestPeer(t, net, "receiver", testConfig())

	for i := 1; i <= 10; i++ {
		if err := sender.Down("receiver", &Message{Payload: []byte(fmt.Sprintf("msg%d", i))}); err != nil {
			t.Fatalf("Down(%d): %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return len(recvBus.snapshot()) == 10 })

	got := recvBus.payloads()
	for i, p := range got {
		want := fmt.Sprintf("msg%d", i+1)
		if p != want {
			t.Fatalf("delivery %d = %q, want %q (full: %v)", i, p, want, got)
		}
	}
}

func TestOOBDeliveredOnceAndEarly(t *testing.T) {
	net := transport.NewNetwork()
	_, recvBus := newTestPeer(t, net, "receiver", testConfig())
	sendLoop := transport.NewLoop(net, "sender")
	t.Cleanup(func() { _ = sendLoop.Close() })

	connId := ConnId(7)
	frame := func(s Seqno, oob bool) []byte {
		hdr := dataHeader(s, connId, s == FirstSeqno, oob)
		raw, err := encodeFrame(hdr, []byte(fmt.Sprintf("m%d", s)))
		if err != nil {
			t.Fatalf("encodeFrame(%d): %v", s, err)
		}
		return raw
	}

	frames := map[Seqno][]byte{
		1: frame(1, false),
		2: frame(2, false),
		3: frame(3, true),
		4: frame(4, false),
		5: frame(5, false),
	}

	for _, s := range []Seqno{1, 2, 4, 5, 3} {
		if err := sendLoop.Send(context.Background(), "receiver", frames[s]); err != nil {
			t.Fatalf("Send(%d): %v", s, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(recvBus.snapshot()) == 5 })

	seen := map[string]int{}
	for _, p := range recvBus.payloads() {
		seen[p]++
	}
	for s := Seqno(1); s <= 5; s++ {
		key := fmt.Sprintf("m%d", s)
		if seen[key] != 1 {
			t.Fatalf("payload %q delivered %d times, want exactly 1 (all: %v)", key, seen[key], seen)
		}
	}
}

func TestSenderRestartResetsReceiveWindow(t *testing.T) {
	net := transport.NewNetwork()
	_, recvBus := newTestPeer(t, net, "receiver", testConfig())
	sendLoop := transport.NewLoop(net, "sender")
	t.Cleanup(func() { _ = sendLoop.Close() })

	send := func(connId ConnId, seqno Seqno, first bool, payload string) {
		hdr := dataHeader(seqno, connId, first, false)
		raw, err := encodeFrame(hdr, []byte(payload))
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if err := sendLoop.Send(context.Background(), "receiver", raw); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	send(7, 1, true, "gen7-1")
	send(7, 2, false, "gen7-2")
	send(7, 3, false, "gen7-3")
	waitFor(t, time.Second, func() bool { return len(recvBus.snapshot()) == 3 })

	send(8, 1, true, "gen8-1")
	waitFor(t, time.Second, func() bool { return len(recvBus.snapshot()) == 4 })

	got := recvBus.payloads()
	want := []string{"gen7-1", "gen7-2", "gen7-3", "gen8-1"}
	for i, p := range want {
		if got[i] != p {
			t.Fatalf("delivery %d = %q, want %q (full: %v)", i, got[i], p, got)
		}
	}
}

func TestReceiverColdStartTriggersSendFirstSeqno(t *testing.T) {
	net := transport.NewNetwork()

	var mu sync.Mutex
	droppedOnce := map[Seqno]bool{}
	net.Drop = func(src, dst string, payload []byte) bool {
		hdr, _, err := decodeFrame(payload)
		if err != nil || hdr.Type != DataType {
			return false
		}
		if hdr.Seqno > 4 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if droppedOnce[hdr.Seqno] {
			return false
		}
		droppedOnce[hdr.Seqno] = true
		return true
	}

	sender, _ := newTestPeer(t, net, "sender", testConfig())
	_, recvBus := newTestPeer(t, net, "receiver", testConfig())

	for i := 1; i <= 5; i++ {
		if err := sender.Down("receiver", &Message{Payload: []byte(fmt.Sprintf("msg%d", i))}); err != nil {
			t.Fatalf("Down(%d): %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return len(recvBus.snapshot()) == 5 })

	got := recvBus.payloads()
	for i, p := range got {
		want := fmt.Sprintf("msg%d", i+1)
		if p != want {
			t.Fatalf("delivery %d = %q, want %q (full: %v)", i, p, want, got)
		}
	}
}

func TestIdleReapRecreatesConnection(t *testing.T) {
	net := transport.NewNetwork()
	cfg := testConfig()
	cfg.ConnExpiryTimeout = 60 * time.Millisecond

	sender, _ := newTestPeer(t, net, "sender", cfg)
	_, recvBus := newTestPeer(t, net, "receiver", cfg)

	if err := sender.Down("receiver", &Message{Payload: []byte("first")}); err != nil {
		t.Fatalf("Down: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(recvBus.snapshot()) == 1 })

	firstConnId := ConnId(0)
	if v, ok := sender.sendTable.Load(Address("receiver")); ok {
		firstConnId = v.(*SenderEntry).ConnId
	} else {
		t.Fatal("expected a SenderEntry after first send")
	}

	waitFor(t, 2*time.Second, func() bool {
		_, senderHas := sender.sendTable.Load(Address("receiver"))
		return !senderHas
	})

	if err := sender.Down("receiver", &Message{Payload: []byte("second")}); err != nil {
		t.Fatalf("Down: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(recvBus.snapshot()) == 2 })

	v, ok := sender.sendTable.Load(Address("receiver"))
	if !ok {
		t.Fatal("expected a fresh SenderEntry after reap")
	}
	if v.(*SenderEntry).ConnId == firstConnId {
		t.Fatalf("expected a new conn_id after reap, got the same one (%d)", firstConnId)
	}

	got := recvBus.payloads()
	want := []string{"first", "second"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("payloads = %v, want %v", got, want)
	}
}
