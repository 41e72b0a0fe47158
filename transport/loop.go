// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"sync"
)

// frame is a single in-flight datagram on a Network.
type frame struct {
	src, dst string
	payload  []byte
}

// Network is an in-process switch connecting any number of Loop endpoints.
// It exists purely for tests: it lets a test drop or reorder specific
// frames deterministically, which a real socket cannot offer (spec §8
// end-to-end scenarios 2 and 3 need exactly this).
type Network struct {
	mu    sync.Mutex
	boxes map[string]chan frame

	// Drop, if set, is consulted for every frame before delivery; returning
	// true discards it silently, the same as an unreliable transport losing
	// a datagram.
	Drop func(src, dst string, payload []byte) bool
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{boxes: make(map[string]chan frame)}
}

func (n *Network) mailbox(addr string) chan frame {
	n.mu.Lock()
	defer n.mu.Unlock()

	box, ok := n.boxes[addr]
	if !ok {
		box = make(chan frame, 256)
		n.boxes[addr] = box
	}
	return box
}

// Loop is a Network-backed T bound to a single local address.
type Loop struct {
	net   *Network
	local string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoop registers addr on net and returns a T endpoint for it.
func NewLoop(net *Network, addr string) *Loop {
	net.mailbox(addr)
	return &Loop{net: net, local: addr, closed: make(chan struct{})}
}

func (l *Loop) Send(ctx context.Context, dst string, payload []byte) error {
	if l.net.Drop != nil && l.net.Drop(l.local, dst, payload) {
		return nil
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case l.net.mailbox(dst) <- frame{src: l.local, dst: dst, payload: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return fmt.Errorf("transport: loop %q closed", l.local)
	}
}

func (l *Loop) Receive(ctx context.Context) (string, []byte, error) {
	box := l.net.mailbox(l.local)
	select {
	case f := <-box:
		return f.src, f.payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-l.closed:
		return "", nil, fmt.Errorf("transport: loop %q closed", l.local)
	}
}

func (l *Loop) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
