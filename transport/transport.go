// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the unreliable unicast collaborator the
// delivery layer sits on top of (SPEC_FULL.md §4.16 / spec §1 OUT OF
// SCOPE). T may reorder, drop and duplicate; the layer above exists to hide
// exactly that.
package transport

import "context"

// T is the narrow interface the delivery layer sends frames through and
// receives frames from. Implementations (transport/loop.go for tests,
// transport/udp.go for a real deployment) own their own connection
// lifecycle; T itself is stateless from the layer's point of view beyond
// Send/Receive/Close.
type T interface {
	// Send transmits a frame to dst. Implementations do not retry; the
	// layer above owns retransmission.
	Send(ctx context.Context, dst string, frame []byte) error

	// Receive blocks until a frame arrives or ctx is cancelled, returning
	// the sender's address and the frame payload.
	Receive(ctx context.Context) (src string, frame []byte, err error)

	// Close releases any underlying resources (sockets, goroutines).
	Close() error
}
