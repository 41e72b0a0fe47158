// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import "sync"

// signedShortMax is Java's Short.MAX_VALUE: the allocator mirrors the
// original's wrap point exactly rather than wrapping at the full 16-bit
// unsigned range, so an allocated ConnId is always in [0, signedShortMax].
const signedShortMax = 1<<15 - 1

// connIdAllocator hands out ConnIds for new outgoing connections, wrapping
// back to 0 at signedShortMax rather than growing unbounded. Allocation
// returns the counter's current value and only then advances it, so 0 is a
// valid, once-per-cycle allocated value and not a reserved sentinel (spec
// §9, "Open question").
type connIdAllocator struct {
	mu   sync.Mutex
	next int32
}

func newConnIdAllocator() *connIdAllocator {
	return &connIdAllocator{next: 0}
}

func (a *connIdAllocator) allocate() ConnId {
	a.mu.Lock()
	defer a.mu.Unlock()

	ret := a.next
	if a.next >= signedShortMax || a.next < 0 {
		a.next = 0
	} else {
		a.next++
	}
	return ConnId(ret)
}
