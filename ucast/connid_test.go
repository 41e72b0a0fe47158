// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import "testing"

func TestConnIdAllocatorZeroIsValid(t *testing.T) {
	a := newConnIdAllocator()
	if got := a.allocate(); got != 0 {
		t.Fatalf("first allocation = %d, want 0", got)
	}
	if got := a.allocate(); got != 1 {
		t.Fatalf("second allocation = %d, want 1", got)
	}
}

func TestConnIdAllocatorWrapsAtSignedShortMax(t *testing.T) {
	a := &connIdAllocator{next: signedShortMax}

	last := a.allocate()
	if last != signedShortMax {
		t.Fatalf("allocate() at boundary = %d, want %d", last, signedShortMax)
	}

	wrapped := a.allocate()
	if wrapped != 0 {
		t.Fatalf("allocate() after boundary = %d, want 0 (wrap)", wrapped)
	}
}
