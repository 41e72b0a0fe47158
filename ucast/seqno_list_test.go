// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"bytes"
	"reflect"
	"testing"
)

func TestNewSeqnoListSortsAndDedupes(t *testing.T) {
	got := NewSeqnoList([]Seqno{5, 1, 3, 1, 5, 2})
	want := SeqnoList{1, 2, 3, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NewSeqnoList = %v, want %v", got, want)
	}
}

func TestSeqnoListRangesRunLengthEncodeContiguousRuns(t *testing.T) {
	l := SeqnoList{1, 2, 3, 7, 9, 10}
	got := l.ranges()
	want := []seqnoRange{{start: 1, length: 3}, {start: 7, length: 1}, {start: 9, length: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges() = %v, want %v", got, want)
	}
}

func TestSeqnoListCborRoundTrip(t *testing.T) {
	orig := SeqnoList{4, 7, 8, 9, 20}

	buf := new(bytes.Buffer)
	if err := orig.MarshalCbor(buf); err != nil {
		t.Fatalf("MarshalCbor: %v", err)
	}

	var got SeqnoList
	if err := got.UnmarshalCbor(buf); err != nil {
		t.Fatalf("UnmarshalCbor: %v", err)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Fatalf("round trip = %v, want %v", got, orig)
	}
}

func TestSeqnoListRemoveHigherThan(t *testing.T) {
	l := SeqnoList{1, 2, 5, 9}
	got := l.RemoveHigherThan(5)
	want := SeqnoList{1, 2, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RemoveHigherThan(5) = %v, want %v", got, want)
	}
}
