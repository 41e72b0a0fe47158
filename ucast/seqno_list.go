// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"io"
	"sort"

	"github.com/dtn7/cboring"
)

// SeqnoList is an ordered, deduplicated set of missing sequence numbers, the
// payload of an XMIT_REQ message. On the wire it is a CBOR array of
// run-length-encoded (start, length) pairs, so a long contiguous gap costs a
// single pair instead of one element per seqno.
type SeqnoList []Seqno

// NewSeqnoList sorts and dedupes an arbitrary slice of seqnos.
func NewSeqnoList(seqnos []Seqno) SeqnoList {
	l := append(SeqnoList{}, seqnos...)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })

	out := l[:0]
	for i, s := range l {
		if i == 0 || s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the highest seqno in the list, or 0 if the list is empty.
func (l SeqnoList) Last() Seqno {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// RemoveHigherThan drops every element strictly greater than bound, in
// place, preserving order.
func (l SeqnoList) RemoveHigherThan(bound Seqno) SeqnoList {
	out := l[:0]
	for _, s := range l {
		if s <= bound {
			out = append(out, s)
		}
	}
	return out
}

type seqnoRange struct {
	start  Seqno
	length uint64
}

func (l SeqnoList) ranges() []seqnoRange {
	var ranges []seqnoRange
	for i := 0; i < len(l); {
		start := l[i]
		j := i + 1
		for j < len(l) && uint64(l[j]) == uint64(l[j-1])+1 {
			j++
		}
		ranges = append(ranges, seqnoRange{start: start, length: uint64(j - i)})
		i = j
	}
	return ranges
}

// MarshalCbor writes the list as a CBOR array of (start, length) pairs.
func (l SeqnoList) MarshalCbor(w io.Writer) error {
	ranges := l.ranges()
	if err := cboring.WriteArrayLength(uint64(len(ranges)), w); err != nil {
		return err
	}
	for _, rg := range ranges {
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(rg.start), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(rg.length, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a SeqnoList written by MarshalCbor.
func (l *SeqnoList) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	var out SeqnoList
	for i := uint64(0); i < n; i++ {
		if _, err := cboring.ReadArrayLength(r); err != nil {
			return err
		}
		start, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		length, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		for j := uint64(0); j < length; j++ {
			out = append(out, Seqno(start+j))
		}
	}
	*l = out
	return nil
}
