// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// MsgType tags the on-wire header (SPEC_FULL.md §4.14).
type MsgType uint8

const (
	DataType MsgType = iota
	AckType
	SendFirstSeqnoType
	XmitReqType
)

func (t MsgType) String() string {
	switch t {
	case DataType:
		return "DATA"
	case AckType:
		return "ACK"
	case SendFirstSeqnoType:
		return "SEND_FIRST_SEQNO"
	case XmitReqType:
		return "XMIT_REQ"
	default:
		return "UNKNOWN"
	}
}

// Header is the per-message control header. Which fields are meaningful
// depends on Type, as written by MarshalCbor.
//
// OOB is carried alongside DATA rather than as a separate message-level
// envelope: the original protocol sets it on the underlying transport
// message object, a layer this implementation doesn't have, so the bit
// rides in the header instead.
type Header struct {
	Type   MsgType
	Seqno  Seqno
	ConnId ConnId
	First  bool
	OOB    bool
}

func dataHeader(seqno Seqno, connId ConnId, first, oob bool) Header {
	return Header{Type: DataType, Seqno: seqno, ConnId: connId, First: first, OOB: oob}
}

func ackHeader(seqno Seqno, connId ConnId) Header {
	return Header{Type: AckType, Seqno: seqno, ConnId: connId}
}

func sendFirstSeqnoHeader(seqno Seqno) Header {
	return Header{Type: SendFirstSeqnoType, Seqno: seqno}
}

func xmitReqHeader() Header {
	return Header{Type: XmitReqType}
}

// MarshalCbor writes the header as a CBOR array: [type, ...type-specific
// fields], the same array-of-fields idiom used for bpv7 blocks.
func (h *Header) MarshalCbor(w io.Writer) error {
	switch h.Type {
	case DataType:
		if err := cboring.WriteArrayLength(5, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.Type), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.Seqno), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.ConnId), w); err != nil {
			return err
		}
		if err := cboring.WriteBoolean(h.First, w); err != nil {
			return err
		}
		return cboring.WriteBoolean(h.OOB, w)

	case AckType:
		if err := cboring.WriteArrayLength(3, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.Type), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.Seqno), w); err != nil {
			return err
		}
		return cboring.WriteUInt(uint64(h.ConnId), w)

	case SendFirstSeqnoType:
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(h.Type), w); err != nil {
			return err
		}
		return cboring.WriteUInt(uint64(h.Seqno), w)

	case XmitReqType:
		if err := cboring.WriteArrayLength(1, w); err != nil {
			return err
		}
		return cboring.WriteUInt(uint64(h.Type), w)

	default:
		return fmt.Errorf("ucast: unknown header type %d", h.Type)
	}
}

// UnmarshalCbor parses a header written by MarshalCbor.
func (h *Header) UnmarshalCbor(r io.Reader) error {
	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	typ, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.Type = MsgType(typ)

	switch h.Type {
	case DataType:
		if l != 5 {
			return fmt.Errorf("ucast: DATA header has array length %d, want 5", l)
		}
		seqno, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		connId, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		first, err := cboring.ReadBoolean(r)
		if err != nil {
			return err
		}
		oob, err := cboring.ReadBoolean(r)
		if err != nil {
			return err
		}
		h.Seqno, h.ConnId, h.First, h.OOB = Seqno(seqno), ConnId(connId), first, oob
		return nil

	case AckType:
		if l != 3 {
			return fmt.Errorf("ucast: ACK header has array length %d, want 3", l)
		}
		seqno, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		connId, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		h.Seqno, h.ConnId = Seqno(seqno), ConnId(connId)
		return nil

	case SendFirstSeqnoType:
		if l != 2 {
			return fmt.Errorf("ucast: SEND_FIRST_SEQNO header has array length %d, want 2", l)
		}
		seqno, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		h.Seqno = Seqno(seqno)
		return nil

	case XmitReqType:
		if l != 1 {
			return fmt.Errorf("ucast: XMIT_REQ header has array length %d, want 1", l)
		}
		return nil

	default:
		return fmt.Errorf("ucast: unknown header type %d", h.Type)
	}
}
