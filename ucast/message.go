// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

// Seqno is a 64-bit, monotonically increasing sequence number, scoped to a
// (source, ConnId) connection.
type Seqno uint64

// FirstSeqno is the seqno carried by the first message of every connection.
const FirstSeqno Seqno = 1

// ConnId names an incarnation of a sender. A change of ConnId observed by a
// receiver for a given sender signals that the sender restarted and the
// receive window must be reset. Zero is a valid allocated value (see
// DESIGN.md, "Open questions resolved").
type ConnId uint16

// Flags are per-message delivery hints that the layer itself does not
// interpret beyond the two bits below.
type Flags uint8

const (
	// NoReliability bypasses this layer entirely: the message is handed
	// straight to the transport without ever entering a Window.
	NoReliability Flags = 1 << iota

	// OOB messages may be delivered ahead of their predecessors but must
	// still occupy their slot in the window and must not be redelivered
	// when the window later flushes past them.
	OOB
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Message is the application payload this layer ferries, plus the control
// header this layer stamps on it. Payload is treated as opaque.
type Message struct {
	Payload []byte
	Flags   Flags
	Header  Header
}

// isOOB reports whether m is out-of-band, either because the caller set
// the flag locally (outbound) or because the wire header carried it
// (inbound — see Header.OOB).
func (m *Message) isOOB() bool { return m.Flags.Has(OOB) || m.Header.OOB }

// clone deep-copies a Message so a retransmit-time header rewrite (the
// "first" re-stamp in §4.8) never mutates the message stored in a Window.
func (m *Message) clone() *Message {
	cp := &Message{
		Flags:  m.Flags,
		Header: m.Header,
	}
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}
	return cp
}
