// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import "sync/atomic"

// Metrics are the cumulative, process-wide counters the management surface
// exposes (spec §6.4). All fields are updated with atomic ops so they can
// be read concurrently with the hot path that increments them.
type Metrics struct {
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	AcksSent         atomic.Uint64
	AcksReceived     atomic.Uint64
	Retransmissions  atomic.Uint64
	XmitReqsSent     atomic.Uint64
	XmitReqsReceived atomic.Uint64
	XmitRespsSent    atomic.Uint64
}

// Snapshot is a point-in-time, plain-value copy of Metrics suitable for
// JSON encoding on the management surface.
type Snapshot struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	AcksSent         uint64 `json:"acks_sent"`
	AcksReceived     uint64 `json:"acks_received"`
	Retransmissions  uint64 `json:"retransmissions"`
	XmitReqsSent     uint64 `json:"xmit_reqs_sent"`
	XmitReqsReceived uint64 `json:"xmit_reqs_received"`
	XmitRespsSent    uint64 `json:"xmit_resps_sent"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		AcksSent:         m.AcksSent.Load(),
		AcksReceived:     m.AcksReceived.Load(),
		Retransmissions:  m.Retransmissions.Load(),
		XmitReqsSent:     m.XmitReqsSent.Load(),
		XmitReqsReceived: m.XmitReqsReceived.Load(),
		XmitRespsSent:    m.XmitRespsSent.Load(),
	}
}

// ConnectionStats is the per-peer row the management surface lists
// alongside the process-wide Snapshot.
type ConnectionStats struct {
	Address          string     `json:"address"`
	Direction        string     `json:"direction"` // "send" or "recv"
	ConnId           ConnId     `json:"conn_id"`
	Size             int        `json:"window_size"`
	NumMissing       int        `json:"num_missing"`
	Low              Seqno      `json:"low"`
	HighestDelivered Seqno      `json:"highest_delivered"`
	HighestReceived  Seqno      `json:"highest_received"`
	TableStats       TableStats `json:"table_stats"`
}
