// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import "time"

// Config holds the enumerated options of spec §6.3. Fields marked
// "fixed at creation" below are read when the thing they shape is created
// (the Layer, its periodic jobs at Start, or a new Window) and changing them
// afterwards leaves what already exists untouched; the rest are read on
// every tick/call and may be changed live (see config.Watcher in the config
// package).
type Config struct {
	// MaxMsgBatchSize bounds messages drained per delivery iteration. Live.
	MaxMsgBatchSize int

	// ConnExpiryTimeout is the idle time after which a connection is
	// reaped by the connection reaper; 0 disables reaping. Whether the
	// reaper runs, and its period, are fixed at Start; the idle threshold
	// it compares against is read live.
	ConnExpiryTimeout time.Duration

	// XmitTableNumRows/XmitTableMsgsPerRow/XmitTableResizeFactor size a new
	// Window's matrix. Fixed at creation: only affects Windows created
	// after the change.
	XmitTableNumRows      int
	XmitTableMsgsPerRow   int
	XmitTableResizeFactor float64

	// XmitTableMaxCompactionTime compacts a Window's empty head rows once
	// this much time has passed since its last compaction, even if no purge
	// has happened in between. Fixed at creation.
	XmitTableMaxCompactionTime time.Duration

	// XmitInterval is the period of the retransmit sweep. Fixed at
	// creation: changing it requires restarting the Cron job.
	XmitInterval time.Duration

	// LogNotFoundMsgs logs a non-fatal warning when an XMIT_REQ asks for a
	// seqno no longer in the table. Live.
	LogNotFoundMsgs bool

	// AckBatchesImmediately ACKs synchronously at the end of a batch drain
	// instead of arming the delayed-ACK flag. Live.
	AckBatchesImmediately bool

	// MaxRetransmitTime is the age-out deadline for unacked destinations
	// that aren't current group members; 0 disables age-out. Fixed at
	// creation: the age-out cache is built by NewLayer.
	MaxRetransmitTime time.Duration
}

// DefaultConfig returns the layer's default options.
func DefaultConfig() Config {
	return Config{
		MaxMsgBatchSize:            50,
		ConnExpiryTimeout:          0,
		XmitTableNumRows:           10,
		XmitTableMsgsPerRow:        64,
		XmitTableResizeFactor:      1.2,
		XmitTableMaxCompactionTime: 10 * time.Second,
		XmitInterval:               500 * time.Millisecond,
		LogNotFoundMsgs:            false,
		AckBatchesImmediately:      false,
		MaxRetransmitTime:          0,
	}
}
