// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"bytes"

	log "github.com/sirupsen/logrus"
)

const ageOutJobName = "ucast-ageout"

// retransmitSweep is the single periodic task of spec §4.10: it drains
// pending ACKs, issues NAKs for gaps that survived one full tick, and runs
// the sender-side stall probe. It owns xmitTaskMap exclusively.
func (l *Layer) retransmitSweep() {
	l.recvTable.Range(func(key, value interface{}) bool {
		addr := key.(Address)
		entry := value.(*ReceiverEntry)

		entry.inbox.Tick()

		if entry.consumeAck() {
			l.sendAckLocked(addr, entry)
		}

		missing := entry.inbox.NumMissing()
		l.xmitTaskMu.Lock()
		prev, known := l.xmitTaskMap[addr]
		l.xmitTaskMu.Unlock()

		if missing == 0 {
			if known {
				l.xmitTaskMu.Lock()
				delete(l.xmitTaskMap, addr)
				l.xmitTaskMu.Unlock()
			}
			return true
		}

		gaps := entry.inbox.GetMissing()
		h := gaps.Last()

		if !known {
			// First tick a gap is seen: record it and give natural retransmit
			// (ACK-triggered resend, reordering) one interval to resolve it.
			l.xmitTaskMu.Lock()
			l.xmitTaskMap[addr] = h
			l.xmitTaskMu.Unlock()
			return true
		}

		gaps = gaps.RemoveHigherThan(prev)
		newPrev := prev
		if h > prev {
			newPrev = h
		}
		l.xmitTaskMu.Lock()
		l.xmitTaskMap[addr] = newPrev
		l.xmitTaskMu.Unlock()

		if len(gaps) > 0 {
			l.sendXmitReq(addr, gaps)
		}
		return true
	})

	l.sendTable.Range(func(key, value interface{}) bool {
		addr := key.(Address)
		entry := value.(*SenderEntry)

		entry.outbox.Tick()

		ha := entry.outbox.HighestDelivered()
		hs := entry.outbox.HighestReceived()
		wm := entry.getWatermark()

		if ha < hs && wm.highAcked == ha && wm.highSent == hs {
			if msg := entry.outbox.Get(hs); msg != nil {
				if err := l.sendFrame(addr, msg.Header, msg.Payload); err != nil {
					log.WithFields(log.Fields{"dst": addr, "error": err}).Warn("ucast: stall-probe retransmit failed")
				} else {
					l.Metrics.Retransmissions.Add(1)
				}
			}
		} else {
			entry.setWatermark(watermark{highAcked: ha, highSent: hs})
		}
		return true
	})
}

// sendAckLocked is the retransmit task's own immediate-ACK emitter; unlike
// sendAck it doesn't re-consume the flag (the caller already did).
func (l *Layer) sendAckLocked(dst Address, entry *ReceiverEntry) {
	hd := entry.inbox.HighestDelivered()
	if err := l.sendFrame(dst, ackHeader(hd, entry.ConnId), nil); err != nil {
		log.WithFields(log.Fields{"dst": dst, "error": err}).Warn("ucast: failed to send delayed ACK")
		return
	}
	l.Metrics.AcksSent.Add(1)
}

func (l *Layer) sendXmitReq(dst Address, missing SeqnoList) {
	buf := new(bytes.Buffer)
	if err := missing.MarshalCbor(buf); err != nil {
		log.WithFields(log.Fields{"dst": dst, "error": err}).Error("ucast: encoding XMIT_REQ payload failed")
		return
	}
	if err := l.sendFrame(dst, xmitReqHeader(), buf.Bytes()); err != nil {
		log.WithFields(log.Fields{"dst": dst, "error": err}).Warn("ucast: failed to send XMIT_REQ")
		return
	}
	l.Metrics.XmitReqsSent.Add(1)
}

// reapConnections is the connection reaper of spec §4.11: any connection
// idle for at least conn_expiry_timeout is dropped. A later message
// transparently recreates it (with a fresh conn_id on the sender side).
func (l *Layer) reapConnections() {
	cfg := l.config()
	if cfg.ConnExpiryTimeout <= 0 {
		return
	}

	l.sendTable.Range(func(key, value interface{}) bool {
		entry := value.(*SenderEntry)
		if entry.age() >= cfg.ConnExpiryTimeout {
			l.sendTable.Delete(key)
			log.WithFields(log.Fields{"dst": entry.Dst}).Debug("ucast: reaped idle sender connection")
		}
		return true
	})
	l.recvTable.Range(func(key, value interface{}) bool {
		entry := value.(*ReceiverEntry)
		if entry.age() >= cfg.ConnExpiryTimeout {
			l.recvTable.Delete(key)
			log.WithFields(log.Fields{"src": entry.Src}).Debug("ucast: reaped idle receiver connection")
		}
		return true
	})
}

// sweepAgeOut tears down both windows for any destination whose age-out
// deadline passed without the destination becoming a confirmed group
// member (spec §3 "Age-out cache").
func (l *Layer) sweepAgeOut() {
	if l.ageOut == nil {
		return
	}
	for _, addr := range l.ageOut.sweep() {
		l.sendTable.Delete(addr)
		l.recvTable.Delete(addr)
		log.WithFields(log.Fields{"addr": addr}).Info("ucast: aged out non-member destination")
	}
}
