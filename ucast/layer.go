// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/groupcomm/ucast/bus"
	"github.com/groupcomm/ucast/timer"
	"github.com/groupcomm/ucast/transport"
)

const (
	retransmitJobName = "ucast-retransmit"
	reaperJobName     = "ucast-reaper"

	backoffInitial = 10 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Layer is the reliable point-to-point delivery core: per-peer send/receive
// windows over an unreliable transport.T, driven by events arriving on a
// bus.Bus from the stack above and periodic tasks on a shared timer.Cron.
//
// A Layer is created once per node and torn down with Close. It owns the
// connection tables, the conn_id allocator and the age-out cache; none of
// these are process globals (spec §9, "global mutable state").
type Layer struct {
	cfg atomic.Pointer[Config]

	transport transport.T
	up        bus.Bus
	cron      *timer.Cron

	localAddr atomic.Pointer[Address]

	sendTable     sync.Map // Address -> *SenderEntry
	recvTable     sync.Map // Address -> *ReceiverEntry
	recvTableLock sync.Mutex

	connAlloc *connIdAllocator
	ageOut    *ageOutCache

	members sync.Map // Address -> struct{}

	Metrics Metrics

	xmitTaskMu  sync.Mutex
	xmitTaskMap map[Address]Seqno

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLayer wires a Layer to its collaborators. cron may be shared with
// other subsystems; the Layer registers its own named jobs on it and
// unregisters them in Close.
func NewLayer(cfg Config, tr transport.T, up bus.Bus, cron *timer.Cron) *Layer {
	l := &Layer{
		transport:   tr,
		up:          up,
		cron:        cron,
		connAlloc:   newConnIdAllocator(),
		xmitTaskMap: make(map[Address]Seqno),
	}
	l.cfg.Store(&cfg)
	if cfg.MaxRetransmitTime > 0 {
		l.ageOut = newAgeOutCache(cfg.MaxRetransmitTime)
	}
	return l
}

func (l *Layer) config() Config { return *l.cfg.Load() }

// SetConfig swaps the live configuration. Options documented as "fixed at
// creation" in Config have no effect on Windows/jobs already created.
func (l *Layer) SetConfig(cfg Config) { l.cfg.Store(&cfg) }

// Start launches the receive loop and registers the periodic tasks.
func (l *Layer) Start() error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ucast: layer already started")
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())

	cfg := l.config()
	if err := l.cron.Register(retransmitJobName, l.retransmitSweep, cfg.XmitInterval); err != nil {
		return fmt.Errorf("ucast: registering retransmit sweep: %w", err)
	}
	if cfg.ConnExpiryTimeout > 0 {
		if err := l.cron.Register(reaperJobName, l.reapConnections, cfg.ConnExpiryTimeout); err != nil {
			return fmt.Errorf("ucast: registering connection reaper: %w", err)
		}
	}
	if l.ageOut != nil {
		if err := l.cron.Register(ageOutJobName, l.sweepAgeOut, cfg.XmitInterval); err != nil {
			return fmt.Errorf("ucast: registering age-out sweep: %w", err)
		}
	}

	l.wg.Add(1)
	go l.receiveLoop()

	return nil
}

// Close cancels the periodic tasks and the receive loop, and tears down
// every window this Layer owns. It does not close the cron (shared with
// other subsystems on the node) or the transport, which outlives any
// single Layer attached to it — those remain the caller's to close.
//
// Each owned Table.Close is logged individually rather than collected
// into a single aggregate error, the same way the rest of the stack logs
// per-closer teardown failures; a Table.Close cannot itself fail, but the
// loop stays in this shape so a future fallible closer slots in the same
// way.
func (l *Layer) Close() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}

	l.cron.Unregister(retransmitJobName)
	l.cron.Unregister(reaperJobName)
	l.cron.Unregister(ageOutJobName)

	l.cancel()
	l.wg.Wait()

	l.xmitTaskMu.Lock()
	l.xmitTaskMap = make(map[Address]Seqno)
	l.xmitTaskMu.Unlock()

	l.sendTable.Range(func(key, value interface{}) bool {
		entry := value.(*SenderEntry)
		if err := entry.outbox.Close(); err != nil {
			log.WithFields(log.Fields{"dst": entry.Dst, "error": err}).Warn("ucast: closing sender window failed")
		}
		l.sendTable.Delete(key)
		return true
	})
	l.recvTable.Range(func(key, value interface{}) bool {
		entry := value.(*ReceiverEntry)
		if err := entry.inbox.Close(); err != nil {
			log.WithFields(log.Fields{"src": entry.Src, "error": err}).Warn("ucast: closing receiver window failed")
		}
		l.recvTable.Delete(key)
		return true
	})
	return nil
}

// HandleEvent is the Layer's bus.Handler implementation: the stack above
// pushes outbound messages and membership/identity updates through here.
func (l *Layer) HandleEvent(ev bus.Event) {
	switch ev.Type {
	case bus.MSG:
		msg := &Message{Payload: ev.Payload, Flags: Flags(ev.Flags)}
		if err := l.Down(Address(ev.Dst), msg); err != nil {
			log.WithFields(log.Fields{"dst": ev.Dst, "error": err}).Warn("ucast: outbound send failed")
		}

	case bus.VIEW_CHANGE:
		l.setMembers(ev.View)

	case bus.SET_LOCAL_ADDRESS:
		addr := Address(ev.LocalAddr)
		l.localAddr.Store(&addr)
	}
}

func (l *Layer) setMembers(view []string) {
	next := make(map[Address]struct{}, len(view))
	for _, a := range view {
		next[Address(a)] = struct{}{}
	}

	l.members.Range(func(key, _ interface{}) bool {
		addr := key.(Address)
		if _, ok := next[addr]; !ok {
			l.members.Delete(addr)
		}
		return true
	})
	for addr := range next {
		l.members.Store(addr, struct{}{})
		if l.ageOut != nil {
			l.ageOut.remove(addr)
		}
	}
}

// ConnectionStats returns a snapshot row per known connection, send and
// receive, for the management surface (spec §6.4).
func (l *Layer) ConnectionStats() []ConnectionStats {
	var out []ConnectionStats

	l.sendTable.Range(func(key, value interface{}) bool {
		addr := key.(Address)
		entry := value.(*SenderEntry)
		out = append(out, ConnectionStats{
			Address:          addr.String(),
			Direction:        "send",
			ConnId:           entry.ConnId,
			Size:             entry.outbox.Size(),
			NumMissing:       entry.outbox.NumMissing(),
			Low:              entry.outbox.Low(),
			HighestDelivered: entry.outbox.HighestDelivered(),
			HighestReceived:  entry.outbox.HighestReceived(),
			TableStats:       entry.outbox.Stats(),
		})
		return true
	})
	l.recvTable.Range(func(key, value interface{}) bool {
		addr := key.(Address)
		entry := value.(*ReceiverEntry)
		out = append(out, ConnectionStats{
			Address:          addr.String(),
			Direction:        "recv",
			ConnId:           entry.ConnId,
			Size:             entry.inbox.Size(),
			NumMissing:       entry.inbox.NumMissing(),
			Low:              entry.inbox.Low(),
			HighestDelivered: entry.inbox.HighestDelivered(),
			HighestReceived:  entry.inbox.HighestReceived(),
			TableStats:       entry.inbox.Stats(),
		})
		return true
	})
	return out
}

func (l *Layer) isMember(addr Address) bool {
	_, ok := l.members.Load(addr)
	return ok
}

func newWindow(cfg Config, offset Seqno) *Table {
	return NewTable(cfg.XmitTableNumRows, cfg.XmitTableMsgsPerRow, offset, cfg.XmitTableResizeFactor, cfg.XmitTableMaxCompactionTime)
}

// ---------------------------------------------------------------------------
// §4.4 Outbound pipeline
// ---------------------------------------------------------------------------

// Down sends msg to dst through this layer. If msg.Flags has NoReliability
// set, it bypasses the window entirely and goes straight to the transport.
func (l *Layer) Down(dst Address, msg *Message) error {
	if !l.running.Load() {
		return nil
	}

	if msg.Flags.Has(NoReliability) {
		return l.transport.Send(l.ctx, dst.String(), msg.Payload)
	}

	entry, created := l.getOrCreateSender(dst)
	if created {
		if !l.isMember(dst) && l.ageOut != nil {
			l.ageOut.touch(dst)
		}
	}

	seqno := entry.allocateSeqno()
	msg.Header = dataHeader(seqno, entry.ConnId, seqno == FirstSeqno, msg.Flags.Has(OOB))

	delay := backoffInitial
	for {
		if entry.outbox.Add(seqno, msg) {
			break
		}
		if !l.running.Load() {
			return nil
		}
		// Transient contention (e.g. a concurrent grow) only; seqno is
		// freshly allocated and strictly greater than highest_delivered, so
		// Add cannot be legitimately refusing this insert for any other
		// reason.
		if !sleepBackoff(l.ctx, delay) {
			return l.ctx.Err()
		}
		if delay *= 2; delay > backoffMax {
			delay = backoffMax
		}
	}
	entry.touch()

	l.Metrics.MessagesSent.Add(1)
	return l.sendFrame(dst, msg.Header, msg.Payload)
}

// getOrCreateSender implements the putIfAbsent semantics of spec §3/§4.4.
func (l *Layer) getOrCreateSender(dst Address) (*SenderEntry, bool) {
	if v, ok := l.sendTable.Load(dst); ok {
		return v.(*SenderEntry), false
	}

	cfg := l.config()
	candidate := newSenderEntry(dst, l.connAlloc.allocate(), newWindow(cfg, 0))
	actual, loaded := l.sendTable.LoadOrStore(dst, candidate)
	return actual.(*SenderEntry), !loaded
}

func sleepBackoff(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Layer) sendFrame(dst Address, hdr Header, body []byte) error {
	frame, err := encodeFrame(hdr, body)
	if err != nil {
		return fmt.Errorf("ucast: encoding %v frame: %w", hdr.Type, err)
	}
	return l.transport.Send(l.ctx, dst.String(), frame)
}

// ---------------------------------------------------------------------------
// §4.5 Inbound pipeline
// ---------------------------------------------------------------------------

func (l *Layer) receiveLoop() {
	defer l.wg.Done()

	for {
		src, raw, err := l.transport.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{"error": err}).Warn("ucast: transport receive failed")
			continue
		}
		l.handleFrame(Address(src), raw)
	}
}

// handleFrame decodes and classifies a single inbound frame (spec §4.5's
// "up single" path; callers batching DATA by conn_id use DeliverBatch
// to get the grouped variant of §4.5/§4.6).
func (l *Layer) handleFrame(src Address, raw []byte) {
	hdr, rest, err := decodeFrame(raw)
	if err != nil {
		log.WithFields(log.Fields{"src": src, "error": err}).Error("ucast: malformed frame dropped")
		return
	}

	switch hdr.Type {
	case DataType:
		payload, err := io.ReadAll(rest)
		if err != nil {
			log.WithFields(log.Fields{"src": src, "error": err}).Error("ucast: malformed DATA payload dropped")
			return
		}
		l.deliverData(src, hdr, payload, false)

	case AckType:
		l.handleAck(src, hdr)

	case SendFirstSeqnoType:
		l.handleSendFirstSeqno(src, hdr)

	case XmitReqType:
		var missing SeqnoList
		if err := missing.UnmarshalCbor(rest); err != nil {
			log.WithFields(log.Fields{"src": src, "error": err}).Error("ucast: malformed XMIT_REQ payload dropped")
			return
		}
		l.handleXmitReq(src, missing)

	default:
		log.WithFields(log.Fields{"src": src, "type": hdr.Type}).Error("ucast: unknown header type dropped")
	}
}

// DeliverBatch is the batched variant of the up pipeline (spec §4.5): a
// transport that hands up several frames from one upcall (e.g. a stream
// convergence layer reading a socket until it would block) calls this
// instead of routing each frame through handleFrame individually. Only
// DATA frames participate in batching; any other type in the batch is
// routed through the single-message path in arrival order.
func (l *Layer) DeliverBatch(src Address, frames [][]byte) {
	type decoded struct {
		hdr     Header
		payload []byte
	}

	groups := make(map[ConnId][]decoded)
	var order []ConnId

	for _, raw := range frames {
		hdr, rest, err := decodeFrame(raw)
		if err != nil {
			log.WithFields(log.Fields{"src": src, "error": err}).Error("ucast: malformed frame dropped")
			continue
		}
		if hdr.Type != DataType {
			l.handleFrame(src, raw)
			continue
		}
		payload, err := io.ReadAll(rest)
		if err != nil {
			log.WithFields(log.Fields{"src": src, "error": err}).Error("ucast: malformed DATA payload dropped")
			continue
		}
		if _, seen := groups[hdr.ConnId]; !seen {
			order = append(order, hdr.ConnId)
		}
		groups[hdr.ConnId] = append(groups[hdr.ConnId], decoded{hdr: hdr, payload: payload})
	}

	cfg := l.config()
	for _, connId := range order {
		for _, d := range groups[connId] {
			l.deliverData(src, d.hdr, d.payload, true)
		}

		if cfg.AckBatchesImmediately {
			if v, ok := l.recvTable.Load(src); ok {
				if entry := v.(*ReceiverEntry); entry.ConnId == connId {
					l.sendAck(src, entry)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// §4.6 DATA reception and delivery pump
// ---------------------------------------------------------------------------

// resolveReceiver implements the fast-path/slow-path entry resolution of
// spec §4.6. It returns (entry, ok); ok is false when the message must be
// dropped after triggering a SEND_FIRST_SEQNO request.
func (l *Layer) resolveReceiver(src Address, seqno Seqno, connId ConnId, first bool) (*ReceiverEntry, bool) {
	if v, ok := l.recvTable.Load(src); ok {
		entry := v.(*ReceiverEntry)
		if entry.ConnId == connId {
			return entry, true
		}
	}

	l.recvTableLock.Lock()

	v, exists := l.recvTable.Load(src)
	if exists {
		entry := v.(*ReceiverEntry)
		if entry.ConnId == connId {
			l.recvTableLock.Unlock()
			return entry, true
		}
	}

	if !first {
		// A non-first DATA with no matching connection: if a stale entry
		// under a different conn_id is sitting here, the state machine
		// requires it transition to None before the probe goes out (spec
		// §4.13, Established(c) --(DATA !first, c'≠c)--> None).
		if exists {
			l.recvTable.Delete(src)
		}
		l.recvTableLock.Unlock()
		l.sendSendFirstSeqno(src, seqno)
		return nil, false
	}

	cfg := l.config()
	entry := newReceiverEntry(src, connId, newWindow(cfg, seqno-1))
	l.recvTable.Store(src, entry)
	l.recvTableLock.Unlock()

	if exists {
		log.WithFields(log.Fields{"src": src, "old_conn_id": v.(*ReceiverEntry).ConnId, "new_conn_id": connId}).
			Info("ucast: peer restarted, receive window reset")
	}
	return entry, true
}

func (l *Layer) sendSendFirstSeqno(dst Address, seqno Seqno) {
	if err := l.sendFrame(dst, sendFirstSeqnoHeader(seqno), nil); err != nil {
		log.WithFields(log.Fields{"dst": dst, "error": err}).Warn("ucast: failed to send SEND_FIRST_SEQNO")
	}
}

// deliverData is the shared DATA-reception path for both the single and
// batched variants of the up pipeline. batched controls whether a
// successful first=true add gets an immediate synchronous ACK (spec §4.5).
func (l *Layer) deliverData(src Address, hdr Header, payload []byte, batched bool) {
	l.Metrics.MessagesReceived.Add(1)

	entry, ok := l.resolveReceiver(src, hdr.Seqno, hdr.ConnId, hdr.First)
	if !ok {
		return
	}
	entry.touch()

	msg := &Message{Payload: payload, Header: hdr}
	if hdr.OOB {
		msg.Flags = OOB
	}

	added := entry.inbox.Add(hdr.Seqno, msg)

	if added && msg.isOOB() {
		l.deliverUp(src, []*Message{msg})
	}

	if added && hdr.First && batched {
		l.sendAck(src, entry)
	}

	if entry.inbox.tryAcquireProcessing() {
		l.pump(src, entry)
	}

	entry.armAck()
}

// pump drains an inbox's delivery pump until the processing latch releases
// (spec §4.6 step 3). Only the goroutine that CAS'd the latch false->true
// may call this.
func (l *Layer) pump(src Address, entry *ReceiverEntry) {
	cfg := l.config()
	for {
		batch := entry.inbox.RemoveMany(true, cfg.MaxMsgBatchSize)
		if batch == nil {
			return
		}

		var out []*Message
		for _, m := range batch {
			if m.isOOB() {
				// Already delivered on the OOB fast path.
				continue
			}
			out = append(out, m)
		}
		if len(out) > 0 {
			l.deliverUp(src, out)
		}
	}
}

func (l *Layer) deliverUp(src Address, msgs []*Message) {
	for _, m := range msgs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"src": src, "panic": r}).Error("ucast: panic delivering message upward")
				}
			}()
			l.up.Up(bus.Event{Type: bus.MSG, Src: src.String(), Payload: m.Payload, Flags: uint8(m.Flags)})
		}()
	}
}

// sendAck emits an immediate ACK, also clearing the delayed-ACK flag so the
// retransmit task's next tick doesn't send a redundant one.
func (l *Layer) sendAck(dst Address, entry *ReceiverEntry) {
	entry.consumeAck()
	hd := entry.inbox.HighestDelivered()
	if err := l.sendFrame(dst, ackHeader(hd, entry.ConnId), nil); err != nil {
		log.WithFields(log.Fields{"dst": dst, "error": err}).Warn("ucast: failed to send ACK")
		return
	}
	l.Metrics.AcksSent.Add(1)
}

// ---------------------------------------------------------------------------
// §4.7 ACK handling
// ---------------------------------------------------------------------------

func (l *Layer) handleAck(src Address, hdr Header) {
	l.Metrics.AcksReceived.Add(1)

	v, ok := l.sendTable.Load(src)
	if !ok {
		return
	}
	entry := v.(*SenderEntry)
	if entry.ConnId != hdr.ConnId {
		return
	}
	entry.outbox.Purge(hdr.Seqno, true)
	entry.touch()
}

// ---------------------------------------------------------------------------
// §4.8 SEND_FIRST_SEQNO handling
// ---------------------------------------------------------------------------

func (l *Layer) handleSendFirstSeqno(src Address, hdr Header) {
	v, ok := l.sendTable.Load(src)
	if !ok {
		log.WithFields(log.Fields{"src": src}).Warn("ucast: SEND_FIRST_SEQNO for unknown connection")
		return
	}
	entry := v.(*SenderEntry)

	low := entry.outbox.Low()
	firstSent := false
	for i := low + 1; i <= hdr.Seqno; i++ {
		msg := entry.outbox.Get(i)
		if msg == nil {
			continue
		}

		out := msg
		if !firstSent {
			out = msg.clone()
			out.Header.First = true
			firstSent = true
		}
		if err := l.sendFrame(src, out.Header, out.Payload); err != nil {
			log.WithFields(log.Fields{"dst": src, "error": err}).Warn("ucast: failed to replay message for SEND_FIRST_SEQNO")
		}
	}
	entry.touch()
}

// ---------------------------------------------------------------------------
// §4.9 XMIT_REQ handling
// ---------------------------------------------------------------------------

func (l *Layer) handleXmitReq(src Address, missing SeqnoList) {
	l.Metrics.XmitReqsReceived.Add(1)

	v, ok := l.sendTable.Load(src)
	if !ok {
		return
	}
	entry := v.(*SenderEntry)
	cfg := l.config()
	low := entry.outbox.Low()

	for _, s := range missing {
		msg := entry.outbox.Get(s)
		if msg == nil {
			if cfg.LogNotFoundMsgs && s > low {
				log.WithFields(log.Fields{"dst": src, "seqno": s}).Warn("ucast: XMIT_REQ for seqno no longer in table")
			}
			continue
		}
		if err := l.sendFrame(src, msg.Header, msg.Payload); err != nil {
			log.WithFields(log.Fields{"dst": src, "error": err}).Warn("ucast: failed to retransmit for XMIT_REQ")
			continue
		}
		l.Metrics.XmitRespsSent.Add(1)
	}
}
