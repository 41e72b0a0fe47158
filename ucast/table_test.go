// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

import (
	"testing"
	"time"
)

func newTestTable() *Table {
	return NewTable(2, 4, 0, 1.5, time.Hour)
}

func TestTableAddAndGet(t *testing.T) {
	tbl := newTestTable()

	if !tbl.Add(1, &Message{Payload: []byte("a")}) {
		t.Fatal("expected fresh insert to succeed")
	}
	if tbl.Add(1, &Message{Payload: []byte("dup")}) {
		t.Fatal("expected duplicate insert to be rejected")
	}

	msg := tbl.Get(1)
	if msg == nil || string(msg.Payload) != "a" {
		t.Fatalf("Get(1) = %v, want payload \"a\"", msg)
	}
	if tbl.Get(2) != nil {
		t.Fatal("Get(2) should be nil before insertion")
	}
}

func TestTableNumMissingInvariant(t *testing.T) {
	tbl := newTestTable()

	tbl.Add(1, &Message{})
	tbl.Add(5, &Message{})
	// Gaps at 2, 3, 4.
	if got := tbl.NumMissing(); got != 3 {
		t.Fatalf("NumMissing() = %d, want 3", got)
	}

	tbl.Add(3, &Message{})
	if got := tbl.NumMissing(); got != 2 {
		t.Fatalf("NumMissing() = %d, want 2 after filling one gap", got)
	}

	missing := tbl.GetMissing()
	if len(missing) != 2 || missing[0] != 2 || missing[1] != 4 {
		t.Fatalf("GetMissing() = %v, want [2 4]", missing)
	}
}

func TestTableRemoveManyLatchHandoff(t *testing.T) {
	tbl := newTestTable()
	tbl.Add(1, &Message{Payload: []byte("1")})
	tbl.Add(2, &Message{Payload: []byte("2")})
	tbl.Add(3, &Message{Payload: []byte("3")})

	if !tbl.tryAcquireProcessing() {
		t.Fatal("expected to acquire the processing latch")
	}

	batch := tbl.RemoveMany(true, 10)
	if len(batch) != 3 {
		t.Fatalf("RemoveMany returned %d messages, want 3", len(batch))
	}
	if tbl.HighestDelivered() != 3 {
		t.Fatalf("HighestDelivered() = %d, want 3", tbl.HighestDelivered())
	}

	// Slots should have been nulled by the purge inside RemoveMany.
	for _, s := range []Seqno{1, 2, 3} {
		if tbl.Get(s) != nil {
			t.Fatalf("Get(%d) should be nil after delivery, table should have purged it", s)
		}
	}

	// Second call: nothing left, latch releases.
	batch = tbl.RemoveMany(true, 10)
	if batch != nil {
		t.Fatalf("expected nil batch once drained, got %v", batch)
	}
	if !tbl.tryAcquireProcessing() {
		t.Fatal("latch should have been released by the empty RemoveMany return")
	}
}

func TestTablePurgeForce(t *testing.T) {
	tbl := newTestTable()
	tbl.Add(1, &Message{})
	tbl.Add(2, &Message{})
	tbl.Add(3, &Message{})

	tbl.Purge(2, true)

	if tbl.Get(1) != nil || tbl.Get(2) != nil {
		t.Fatal("purge(2) should have cleared seqnos <= 2")
	}
	if tbl.Get(3) == nil {
		t.Fatal("purge(2) should not have touched seqno 3")
	}
	if tbl.HighestDelivered() != 2 {
		t.Fatalf("HighestDelivered() = %d, want 2 after forced purge", tbl.HighestDelivered())
	}
}

func TestTableGrowthAtCapacityBoundary(t *testing.T) {
	tbl := NewTable(2, 4, 0, 1.5, time.Hour) // capacity 8

	for s := Seqno(1); s <= 8; s++ {
		if !tbl.Add(s, &Message{}) {
			t.Fatalf("Add(%d) failed within initial capacity", s)
		}
	}

	// R*C + 1: must trigger a resize and still accept the insert.
	if !tbl.Add(9, &Message{Payload: []byte("grown")}) {
		t.Fatal("Add(9) should succeed by growing the table")
	}
	if tbl.Stats().Resizes == 0 {
		t.Fatal("expected at least one resize to have happened")
	}

	for s := Seqno(1); s <= 9; s++ {
		if tbl.Get(s) == nil {
			t.Fatalf("Get(%d) should still be readable after growth", s)
		}
	}
}

func TestTableCompactionAfterPurge(t *testing.T) {
	tbl := NewTable(3, 2, 0, 1.5, time.Hour) // rows of 2, capacity 6

	for s := Seqno(1); s <= 6; s++ {
		tbl.Add(s, &Message{})
	}

	tbl.Purge(2, true) // empties row 0 entirely

	stats := tbl.Stats()
	if stats.Compactions == 0 {
		t.Fatal("expected a compaction once a full row was emptied")
	}
	if tbl.Get(3) == nil || tbl.Get(6) == nil {
		t.Fatal("compaction should not lose data still in range")
	}
}

func TestTableHighestDeliveredNeverExceedsHighestReceived(t *testing.T) {
	tbl := newTestTable()
	tbl.Add(1, &Message{})

	if tbl.HighestDelivered() > tbl.HighestReceived() {
		t.Fatalf("highest_delivered (%d) > highest_received (%d)", tbl.HighestDelivered(), tbl.HighestReceived())
	}
}
