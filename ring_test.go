// ring_test.go: Tx/Rx packet ring algorithm tests (spec.md 8 properties)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"testing"
	"time"
)

// newLoopbackRing builds a Tx and an Rx ring over the same in-process
// region, the minimal two-handle setup needed to exercise one direction
// of the protocol without a second OS process.
func newLoopbackRing(t *testing.T, name string, size uint32) (*TxRing, *RxRing) {
	t.Helper()
	producerRegion, err := openInMemoryRegion(RegionConfig{Name: name, Size: size, Role: RoleServer})
	if err != nil {
		t.Fatalf("open producer region: %v", err)
	}
	consumerRegion, err := openInMemoryRegion(RegionConfig{Name: name, Role: RoleClient})
	if err != nil {
		t.Fatalf("open consumer region: %v", err)
	}
	t.Cleanup(func() {
		_ = producerRegion.Close()
		_ = consumerRegion.Close()
	})
	return NewTxRing(producerRegion), NewRxRing(consumerRegion)
}

func TestRingWriteReadFIFO(t *testing.T) {
	tx, rx := newLoopbackRing(t, "ring-fifo", 256)

	if err := tx.TryWrite([]byte("first"), time.Second); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := tx.TryWrite([]byte("second"), time.Second); err != nil {
		t.Fatalf("write second: %v", err)
	}

	h1, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if string(h1.Bytes()) != "first" {
		t.Fatalf("got %q, want %q", h1.Bytes(), "first")
	}
	h1.Accept()

	h2, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if string(h2.Bytes()) != "second" {
		t.Fatalf("got %q, want %q", h2.Bytes(), "second")
	}
	h2.Accept()

	if _, err := rx.TryRead(); err == nil {
		t.Fatal("expected empty after draining both packets")
	}
}

func TestRingAcceptIsIdempotent(t *testing.T) {
	tx, rx := newLoopbackRing(t, "ring-idempotent-accept", 128)
	if err := tx.TryWrite([]byte("x"), time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	h.Accept()
	h.Accept() // must not panic or double-release
}

func TestReserveCommitIdempotence(t *testing.T) {
	// Property 4: dropping a reservation without commit must not wedge
	// the channel permanently — the pending entry drains once committed.
	tx, rx := newLoopbackRing(t, "ring-reserve-commit", 64)

	r, err := tx.Reserve(4, time.Second)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	copy(r.Bytes(), []byte("abcd"))
	// Commit late, simulating a caller that held the reservation a while.
	r.Commit()
	r.Commit() // idempotent

	h, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read after late commit: %v", err)
	}
	if string(h.Bytes()) != "abcd" {
		t.Fatalf("got %q, want %q", h.Bytes(), "abcd")
	}
	h.Accept()
}

func TestRingWrapProducesStuffing(t *testing.T) {
	// Size chosen so a second reserve cannot fit before the end of the
	// buffer, forcing stuffLocked to run and the scan to skip it.
	tx, rx := newLoopbackRing(t, "ring-wrap", 32)

	if err := tx.TryWrite([]byte("0123456789012345"), time.Second); err != nil {
		t.Fatalf("write first (fills most of the ring): %v", err)
	}
	h1, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	h1.Accept() // frees the slot; rx_pos advances to tx_pos (24), leaving only 8 bytes before the end

	if err := tx.TryWrite([]byte("wraps"), time.Second); err != nil {
		t.Fatalf("write second (forces wrap): %v", err)
	}

	h2, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read second after wrap: %v", err)
	}
	if string(h2.Bytes()) != "wraps" {
		t.Fatalf("got %q, want %q", h2.Bytes(), "wraps")
	}
	h2.Accept()
}

func TestReserveTooLargeIsRejected(t *testing.T) {
	tx, _ := newLoopbackRing(t, "ring-too-large", 16)
	if _, err := tx.Reserve(1<<20, time.Millisecond); err == nil {
		t.Fatal("expected ErrInvalidSize for a reservation larger than the ring")
	}
}

func TestReserveTimesOutWhenFull(t *testing.T) {
	tx, _ := newLoopbackRing(t, "ring-full", 64)
	// Fill the ring without ever reading, so the next reserve has nowhere
	// to go and must time out (property 3: no overrun). Zero-length
	// payloads still cost a full packet header each, so this accumulates
	// to "full" over several writes rather than on the very first one.
	wrote := 0
	for i := 0; i < 16; i++ {
		if err := tx.TryWrite(nil, time.Millisecond); err != nil {
			break
		}
		wrote++
	}
	if wrote == 0 {
		t.Fatal("expected at least one write to succeed before the ring filled")
	}
	if err := tx.TryWrite([]byte("one more"), 5*time.Millisecond); err == nil {
		t.Fatal("expected ChannelFull once the ring has no free space")
	}
}

func TestCancelSendRejectsReserve(t *testing.T) {
	tx, _ := newLoopbackRing(t, "ring-cancel", 64)
	tx.CancelSend()
	if !tx.Cancelled() {
		t.Fatal("Cancelled() should report true after CancelSend")
	}
	if _, err := tx.Reserve(4, 10*time.Millisecond); err == nil {
		t.Fatal("expected Cancelled error after CancelSend")
	}
}

func TestResetRxClearsCancelAndMovesCursor(t *testing.T) {
	tx, rx := newLoopbackRing(t, "ring-reset-rx", 64)
	if err := tx.TryWrite([]byte("abcd"), time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	tx.CancelSend()

	tx.ResetRx()
	if tx.Cancelled() {
		t.Fatal("ResetRx must clear the cancel flag")
	}
	if _, err := rx.TryRead(); err == nil {
		t.Fatal("ResetRx should have discarded the unread packet by moving rx_pos to tx_pos")
	}

	if err := tx.TryWrite([]byte("efgh"), time.Second); err != nil {
		t.Fatalf("write after reset: %v", err)
	}
	h, err := rx.TryRead()
	if err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if string(h.Bytes()) != "efgh" {
		t.Fatalf("got %q, want %q", h.Bytes(), "efgh")
	}
	h.Accept()
}

func TestRxResetRxOwnCursor(t *testing.T) {
	tx, rx := newLoopbackRing(t, "ring-rx-reset", 64)
	if err := tx.TryWrite([]byte("stale"), time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	rx.ResetRx()
	if _, err := rx.TryRead(); err == nil {
		t.Fatal("consumer ResetRx should discard the unread packet")
	}
}
