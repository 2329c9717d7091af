// ring_tx.go: producer (Tx) side of the lock-free SPSC packet ring
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultReserveTimeout = 1000 * time.Millisecond

// txQueueEntry tracks one outstanding or recently-committed reservation in
// process-local memory, in the order it was reserved. Draining this queue
// on commit (rather than re-scanning the shared buffer) is what lets an
// out-of-order commit sequence still advance tx_pos only over the
// contiguous committed prefix (spec.md 4.2.1, 8 property 4, scenario S4).
type txQueueEntry struct {
	offset uint32
	size   uint32
	// stuffing entries are born already committed; data entries start
	// uncommitted and flip exactly once, from Commit.
	committed atomic.Bool
}

// Reservation is a single pending slot returned by TxRing.Reserve. It MUST
// be resolved with Commit (Go has no destructors to auto-commit a dropped
// value the way the original RAII wrapper did; TryWrite exists precisely
// so callers who don't need partial fills never have to think about this).
type Reservation struct {
	ring   *TxRing
	entry  *txQueueEntry
	offset uint32
	size   uint32
	done   atomic.Bool
}

// Size returns the payload capacity of the reservation.
func (r *Reservation) Size() uint32 { return r.size }

// Bytes returns the payload slice to fill in place. Valid only until
// Commit is called.
func (r *Reservation) Bytes() []byte {
	off := packetDataOffset(r.offset)
	return r.ring.usable[off : off+r.size]
}

// Commit publishes the reservation's contents to the consumer. Calling
// Commit twice is a no-op.
func (r *Reservation) Commit() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.ring.commit(r)
}

// TxRing is the producer side of one direction's packet ring.
type TxRing struct {
	region Region
	header *ringHeader
	usable []byte
	size   uint32

	mu         sync.Mutex
	queue      []*txQueueEntry
	localTxPos uint32

	cancelled atomic.Bool
}

// NewTxRing wraps a freshly attached region as a producer.
func NewTxRing(region Region) *TxRing {
	h := newRingHeader(region.Bytes())
	return &TxRing{
		region: region,
		header: h,
		usable: h.usable(),
		size:   h.usableSize(),
		localTxPos: h.txPos(),
	}
}

// Reserve stakes out a slot for n payload bytes, blocking up to timeout for
// free space. Every Reservation returned must be resolved with Commit.
func (t *TxRing) Reserve(n uint32, timeout time.Duration) (*Reservation, error) {
	need := packetSlotSize(n)
	if need > t.size {
		return nil, wrapf("Reserve", ErrInvalidSize)
	}
	deadline := time.Now().Add(timeout)
	for {
		if t.cancelled.Load() {
			return nil, wrapf("Reserve", ErrCancelled)
		}

		t.mu.Lock()
		offset, ok := t.tryReserveLocked(need, n)
		var entry *txQueueEntry
		if ok {
			entry = t.queue[len(t.queue)-1]
		}
		t.mu.Unlock()

		if ok {
			return &Reservation{ring: t, entry: entry, offset: offset, size: n}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wrapf("Reserve", ErrChannelFull)
		}
		if !t.region.WaitForFreeSpace(remaining) {
			return nil, wrapf("Reserve", ErrChannelFull)
		}
	}
}

// tryReserveLocked implements spec.md 4.2.1 steps 2-3: compute the forward
// free segment from the current local cursor, insert a stuffing packet and
// wrap to 0 if the reservation would not fit before size, then stake the
// slot. Caller holds t.mu.
func (t *TxRing) tryReserveLocked(need, payload uint32) (uint32, bool) {
	rxPos := t.header.rxPos()
	txPos := t.localTxPos

	max := t.forwardMax(rxPos, txPos)
	if need > max {
		if txPos == 0 || rxPos == 0 || rxPos > txPos || need > t.forwardMax(rxPos, 0) {
			// Either already at the start of the buffer (nothing to stuff
			// past), or rx_pos==0 while tx_pos!=0 means the consumer's
			// next read is at offset 0 and [0, tx_pos) is still live,
			// unconsumed data: wrapping there would overrun it. With
			// rx_pos ahead of tx_pos the limit is rx_pos, not the end of
			// the buffer, so stuffing the tail would overwrite unread
			// packets. And if the slot would not fit at offset 0 either,
			// no stuffing is queued yet. All are genuine back-pressure.
			return 0, false
		}
		t.stuffLocked(txPos)
		txPos = 0
		max = t.forwardMax(rxPos, txPos)
		if need > max {
			return 0, false
		}
	}

	writePacketHeader(t.usable, txPos, packetHeader{
		kind:        packetKindData,
		state:       packetStateReserved,
		payloadSize: payload,
	})
	t.queue = append(t.queue, &txQueueEntry{offset: txPos, size: need})

	next := txPos + need
	if next >= t.size {
		next = 0
	}
	t.localTxPos = next
	return txPos, true
}

func (t *TxRing) forwardMax(rxPos, txPos uint32) uint32 {
	if rxPos > txPos {
		return rxPos - txPos - 1
	}
	max := t.size - txPos
	if rxPos == 0 && max > 0 {
		max--
	}
	return max
}

// stuffLocked writes (when there is room for a header) a stuffing packet
// filling the tail of the usable area, already in commit state, and
// records it in the local queue so Commit's drain walks past it when the
// published tx_pos catches up. When the tail is smaller than a packet
// header the bytes are left untouched; the consumer's scan never parses
// them because rx_pos/tx_pos bookkeeping always treats offset 0 as the
// next valid position once the wrap has happened (spec.md 9).
func (t *TxRing) stuffLocked(txPos uint32) {
	tail := t.size - txPos
	entry := &txQueueEntry{offset: txPos, size: tail}
	entry.committed.Store(true)
	if tail >= packetHeaderSize {
		writePacketHeader(t.usable, txPos, packetHeader{
			kind:        packetKindStuffing,
			state:       packetStateCommit,
			payloadSize: tail - packetHeaderSize,
		})
	}
	t.queue = append(t.queue, entry)
}

// commit marks a reservation committed and drains the contiguous committed
// prefix of the queue, advancing the published tx_pos.
func (t *TxRing) commit(r *Reservation) {
	setPacketState(t.usable, r.offset, packetStateCommit)
	if r.entry != nil {
		r.entry.committed.Store(true)
	}

	t.mu.Lock()
	newTx := t.header.txPos()
	advanced := false
	for len(t.queue) > 0 && t.queue[0].committed.Load() {
		front := t.queue[0]
		next := front.offset + front.size
		if next >= t.size {
			next = 0
		}
		newTx = next
		advanced = true
		t.queue = t.queue[1:]
	}
	t.mu.Unlock()

	if advanced {
		t.header.setTxPos(newTx)
	}
	t.region.TriggerDataSend()
}

// TryWrite is reserve+copy+commit in one call, for callers with the whole
// payload in hand already.
func (t *TxRing) TryWrite(data []byte, timeout time.Duration) error {
	r, err := t.Reserve(uint32(len(data)), timeout)
	if err != nil {
		return err
	}
	copy(r.Bytes(), data)
	r.Commit()
	return nil
}

// CancelSend aborts outstanding and future reserves until ResetRx clears
// the flag on the peer's Rx side restart path.
func (t *TxRing) CancelSend() {
	t.cancelled.Store(true)
	t.region.TriggerDataReceive()
}

// Cancelled reports whether CancelSend has been called without an
// intervening ResetRx on the peer side.
func (t *TxRing) Cancelled() bool { return t.cancelled.Load() }

// ResetRx moves rx_pos to the current tx_pos, discarding unread data, and
// clears the cancel flag. Used after a peer restart (spec.md 4.2.1); the
// producer process is granted this one exception to the single-writer
// cursor discipline of spec.md 3 specifically for this recovery path.
func (t *TxRing) ResetRx() {
	t.header.setRxPos(t.header.txPos())
	t.cancelled.Store(false)
}

// Close blocks until every outstanding reservation has been committed,
// advances tx_pos past them, and releases the region (spec.md 4.2.1,
// "On drop").
func (t *TxRing) Close() error {
	for {
		t.mu.Lock()
		pending := len(t.queue) > 0
		t.mu.Unlock()
		if !pending {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return t.region.Close()
}
