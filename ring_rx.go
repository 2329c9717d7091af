// ring_rx.go: consumer (Rx) side of the lock-free SPSC packet ring
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"sync"
	"time"
)

// ReadHandle borrows one packet's payload. It MUST be resolved with Accept.
type ReadHandle struct {
	ring   *RxRing
	offset uint32
	size   uint32
	done   bool
}

// Size returns the payload length.
func (h *ReadHandle) Size() uint32 { return h.size }

// Bytes returns the borrowed payload slice. Valid only until Accept.
func (h *ReadHandle) Bytes() []byte {
	off := packetDataOffset(h.offset)
	return h.ring.usable[off : off+h.size]
}

// Accept marks the slot free and advances rx_pos over the resulting
// contiguous free prefix. Calling Accept twice is a no-op.
func (h *ReadHandle) Accept() {
	if h.done {
		return
	}
	h.done = true
	h.ring.release(h.offset)
}

// RxRing is the consumer side of one direction's packet ring.
type RxRing struct {
	region Region
	header *ringHeader
	usable []byte
	size   uint32

	mu sync.Mutex // serializes TryRead/release against each other
}

// NewRxRing wraps a freshly attached region as a consumer.
func NewRxRing(region Region) *RxRing {
	h := newRingHeader(region.Bytes())
	return &RxRing{
		region: region,
		header: h,
		usable: h.usable(),
		size:   h.usableSize(),
	}
}

// TryRead scans forward from rx_pos for the first committed data packet,
// skipping read/free slots and freeing committed stuffing slots as it
// goes. A slot in state reserved halts the scan entirely rather than being
// skipped, preserving in-order delivery even though commits may land out
// of reservation order (spec.md 4.2.2, 3 clarification).
func (r *RxRing) TryRead() (*ReadHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	off := r.header.rxPos()
	txPos := r.header.txPos()

	for off != txPos {
		h := readPacketHeader(r.usable, off)
		slotSize := packetSlotSize(h.payloadSize)

		switch h.state {
		case packetStateFree, packetStateRead:
			off = wrapOffset(off+slotSize, r.size)
		case packetStateCommit:
			if h.kind == packetKindStuffing {
				setPacketState(r.usable, off, packetStateFree)
				off = wrapOffset(off+slotSize, r.size)
				continue
			}
			if h.payloadSize > r.size {
				return nil, wrapf("TryRead", ErrCorrupt)
			}
			setPacketState(r.usable, off, packetStateRead)
			return &ReadHandle{ring: r, offset: off, size: h.payloadSize}, nil
		default:
			// reserved, or any unexpected state: stop, don't skip.
			return nil, wrapf("TryRead", ErrEmpty)
		}
	}
	return nil, wrapf("TryRead", ErrEmpty)
}

func wrapOffset(off, size uint32) uint32 {
	if off >= size {
		return 0
	}
	return off
}

// release drains the contiguous free prefix starting at rx_pos, advancing
// it past every already-freed slot (including stuffing), and signals the
// free-space trigger.
func (r *RxRing) release(offset uint32) {
	setPacketState(r.usable, offset, packetStateFree)

	r.mu.Lock()
	off := r.header.rxPos()
	txPos := r.header.txPos()
	newRx := off
	advanced := false
	for off != txPos {
		h := readPacketHeader(r.usable, off)
		if h.state != packetStateFree {
			break
		}
		off = wrapOffset(off+packetSlotSize(h.payloadSize), r.size)
		newRx = off
		advanced = true
	}
	r.mu.Unlock()

	if advanced {
		r.header.setRxPos(newRx)
	}
	r.region.TriggerDataReceive()
}

// WaitForData blocks up to timeout for the peer's commit signal.
func (r *RxRing) WaitForData(timeout time.Duration) bool {
	return r.region.WaitForData(timeout)
}

// ResetRx moves rx_pos to the current tx_pos, discarding unread data. The
// consumer owns rx_pos (spec.md 3), so unlike TxRing.ResetRx this is the
// ordinary, unprivileged way a connection resets its own read cursor on
// receiving connect_term (spec.md 4.3.4).
func (r *RxRing) ResetRx() {
	r.mu.Lock()
	r.header.setRxPos(r.header.txPos())
	r.mu.Unlock()
	r.region.TriggerDataReceive()
}

// Close releases the underlying region.
func (r *RxRing) Close() error {
	return r.region.Close()
}
