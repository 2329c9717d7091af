// errors.go: error taxonomy for the IPC subsystem
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, one per failure mode named in spec.md 7. Wrap with
// fmt.Errorf("shmipc: %s: %w", op, ErrX) at call sites, mirroring the
// teacher's own plain fmt.Errorf wrapping in rotation.go rather than
// reaching for a custom error package (go-errors has no call sites anywhere
// in the retrieval pack; see DESIGN.md).
var (
	// ErrInvalidConfig: descriptor missing required keys, or a mutually
	// exclusive source/target pair collapsed to the same name.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidRegion: shared-memory attach failed; OpenRegion returns no
	// region. A ring-header version mismatch is reported as
	// ErrVersionMismatch instead.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrChannelFull: reserve timed out waiting for free space.
	ErrChannelFull = errors.New("channel full")

	// ErrCancelled: reserve aborted by CancelSend.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidSize: a reserve or payload size would not fit the ring
	// under any circumstance (payload_size > size - header_size).
	ErrInvalidSize = errors.New("invalid size")

	// ErrEmpty: try_read found nothing ready.
	ErrEmpty = errors.New("empty")

	// ErrCorrupt: header failed validation during a read.
	ErrCorrupt = errors.New("corrupt header")

	// ErrProtocolError: malformed or unexpected packet; non-fatal, the
	// connection publishes communication_error and keeps running.
	ErrProtocolError = errors.New("protocol error")

	// ErrVersionMismatch: a client attaching to a region found a ring-header
	// version other than its own; OpenRegion returns no region. It is not
	// used for the handshake: a received packet with a foreign protocol
	// version is dropped with communication_error published, and the
	// connection's state does not change (it does not move to
	// disconnected).
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNotConnected: SendData called while not in state connected.
	ErrNotConnected = errors.New("not connected")

	// ErrTerminating: an operation was attempted on a connection already
	// tearing down.
	ErrTerminating = errors.New("terminating")
)

// wrapf wraps a sentinel with an operation name, the pattern used
// throughout this package instead of a dedicated error type.
func wrapf(op string, sentinel error) error {
	return fmt.Errorf("shmipc: %s: %w", op, sentinel)
}
