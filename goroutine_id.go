// goroutine_id.go: self-teardown detection for the reception loop
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's id from its own
// stack trace header ("goroutine 123 [running]:"). Go deliberately has no
// public API for this; it is read here only to detect the one case
// spec.md 9 calls out explicitly — a reception loop triggering its own
// connection's destruction (for example from within a status-observer
// callback invoked synchronously during publish) — so the teardown path
// can hand ownership to the watchdog's destructor goroutine instead of
// joining itself.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func (c *Connection) isReceiveLoopGoroutine() bool {
	return currentGoroutineID() == c.recvGoroutineID.Load()
}
