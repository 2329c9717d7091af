//go:build !windows

// process_monitor_unix.go: POSIX liveness probe for pollingProcessMonitor
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "golang.org/x/sys/unix"

// processAlive sends the null signal, the standard POSIX no-op liveness
// probe: it performs permission and existence checks without actually
// signalling the process (kill(2)).
func processAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}
