//go:build windows

// process_monitor_windows.go: Win32 liveness probe for pollingProcessMonitor
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "golang.org/x/sys/windows"

const stillActive = 259

// processAlive opens the process with the minimum query rights, reads its
// exit code, and closes the handle; STILL_ACTIVE means it has not exited.
func processAlive(pid uint32) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
