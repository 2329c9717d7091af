//go:build windows

// region_windows.go: Windows shared-memory region backend (component A)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsRegion backs a region with a named file mapping and pairs it with
// two named auto-reset events. Unlike the POSIX backend, open/close here is
// symmetric and reference-counted by the OS itself (spec.md 9): closing a
// handle never tears down an object that another handle still has open.
type windowsRegion struct {
	buf []byte

	mapping windows.Handle
	tx      windows.Handle
	rx      windows.Handle
}

func openOSRegion(cfg RegionConfig) (Region, error) {
	total := uint32(ringHeaderSize) + align8(cfg.Size)

	name, err := windows.UTF16PtrFromString(`Local\shmipc_` + cfg.Name)
	if err != nil {
		return nil, wrapf("OpenRegion", ErrInvalidConfig)
	}

	var mapping windows.Handle
	switch cfg.Role {
	case RoleServer:
		err = retryOperation(func() error {
			mapping, err = windows.CreateFileMapping(windows.InvalidHandle, nil,
				windows.PAGE_READWRITE, 0, total, name)
			return err
		}, 3, 10*time.Millisecond)
	case RoleClient:
		// The client may race the server's creation; brief retries absorb
		// antivirus/indexing delays the same way the teacher's retry
		// helper did for its own file writes.
		err = retryOperation(func() error {
			mapping, err = windows.OpenFileMapping(windows.FILE_MAP_ALL_ACCESS, false, name)
			return err
		}, 5, 20*time.Millisecond)
	}
	if err != nil || mapping == 0 {
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}

	// For RoleClient the descriptor text carries no size (spec.md 6's
	// ConnectParam has no Size key); mapping the full section (size 0)
	// and then asking VirtualQuery for its actual extent avoids needing
	// one.
	mapSize := uintptr(total)
	if cfg.Role == RoleClient {
		mapSize = 0
	}
	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_ALL_ACCESS, 0, 0, mapSize)
	if err != nil {
		_ = windows.CloseHandle(mapping)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}
	if cfg.Role == RoleClient {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
			_ = windows.UnmapViewOfFile(addr)
			_ = windows.CloseHandle(mapping)
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
		total = uint32(info.RegionSize)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), total)

	h := newRingHeader(buf)
	if cfg.Role == RoleServer {
		h.initialize(align8(cfg.Size))
	} else if err := validateHeaderVersion(h); err != nil {
		_ = windows.UnmapViewOfFile(addr)
		_ = windows.CloseHandle(mapping)
		return nil, err
	}

	tx, err := namedEvent(cfg.Name + "_tx")
	if err != nil {
		_ = windows.UnmapViewOfFile(addr)
		_ = windows.CloseHandle(mapping)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}
	rx, err := namedEvent(cfg.Name + "_rx")
	if err != nil {
		_ = windows.CloseHandle(tx)
		_ = windows.UnmapViewOfFile(addr)
		_ = windows.CloseHandle(mapping)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}

	return &windowsRegion{buf: buf, mapping: mapping, tx: tx, rx: rx}, nil
}

func namedEvent(suffix string) (windows.Handle, error) {
	name, err := windows.UTF16PtrFromString(`Local\shmipc_event_` + suffix)
	if err != nil {
		return 0, err
	}
	// Auto-reset, initially non-signalled: CreateEvent is idempotent by
	// name, so whichever side gets there first wins and the other side
	// simply opens the same handle.
	return windows.CreateEvent(nil, 0, 0, name)
}

func (r *windowsRegion) Bytes() []byte { return r.buf }

func (r *windowsRegion) TriggerDataSend() { _ = windows.SetEvent(r.tx) }
func (r *windowsRegion) WaitForData(timeout time.Duration) bool {
	return waitEvent(r.tx, timeout)
}

func (r *windowsRegion) TriggerDataReceive() { _ = windows.SetEvent(r.rx) }
func (r *windowsRegion) WaitForFreeSpace(timeout time.Duration) bool {
	return waitEvent(r.rx, timeout)
}

func waitEvent(h windows.Handle, timeout time.Duration) bool {
	ms := uint32(timeout / time.Millisecond)
	ret, err := windows.WaitForSingleObject(h, ms)
	return err == nil && ret == windows.WAIT_OBJECT_0
}

func (r *windowsRegion) Close() error {
	_ = windows.CloseHandle(r.tx)
	_ = windows.CloseHandle(r.rx)
	_ = windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&r.buf[0])))
	return windows.CloseHandle(r.mapping)
}
