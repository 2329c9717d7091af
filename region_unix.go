//go:build !windows

// region_unix.go: POSIX shared-memory region backend (component A)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// unixRegion maps a POSIX shared memory object (/dev/shm/<name>) and pairs
// it with two named FIFOs used as the data-available / free-space signals.
// Grounded directly on the retrieval pack's own shared-memory reference
// (Open/Ftruncate/Mmap against /dev/shm); every system call here, Mkfifo
// included, goes through golang.org/x/sys/unix.
//
// Lifetime note (spec.md 4.1, 9): shm_unlink decrements a global refcount
// at unmap time; every fd and every mapping this process opened for a
// given name must stay open until the connection using it is torn down, or
// the object can be released out from under a still-live accessor.
type unixRegion struct {
	buf []byte

	shmFd int

	tx *fifoSignal
	rx *fifoSignal
}

func shmPath(name string) string { return "/dev/shm/shmipc_" + name }
func fifoPath(name, suffix string) string {
	return "/tmp/shmipc_" + name + "_" + suffix + ".fifo"
}

func openOSRegion(cfg RegionConfig) (Region, error) {
	path := shmPath(cfg.Name)
	total := ringHeaderSize + int(align8(cfg.Size))

	var fd int
	var err error
	switch cfg.Role {
	case RoleServer:
		err = retryOperation(func() error {
			fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o666)
			return err
		}, 3, 10*time.Millisecond)
		if err != nil {
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			_ = unix.Close(fd)
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
	case RoleClient:
		// The client may race the server's creation; retry briefly rather
		// than failing on a region that is about to exist.
		err = retryOperation(func() error {
			fd, err = unix.Open(path, unix.O_RDWR, 0)
			return err
		}, 5, 20*time.Millisecond)
		if err != nil {
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
		// The descriptor text carries no size (spec.md 6's ConnectParam
		// has no Size key), so the client learns the region's true extent
		// from the object itself rather than from its own, possibly
		// absent, RegionConfig.Size.
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
		total = int(st.Size)
	}

	buf, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}

	h := newRingHeader(buf)
	if cfg.Role == RoleServer {
		h.initialize(align8(cfg.Size))
	} else if err := validateHeaderVersion(h); err != nil {
		_ = unix.Munmap(buf)
		_ = unix.Close(fd)
		return nil, err
	}

	tx, err := newFifoSignal(fifoPath(cfg.Name, "tx"), cfg.Role)
	if err != nil {
		_ = unix.Munmap(buf)
		_ = unix.Close(fd)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}
	rx, err := newFifoSignal(fifoPath(cfg.Name, "rx"), cfg.Role)
	if err != nil {
		_ = tx.Close()
		_ = unix.Munmap(buf)
		_ = unix.Close(fd)
		return nil, wrapf("OpenRegion", ErrInvalidRegion)
	}

	return &unixRegion{buf: buf, shmFd: fd, tx: tx, rx: rx}, nil
}

func (r *unixRegion) Bytes() []byte { return r.buf }

func (r *unixRegion) TriggerDataSend()                      { r.tx.signal() }
func (r *unixRegion) WaitForData(timeout time.Duration) bool { return r.tx.wait(timeout) }

func (r *unixRegion) TriggerDataReceive()                         { r.rx.signal() }
func (r *unixRegion) WaitForFreeSpace(timeout time.Duration) bool { return r.rx.wait(timeout) }

func (r *unixRegion) Close() error {
	_ = r.tx.Close()
	_ = r.rx.Close()
	_ = unix.Munmap(r.buf)
	return unix.Close(r.shmFd)
}

// fifoSignal realizes one named OS signalling object as a POSIX FIFO: a
// byte written is a wakeup, read with a deadline so WaitFor* can honor the
// bounded-wait discipline spec.md 5 requires at every suspension point.
type fifoSignal struct {
	path   string
	file   *os.File
	owner  bool
}

func newFifoSignal(path string, role Role) (*fifoSignal, error) {
	owner := role == RoleServer
	if owner {
		_ = unix.Unlink(path)
		if err := unix.Mkfifo(path, 0o666); err != nil {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}
	// Opened O_RDWR so the FIFO has at least one writer at all times; a
	// FIFO opened read-only blocks open(2) until a writer appears, and
	// either side here may be the first to attach.
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	return &fifoSignal{path: path, file: f, owner: owner}, nil
}

func (s *fifoSignal) signal() {
	_, _ = s.file.Write([]byte{1})
}

func (s *fifoSignal) wait(timeout time.Duration) bool {
	_ = s.file.SetReadDeadline(time.Now().Add(timeout))
	var b [1]byte
	_, err := s.file.Read(b[:])
	return err == nil
}

func (s *fifoSignal) Close() error {
	err := s.file.Close()
	if s.owner {
		_ = unix.Unlink(s.path)
	}
	return err
}
