// region_inmemory.go: single-process region backend (channel manager test mode)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"sync"
	"time"
)

// inMemoryRegion backs both ends of a connection with one shared []byte
// inside the current process, for the channel manager's local bring-up
// mode (spec.md 4.5, 6: "Provider" key absent). Signalling is a coalesced,
// single-slot channel pair rather than an OS primitive, adapted from the
// readable/writable coalesced-notification channels in the jangala shmring
// reference: a pending signal that nobody is waiting on yet is not lost,
// but repeated signals collapse to one pending wakeup, matching the
// "signal, don't count" semantics an OS event object gives us.
type inMemoryRegion struct {
	name string
	buf  []byte

	dataReady chan struct{}
	freeSpace chan struct{}

	refs *inMemoryRegistryEntry
}

type inMemoryRegistryEntry struct {
	mu        sync.Mutex
	buf       []byte
	dataReady chan struct{}
	freeSpace chan struct{}
	openCount int
}

var (
	inMemoryRegistryMu sync.Mutex
	inMemoryRegistry   = map[string]*inMemoryRegistryEntry{}
)

func openInMemoryRegion(cfg RegionConfig) (Region, error) {
	inMemoryRegistryMu.Lock()
	defer inMemoryRegistryMu.Unlock()

	entry, ok := inMemoryRegistry[cfg.Name]
	switch cfg.Role {
	case RoleServer:
		if ok {
			// Re-creating an endpoint under the same name tears down the
			// previous one; mirrors shm_open(O_CREAT) semantics.
			delete(inMemoryRegistry, cfg.Name)
		}
		total := ringHeaderSize + int(align8(cfg.Size))
		entry = &inMemoryRegistryEntry{
			buf:       make([]byte, total),
			dataReady: make(chan struct{}, 1),
			freeSpace: make(chan struct{}, 1),
		}
		newRingHeader(entry.buf).initialize(align8(cfg.Size))
		inMemoryRegistry[cfg.Name] = entry
	case RoleClient:
		if !ok {
			return nil, wrapf("OpenRegion", ErrInvalidRegion)
		}
		if err := validateHeaderVersion(newRingHeader(entry.buf)); err != nil {
			return nil, err
		}
	}

	entry.mu.Lock()
	entry.openCount++
	entry.mu.Unlock()

	return &inMemoryRegion{
		name:      cfg.Name,
		buf:       entry.buf,
		dataReady: entry.dataReady,
		freeSpace: entry.freeSpace,
		refs:      entry,
	}, nil
}

func (r *inMemoryRegion) Bytes() []byte { return r.buf }

func (r *inMemoryRegion) TriggerDataSend() {
	select {
	case r.dataReady <- struct{}{}:
	default:
	}
}

func (r *inMemoryRegion) WaitForData(timeout time.Duration) bool {
	select {
	case <-r.dataReady:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *inMemoryRegion) TriggerDataReceive() {
	select {
	case r.freeSpace <- struct{}{}:
	default:
	}
}

func (r *inMemoryRegion) WaitForFreeSpace(timeout time.Duration) bool {
	select {
	case <-r.freeSpace:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *inMemoryRegion) Close() error {
	r.refs.mu.Lock()
	defer r.refs.mu.Unlock()
	r.refs.openCount--
	if r.refs.openCount <= 0 {
		inMemoryRegistryMu.Lock()
		delete(inMemoryRegistry, r.name)
		inMemoryRegistryMu.Unlock()
	}
	return nil
}
