// watchdog.go: connection registry and peer-liveness monitor (component D)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"sync"
	"time"
	"weak"
)

// pidSubscription is the multimap entry for one monitored peer PID: a
// refcounted OS-level registration shared by every connection currently
// watching that PID, plus weak references to those connections so the
// watchdog never keeps a Connection alive on its own (spec.md 4.4, 9 —
// "prefer Go's native weak-reference support ... over a hand-rolled
// generation counter").
type pidSubscription struct {
	refcount  int
	cancel    func()
	weakConns []weak.Pointer[Connection]
}

// Watchdog is the registry described in spec.md 4.4 (one per Manager): a
// strong-referencing set of live connections, a weak-referencing multimap
// from peer PID to the connections monitoring it, and a destructor
// goroutine that drains self-initiated teardowns without ever joining a
// reception goroutine to itself.
type Watchdog struct {
	monitor ProcessMonitor
	log     diagnostics

	mu          sync.Mutex
	connections map[*Connection]struct{}
	pidSubs     map[uint32]*pidSubscription

	pendingMu    sync.Mutex
	pendingDrops []*Connection
	wake         chan struct{}
	stop         chan struct{}
	done         chan struct{}
}

// NewWatchdog builds a Watchdog backed by monitor (use
// NewPollingProcessMonitor for the default OS-polling implementation) and
// starts its destructor goroutine.
func NewWatchdog(monitor ProcessMonitor, log diagnostics) *Watchdog {
	w := &Watchdog{
		monitor:     monitor,
		log:         log,
		connections: make(map[*Connection]struct{}),
		pidSubs:     make(map[uint32]*pidSubscription),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.destructorLoop()
	return w
}

// AddConnection registers c with a strong reference, per spec.md 4.4's
// conn_map. A connection must be added before it is reachable from any
// channel-manager accessor.
func (w *Watchdog) AddConnection(c *Connection) {
	w.mu.Lock()
	w.connections[c] = struct{}{}
	w.mu.Unlock()
}

// AddMonitor arranges for c.onPeerVanished to be invoked if pid exits,
// registering the underlying OS probe only once per PID no matter how
// many connections watch it (spec.md 4.4: "refcounted per-PID OS
// registration").
func (w *Watchdog) AddMonitor(pid uint32, c *Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.pidSubs[pid]
	if !ok {
		sub = &pidSubscription{}
		sub.cancel = w.monitor.Watch(pid, func(exitCode int64) {
			w.processTerminated(pid, exitCode)
		})
		w.pidSubs[pid] = sub
		w.log.debug("watchdog", "", "monitoring new peer pid")
	}
	sub.refcount++
	sub.weakConns = append(sub.weakConns, weak.Make(c))
}

// RemoveMonitor drops every subscription c holds, across all PIDs,
// cancelling the OS-level probe once its last watcher is gone.
func (w *Watchdog) RemoveMonitor(c *Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for pid, sub := range w.pidSubs {
		kept := sub.weakConns[:0]
		removed := 0
		for _, wc := range sub.weakConns {
			if v := wc.Value(); v == nil || v == c {
				removed++
				continue
			}
			kept = append(kept, wc)
		}
		sub.weakConns = kept
		if removed == 0 {
			continue
		}
		sub.refcount -= removed
		if sub.refcount <= 0 {
			sub.cancel()
			delete(w.pidSubs, pid)
		}
	}
}

// RemoveConnection drops c's strong reference. When async is false the
// caller is not the connection's own reception goroutine, so finalize
// runs inline; when true (self-teardown, spec.md 4.3.8) the connection is
// handed to the destructor goroutine instead, so the reception goroutine
// never waits on its own exit.
func (w *Watchdog) RemoveConnection(c *Connection, async bool) {
	w.mu.Lock()
	delete(w.connections, c)
	w.mu.Unlock()

	if !async {
		c.finalize()
		return
	}

	w.pendingMu.Lock()
	w.pendingDrops = append(w.pendingDrops, c)
	w.pendingMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// processTerminated is the ProcessMonitor callback: it detaches the PID's
// subscription and notifies every connection still watching it, upgrading
// each weak reference exactly once.
func (w *Watchdog) processTerminated(pid uint32, _ int64) {
	w.mu.Lock()
	sub, ok := w.pidSubs[pid]
	if ok {
		delete(w.pidSubs, pid)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	for _, wc := range sub.weakConns {
		if v := wc.Value(); v != nil {
			v.onPeerVanished()
		}
	}
}

// destructorLoop drains pending_drops at least once per destructorPoll,
// and immediately whenever RemoveConnection wakes it, per spec.md 4.4.
func (w *Watchdog) destructorLoop() {
	defer close(w.done)
	ticker := time.NewTicker(destructorPoll)
	defer ticker.Stop()

	for {
		w.drainPending()
		select {
		case <-w.stop:
			w.drainPending()
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) drainPending() {
	w.pendingMu.Lock()
	drops := w.pendingDrops
	w.pendingDrops = nil
	w.pendingMu.Unlock()

	for _, c := range drops {
		c.finalize()
	}
}

// Clear tears down every connection the watchdog still owns and stops the
// destructor goroutine. Intended for channel-manager shutdown.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	for pid, sub := range w.pidSubs {
		sub.cancel()
		delete(w.pidSubs, pid)
	}
	conns := make([]*Connection, 0, len(w.connections))
	for c := range w.connections {
		conns = append(conns, c)
	}
	w.connections = make(map[*Connection]struct{})
	w.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}

	close(w.stop)
	<-w.done
}
