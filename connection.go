// connection.go: bidirectional connection state machine (component C)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is a connection's position in the state machine of spec.md 4.3.4.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateConnecting
	StateNegotiating
	StateConnected
	StateCommunicationError
	StateDisconnected
	StateDisconnectedForced
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateCommunicationError:
		return "communication_error"
	case StateDisconnected:
		return "disconnected"
	case StateDisconnectedForced:
		return "disconnected_forced"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// ReceiverFunc is the application's data sink: one call per reassembled
// message, chunk boundaries preserved exactly as submitted to SendData.
type ReceiverFunc func(chunks [][]byte)

// StatusObserver is notified of every live-state transition (spec.md
// 4.3.4, 4.3.7). communication_error is published here without being
// written to State itself.
type StatusObserver func(status State)

// defaultDecoupledQueueDepth is the hard-coded bound on pending
// reassembled deliveries when decoupled delivery is enabled (spec.md 9,
// Open Question 2 — kept as a named constant rather than silently
// hardcoded or made user-tunable; see DESIGN.md).
const defaultDecoupledQueueDepth = 16

const (
	syncResendInterval = 500 * time.Millisecond
	dataWaitTimeout     = 10 * time.Millisecond
	destructorPoll      = 100 * time.Millisecond
)

type observerEntry struct {
	cookie uint64
	fn     StatusObserver
}

// Connection is one bidirectional channel composed of a Tx ring and an Rx
// ring, with a reception goroutine driving the protocol state machine.
type Connection struct {
	id       string
	watchdog *Watchdog
	isServer bool

	tx *TxRing
	rx *RxRing

	state   atomic.Int32
	peerPID atomic.Uint32

	receiverMu sync.Mutex
	receiverCB ReceiverFunc

	observersMu sync.Mutex
	observers   []*observerEntry

	sendMu sync.Mutex

	connMu   sync.Mutex
	connCond *sync.Cond

	cancelWait atomic.Bool

	// started reports whether AsyncConnect ever ran receiveLoop. finalize
	// consults it instead of unconditionally waiting on recvDone, since a
	// connection destroyed before AsyncConnect (CreateEndpoint's
	// serializeDescriptor failure path, or Watchdog.Clear on a never-
	// connected endpoint) has no goroutine left to close it.
	started atomic.Bool

	decoupled  bool
	deliveries chan deliveredMessage
	deliverWG  sync.WaitGroup

	stopCh          chan struct{}
	recvDone        chan struct{}
	stopOnce        sync.Once
	recvGoroutineID atomic.Uint64

	reassembly *reassemblyState

	lastSyncSent time.Time

	log diagnostics
}

type deliveredMessage struct {
	chunks [][]byte
}

// connectionOption configures optional behaviour at construction.
type connectionOption func(*Connection)

// WithDecoupledDelivery enables the bounded-queue delivery mode of
// spec.md 4.3.6, the runtime equivalent of the original's build-time
// ENABLE_DECOUPLING flag (SPEC_FULL.md 4.3).
func WithDecoupledDelivery(enabled bool) connectionOption {
	return func(c *Connection) { c.decoupled = enabled }
}

// WithDiagnostics injects a structured logger; nil is a documented no-op.
func WithDiagnostics(log *zap.SugaredLogger) connectionOption {
	return func(c *Connection) { c.log = newDiagnostics(log) }
}

// withDiagnosticsValue propagates an already-built diagnostics value, the
// form the Manager uses to hand its own logger down to every connection it
// creates without re-wrapping a *zap.SugaredLogger at each call site.
func withDiagnosticsValue(log diagnostics) connectionOption {
	return func(c *Connection) { c.log = log }
}

func newConnection(id string, watchdog *Watchdog, isServer bool, tx *TxRing, rx *RxRing, opts ...connectionOption) *Connection {
	c := &Connection{
		id:       id,
		watchdog: watchdog,
		isServer: isServer,
		tx:       tx,
		rx:       rx,
		stopCh:   make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	c.connCond = sync.NewCond(&c.connMu)
	c.state.Store(int32(StateUninitialized))
	for _, opt := range opts {
		opt(c)
	}
	if c.decoupled {
		c.deliveries = make(chan deliveredMessage, defaultDecoupledQueueDepth)
	}
	return c
}

// State returns the current connection state.
func (c *Connection) State() State { return State(c.state.Load()) }

// IsServer reports the role that determines who initiates the handshake.
func (c *Connection) IsServer() bool { return c.isServer }

// PeerPID returns the peer's process identifier, learned during the
// handshake; 0 before it is known.
func (c *Connection) PeerPID() uint32 { return c.peerPID.Load() }

func (c *Connection) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.transition("connection", c.id, old.String(), s.String())
	c.connMu.Lock()
	c.connCond.Broadcast()
	c.connMu.Unlock()
	c.publish(s)
}

// publishTransient notifies observers of a status value that does not
// persist into State (spec.md 4.3.4: communication_error).
func (c *Connection) publishTransient(s State) {
	c.log.warn("connection", c.id, "transient status", nil)
	c.publish(s)
}

func (c *Connection) publish(s State) {
	c.observersMu.Lock()
	if c.State() == StateTerminating && s != StateTerminating {
		c.observersMu.Unlock()
		return
	}
	snapshot := make([]*observerEntry, len(c.observers))
	copy(snapshot, c.observers)
	c.observersMu.Unlock()

	for _, e := range snapshot {
		if e == nil {
			continue
		}
		e.fn(s)
	}
}

// RegisterStatusObserver inserts obs at the head of the observer list and
// returns a cookie usable with UnregisterStatusObserver. Observers
// registered while terminating receive no callbacks (spec.md 4.3.4).
func (c *Connection) RegisterStatusObserver(obs StatusObserver) uint64 {
	cookie := randomCookie()
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	entry := &observerEntry{cookie: cookie, fn: obs}
	c.observers = append([]*observerEntry{entry}, c.observers...)
	return cookie
}

// UnregisterStatusObserver tombstones (nulls) the entry rather than
// removing it, so unregistering from within a status callback during
// fan-out is safe (spec.md 4.3.7).
func (c *Connection) UnregisterStatusObserver(cookie uint64) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for i, e := range c.observers {
		if e != nil && e.cookie == cookie {
			c.observers[i] = nil
			return
		}
	}
}

func randomCookie() uint64 {
	for {
		v := rand.Uint64()
		if v != 0 {
			return v
		}
	}
}

// AsyncConnect starts the reception thread and arms the handshake. It
// returns once the thread has started; use WaitForConnection to block
// until the peer completes negotiation.
func (c *Connection) AsyncConnect(receiver ReceiverFunc) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return wrapf("AsyncConnect", ErrInvalidConfig)
	}
	c.receiverMu.Lock()
	c.receiverCB = receiver
	c.receiverMu.Unlock()

	if c.decoupled {
		c.deliverWG.Add(1)
		go c.deliveryLoop()
	}

	c.started.Store(true)
	go c.receiveLoop()

	c.setState(StateInitialized)
	return nil
}

// WaitForConnection blocks until the connection reaches StateConnected, or
// until CancelWait is called, or until timeout elapses (0 means wait
// forever, cancellable only by CancelWait).
func (c *Connection) WaitForConnection(timeout time.Duration) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() == StateConnected {
		return true
	}

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for c.State() != StateConnected {
		if c.cancelWait.Load() {
			return false
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return false
		}
		if hasDeadline {
			waitUntil(c.connCond, deadline)
		} else {
			c.connCond.Wait()
		}
	}
	return true
}

// CancelWait unblocks any thread waiting in WaitForConnection.
func (c *Connection) CancelWait() {
	c.cancelWait.Store(true)
	c.connMu.Lock()
	c.connCond.Broadcast()
	c.connMu.Unlock()
}

// waitUntil is sync.Cond.Wait bounded by a deadline: it spawns a timer
// that broadcasts the condition once the deadline passes, since
// sync.Cond has no native timed wait.
func waitUntil(cond *sync.Cond, deadline time.Time) {
	stop := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer func() {
		timer.Stop()
		close(stop)
	}()
	cond.Wait()
}

// Disconnect sends connect_term to the peer and transitions to
// disconnected. It does not cancel an in-flight send (spec.md 5).
func (c *Connection) Disconnect() error {
	if c.State() != StateConnected {
		return wrapf("Disconnect", ErrNotConnected)
	}
	buf := make([]byte, msgHeaderSize)
	writeMsgHeader(buf, msgConnectTerm)
	_ = c.tx.TryWrite(buf, defaultReserveTimeout)
	c.watchdog.RemoveMonitor(c)
	c.setState(StateDisconnected)
	return nil
}

// Destroy stops both goroutines, tombstones every observer, removes
// watchdog monitors, and removes itself from the watchdog. If called from
// the connection's own reception goroutine, removal is deferred to the
// watchdog's destructor goroutine so that goroutine never outlives the
// connection object it is running on (spec.md 4.3.8, 9).
func (c *Connection) Destroy() {
	c.stopOnce.Do(func() {
		c.setState(StateTerminating)
		close(c.stopCh)
	})

	c.observersMu.Lock()
	c.observers = nil
	c.observersMu.Unlock()

	c.watchdog.RemoveMonitor(c)
	c.watchdog.RemoveConnection(c, c.isReceiveLoopGoroutine())
}

// finalize is invoked by the watchdog, either synchronously (external
// caller) or from its destructor goroutine (self-destroy case), once it
// is safe to release the rings. If AsyncConnect ever started the
// reception loop, it waits for that loop to actually exit first; finalize
// itself never runs on the reception goroutine, so this wait can never
// deadlock. A connection destroyed before AsyncConnect has no such loop
// and recvDone is never closed, so the wait is skipped entirely.
func (c *Connection) finalize() {
	if c.started.Load() {
		<-c.recvDone
	}
	if c.decoupled {
		close(c.deliveries)
		c.deliverWG.Wait()
	}
	_ = c.tx.Close()
	_ = c.rx.Close()
}
