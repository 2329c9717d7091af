// channel.go: channel manager, the public entry point (component E)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "go.uber.org/zap"

// Endpoint is the result of CreateEndpoint: the server-side connection
// together with the descriptor text a peer needs to Access it (spec.md
// 4.5).
type Endpoint struct {
	Connection *Connection
	Descriptor string
}

// Manager is the channel manager of spec.md 4.5: the public surface for
// building a server endpoint or attaching to one, registering every
// connection it produces with its watchdog.
type Manager struct {
	providerName string
	watchdog     *Watchdog
	log          diagnostics
	backend      Backend
	decoupled    bool
}

// ManagerOption configures optional Manager behaviour at construction.
type ManagerOption func(*Manager)

// WithManagerDiagnostics injects a structured logger shared by the
// manager, its watchdog, and every connection it creates. A nil logger
// restores the default no-op behaviour.
func WithManagerDiagnostics(log *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) { m.log = newDiagnostics(log) }
}

// WithManagerDecoupledDelivery enables bounded-queue delivery (spec.md
// 4.3.6) on every connection the manager subsequently creates.
func WithManagerDecoupledDelivery(enabled bool) ManagerOption {
	return func(m *Manager) { m.decoupled = enabled }
}

// WithLocalBackend forces the in-process region backend for every
// subsequent CreateEndpoint/Access call, the channel manager's "test
// mode" (spec.md 4.5: "Provider" key absent from the perspective of a
// caller that never serializes a descriptor at all).
func WithLocalBackend() ManagerOption {
	return func(m *Manager) { m.backend = BackendInMemory }
}

// NewManager builds a Manager identifying itself as providerName in any
// descriptor it publishes, monitoring peer liveness through monitor (a
// default poll-based ProcessMonitor is used if nil).
func NewManager(providerName string, monitor ProcessMonitor, opts ...ManagerOption) *Manager {
	m := &Manager{providerName: providerName, backend: BackendAuto}
	for _, opt := range opts {
		opt(m)
	}
	if monitor == nil {
		monitor = NewPollingProcessMonitor(0)
	}
	m.watchdog = NewWatchdog(monitor, m.log)
	return m
}

// CreateEndpoint builds a pair of named rings sized per cfg (random
// unique name and spec.md 6's default size if cfg is empty), wraps them
// in a server Connection registered with the watchdog, and returns the
// connection together with the descriptor text a peer needs to Access it.
func (m *Manager) CreateEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	resolved, err := resolveEndpointConfig(cfg)
	if err != nil {
		return nil, err
	}

	responseName := resolved.Name + "_response"
	requestName := resolved.Name + "_request"

	responseRegion, err := OpenRegion(m.backend, RegionConfig{
		Name: responseName, Size: resolved.Size, Role: RoleServer,
	})
	if err != nil {
		return nil, err
	}
	requestRegion, err := OpenRegion(m.backend, RegionConfig{
		Name: requestName, Size: resolved.Size, Role: RoleServer,
	})
	if err != nil {
		_ = responseRegion.Close()
		return nil, err
	}

	conn := newConnection(resolved.Name, m.watchdog, true,
		NewTxRing(responseRegion), NewRxRing(requestRegion),
		WithDecoupledDelivery(m.decoupled), withDiagnosticsValue(m.log))
	m.watchdog.AddConnection(conn)
	m.log.debug("manager", resolved.Name, "endpoint created")

	desc := buildDescriptor(m.providerName, responseName, requestName)
	text, err := serializeDescriptor(desc)
	if err != nil {
		conn.Destroy()
		return nil, err
	}

	return &Endpoint{Connection: conn, Descriptor: text}, nil
}

// Access parses descriptorText, opens the two rings with direction tags
// swapped relative to the server (SPEC_FULL.md 4.3: the client's Tx is
// the server's Rx and vice versa), wraps them in a client Connection
// registered with the watchdog, and returns it.
func (m *Manager) Access(descriptorText string) (*Connection, error) {
	desc, err := parseDescriptor(descriptorText)
	if err != nil {
		return nil, err
	}
	responseName, err := desc.ringName(directionResponse)
	if err != nil {
		return nil, err
	}
	requestName, err := desc.ringName(directionRequest)
	if err != nil {
		return nil, err
	}
	if responseName == requestName {
		return nil, wrapf("Access", ErrInvalidConfig)
	}

	txRegion, err := OpenRegion(m.backend, RegionConfig{Name: requestName, Role: RoleClient})
	if err != nil {
		return nil, err
	}
	rxRegion, err := OpenRegion(m.backend, RegionConfig{Name: responseName, Role: RoleClient})
	if err != nil {
		_ = txRegion.Close()
		return nil, err
	}

	conn := newConnection(requestName+"|"+responseName, m.watchdog, false,
		NewTxRing(txRegion), NewRxRing(rxRegion),
		WithDecoupledDelivery(m.decoupled), withDiagnosticsValue(m.log))
	m.watchdog.AddConnection(conn)
	m.log.debug("manager", conn.id, "endpoint accessed")
	return conn, nil
}

// CreateLocalPair builds both ends of a connection directly in the
// current process without ever serializing a descriptor, the test-mode
// shortcut of SPEC_FULL.md 4.5: the target connection is wired straight
// from the origin connection's own regions with Tx/Rx swapped, the same
// way the original channel manager built bufferTargetTx from
// bufferOriginRx's descriptor in-process.
func (m *Manager) CreateLocalPair(cfg EndpointConfig) (origin, target *Connection, err error) {
	resolved, err := resolveEndpointConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	responseName := resolved.Name + "_response"
	requestName := resolved.Name + "_request"

	responseRegion, err := OpenRegion(BackendInMemory, RegionConfig{
		Name: responseName, Size: resolved.Size, Role: RoleServer,
	})
	if err != nil {
		return nil, nil, err
	}
	requestRegion, err := OpenRegion(BackendInMemory, RegionConfig{
		Name: requestName, Size: resolved.Size, Role: RoleServer,
	})
	if err != nil {
		_ = responseRegion.Close()
		return nil, nil, err
	}

	responseRegion2, err := OpenRegion(BackendInMemory, RegionConfig{Name: responseName, Role: RoleClient})
	if err != nil {
		_ = responseRegion.Close()
		_ = requestRegion.Close()
		return nil, nil, err
	}
	requestRegion2, err := OpenRegion(BackendInMemory, RegionConfig{Name: requestName, Role: RoleClient})
	if err != nil {
		_ = responseRegion.Close()
		_ = requestRegion.Close()
		_ = responseRegion2.Close()
		return nil, nil, err
	}

	origin = newConnection(resolved.Name+"#origin", m.watchdog, true,
		NewTxRing(responseRegion), NewRxRing(requestRegion),
		WithDecoupledDelivery(m.decoupled), withDiagnosticsValue(m.log))
	target = newConnection(resolved.Name+"#target", m.watchdog, false,
		NewTxRing(requestRegion2), NewRxRing(responseRegion2),
		WithDecoupledDelivery(m.decoupled), withDiagnosticsValue(m.log))

	m.watchdog.AddConnection(origin)
	m.watchdog.AddConnection(target)
	return origin, target, nil
}

// Close tears down every connection the manager still owns.
func (m *Manager) Close() {
	m.watchdog.Clear()
}
