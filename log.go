// log.go: structured diagnostics for connection/watchdog/channel lifecycle
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "go.uber.org/zap"

// diagnostics wraps an optional *zap.SugaredLogger. A nil logger (the
// default) makes every method a no-op, so callers never need to nil-check
// before logging. This mirrors the *zap.SugaredLogger field threaded
// through constructors in the retrieval pack's route coordinator and
// balancer manager, rather than introducing a bespoke logging interface for
// what spec.md 1 treats as an external, out-of-core concern.
type diagnostics struct {
	log *zap.SugaredLogger
}

func newDiagnostics(log *zap.SugaredLogger) diagnostics {
	return diagnostics{log: log}
}

func (d diagnostics) transition(component, id, from, to string) {
	if d.log == nil {
		return
	}
	d.log.Infow("state transition", "component", component, "id", id, "from", from, "to", to)
}

func (d diagnostics) warn(component, id, msg string, err error) {
	if d.log == nil {
		return
	}
	if err != nil {
		d.log.Warnw(msg, "component", component, "id", id, "error", err)
		return
	}
	d.log.Warnw(msg, "component", component, "id", id)
}

func (d diagnostics) debug(component, id, msg string) {
	if d.log == nil {
		return
	}
	d.log.Debugw(msg, "component", component, "id", id)
}
