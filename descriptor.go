// descriptor.go: connection descriptor text codec (component E collaborator)
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"bytes"

	"github.com/BurntSushi/toml"
)

const (
	directionResponse = "response"
	directionRequest  = "request"
	connectParamType  = "shared_mem"
)

// providerIdentity is the descriptor's [Provider] table (spec.md 6).
type providerIdentity struct {
	Name string `toml:"Name"`
}

// connectParam is one [[ConnectParam]] entry (spec.md 6): the region name
// and the direction tag identifying which ring the opening side should
// use it for. SyncTx/SyncRx are carried for wire fidelity with spec.md's
// documented key set; this module's own region backends derive both
// signal paths from Location alone (region_unix.go/region_windows.go), so
// parseDescriptor does not need to read them back.
type connectParam struct {
	Type      string `toml:"Type"`
	Location  string `toml:"Location"`
	SyncTx    string `toml:"SyncTx"`
	SyncRx    string `toml:"SyncRx"`
	Direction string `toml:"Direction"`
}

// descriptor is the full parsed document (spec.md 6, "Ring descriptor
// text").
type descriptor struct {
	Provider     providerIdentity `toml:"Provider"`
	ConnectParam []connectParam   `toml:"ConnectParam"`
}

func newConnectParam(name, direction string) connectParam {
	return connectParam{
		Type:      connectParamType,
		Location:  name,
		SyncTx:    name + "_tx",
		SyncRx:    name + "_rx",
		Direction: direction,
	}
}

// buildDescriptor assembles the descriptor a server-side CreateEndpoint
// publishes: its own Tx ring tagged "response", its own Rx ring tagged
// "request" (SPEC_FULL.md 4.3 — "the server responds on one ring and is
// asked on the other").
func buildDescriptor(providerName, responseRingName, requestRingName string) descriptor {
	return descriptor{
		Provider: providerIdentity{Name: providerName},
		ConnectParam: []connectParam{
			newConnectParam(responseRingName, directionResponse),
			newConnectParam(requestRingName, directionRequest),
		},
	}
}

// serializeDescriptor renders d as the TOML-like document spec.md 6
// defines.
func serializeDescriptor(d descriptor) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return "", wrapf("serializeDescriptor", ErrInvalidConfig)
	}
	return buf.String(), nil
}

// parseDescriptor decodes text and validates that both required
// ConnectParam directions are present (spec.md 7: "InvalidConfig —
// descriptor missing required keys").
func parseDescriptor(text string) (descriptor, error) {
	var d descriptor
	if _, err := toml.Decode(text, &d); err != nil {
		return descriptor{}, wrapf("parseDescriptor", ErrInvalidConfig)
	}
	if d.Provider.Name == "" {
		return descriptor{}, wrapf("parseDescriptor", ErrInvalidConfig)
	}
	if _, err := d.ringName(directionResponse); err != nil {
		return descriptor{}, err
	}
	if _, err := d.ringName(directionRequest); err != nil {
		return descriptor{}, err
	}
	return d, nil
}

// ringName returns the region name tagged with direction.
func (d descriptor) ringName(direction string) (string, error) {
	for _, p := range d.ConnectParam {
		if p.Direction == direction {
			return p.Location, nil
		}
	}
	return "", wrapf("parseDescriptor", ErrInvalidConfig)
}

// roundTrip returns parse(serialize(d)); the round-trip law of spec.md 8
// holds when the result equals d (checked by TestDescriptorRoundTripLaw).
func (d descriptor) roundTrip() (descriptor, error) {
	text, err := serializeDescriptor(d)
	if err != nil {
		return descriptor{}, err
	}
	return parseDescriptor(text)
}
