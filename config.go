// config.go: endpoint configuration resolution and size parsing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

const (
	defaultSizeWithName    uint32 = 128 * 1024
	defaultSizeWithoutName uint32 = 10 * 1024
	maxChannelNameLen             = 200
)

// EndpointConfig is the input to CreateEndpoint (spec.md 6, "Endpoint
// config"): an optional base name for the OS objects and an optional
// usable-bytes-per-ring size. SizeString is a human-readable alternative
// to Size (parsed with ParseChannelSize) for callers building config from
// a configuration file or flag rather than a computed byte count; Size
// wins if both are set.
type EndpointConfig struct {
	Name       string
	Size       uint32
	SizeString string
}

// resolveEndpointConfig fills in spec.md 6's defaults: a random name (and
// the smaller 10 KiB default size) when Name is empty, the larger 128 KiB
// default when a Name was given but Size was not. SizeString is parsed via
// ParseChannelSize before defaulting, so either form of size reaches the
// same resolution path.
func resolveEndpointConfig(cfg EndpointConfig) (EndpointConfig, error) {
	resolved := cfg
	if resolved.Size == 0 && resolved.SizeString != "" {
		size, err := ParseChannelSize(resolved.SizeString)
		if err != nil {
			return EndpointConfig{}, err
		}
		resolved.Size = size
	}
	if resolved.Name == "" {
		name, err := randomChannelName()
		if err != nil {
			return EndpointConfig{}, err
		}
		resolved.Name = name
		if resolved.Size == 0 {
			resolved.Size = defaultSizeWithoutName
		}
	} else {
		resolved.Name = sanitizeChannelName(resolved.Name)
		if resolved.Size == 0 {
			resolved.Size = defaultSizeWithName
		}
	}
	if err := validateChannelNameLength(resolved.Name); err != nil {
		return EndpointConfig{}, err
	}
	return resolved, nil
}

func randomChannelName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", wrapf("EndpointConfig", ErrInvalidConfig)
	}
	return "anon" + hex.EncodeToString(b[:]), nil
}

// sanitizeChannelName strips characters that cannot appear in a shared
// memory object or named-pipe path. Adapted from the teacher's own
// cross-platform log filename sanitizer (SanitizeFilename), generalized
// to also forbid the path separator since a channel name becomes one path
// component, never a subpath.
func sanitizeChannelName(name string) string {
	if runtime.GOOS == "windows" {
		invalid := []string{"<", ">", ":", "\"", "|", "?", "*", "/", "\\"}
		for _, c := range invalid {
			name = strings.ReplaceAll(name, c, "_")
		}
		var sanitized strings.Builder
		for _, r := range name {
			if r >= 32 {
				sanitized.WriteRune(r)
			} else {
				sanitized.WriteRune('_')
			}
		}
		return sanitized.String()
	}
	name = strings.ReplaceAll(name, "\x00", "_")
	return strings.ReplaceAll(name, "/", "_")
}

// validateChannelNameLength rejects names that would overflow the
// shortest OS path limit this module's region backends touch (POSIX FIFO
// paths under /tmp, Windows named-object names). Adapted from the
// teacher's ValidatePathLength, narrowed to the one fixed limit relevant
// here rather than a full filesystem path.
func validateChannelNameLength(name string) error {
	if len(name) > maxChannelNameLen {
		return wrapf("EndpointConfig", ErrInvalidConfig)
	}
	return nil
}

// ParseChannelSize parses a human-readable size ("128KiB", "10MB", ...)
// as used by the endpoint config's IpcChannel.Size key (spec.md 6;
// EndpointConfig.SizeString here). The descriptor text carries no size.
// c2h5oh/datasize.ByteSize supplies the same suffix-aware parsing the
// teacher's own hand-rolled ParseSize offered, now backed by a
// pack-grounded library instead of a bespoke switch over string suffixes.
func ParseChannelSize(s string) (uint32, error) {
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(s)); err != nil {
		return 0, wrapf("ParseChannelSize", ErrInvalidConfig)
	}
	return uint32(bs.Bytes()), nil
}

// retryOperation re-runs operation up to retries times (3 if <= 0) with a
// short delay (10ms if <= 0) between attempts, for the same class of
// transient failure the teacher's RetryFileOperation targeted — antivirus
// or indexing locks on Windows, brief resource exhaustion under load —
// now guarding the region backends' OS-object open calls instead of log
// file writes.
func retryOperation(operation func() error, retries int, delay time.Duration) error {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if err := operation(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return lastErr
}
