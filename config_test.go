// config_test.go: endpoint config resolution and size parsing tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "testing"

func TestResolveEndpointConfigDefaultsWithoutName(t *testing.T) {
	resolved, err := resolveEndpointConfig(EndpointConfig{})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if resolved.Name == "" {
		t.Fatal("expected a random name to be generated")
	}
	if resolved.Size != defaultSizeWithoutName {
		t.Fatalf("Size = %d, want default-without-name %d", resolved.Size, defaultSizeWithoutName)
	}

	again, err := resolveEndpointConfig(EndpointConfig{})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if again.Name == resolved.Name {
		t.Fatal("two anonymous configs should not collide on name")
	}
}

func TestResolveEndpointConfigDefaultsWithName(t *testing.T) {
	resolved, err := resolveEndpointConfig(EndpointConfig{Name: "my-channel"})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if resolved.Name != "my-channel" {
		t.Fatalf("Name = %q, want %q", resolved.Name, "my-channel")
	}
	if resolved.Size != defaultSizeWithName {
		t.Fatalf("Size = %d, want default-with-name %d", resolved.Size, defaultSizeWithName)
	}
}

func TestResolveEndpointConfigHonoursExplicitSize(t *testing.T) {
	resolved, err := resolveEndpointConfig(EndpointConfig{Name: "x", Size: 4096})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if resolved.Size != 4096 {
		t.Fatalf("Size = %d, want 4096", resolved.Size)
	}
}

func TestResolveEndpointConfigParsesSizeString(t *testing.T) {
	resolved, err := resolveEndpointConfig(EndpointConfig{Name: "x", SizeString: "4KiB"})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if resolved.Size != 4*1024 {
		t.Fatalf("Size = %d, want %d", resolved.Size, 4*1024)
	}
}

func TestResolveEndpointConfigSizeWinsOverSizeString(t *testing.T) {
	resolved, err := resolveEndpointConfig(EndpointConfig{Name: "x", Size: 4096, SizeString: "1MiB"})
	if err != nil {
		t.Fatalf("resolveEndpointConfig: %v", err)
	}
	if resolved.Size != 4096 {
		t.Fatalf("Size = %d, want 4096 (explicit Size must win over SizeString)", resolved.Size)
	}
}

func TestResolveEndpointConfigRejectsMalformedSizeString(t *testing.T) {
	if _, err := resolveEndpointConfig(EndpointConfig{Name: "x", SizeString: "not-a-size"}); err == nil {
		t.Fatal("expected an error for a malformed SizeString")
	}
}

func TestResolveEndpointConfigRejectsOverlongName(t *testing.T) {
	long := make([]byte, maxChannelNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := resolveEndpointConfig(EndpointConfig{Name: string(long)}); err == nil {
		t.Fatal("expected an error for a name over the length limit")
	}
}

func TestSanitizeChannelNameStripsPathSeparators(t *testing.T) {
	got := sanitizeChannelName("a/b\x00c")
	if got != "a_b_c" {
		t.Fatalf("sanitizeChannelName = %q, want %q", got, "a_b_c")
	}
}

func TestParseChannelSizeSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"1KB", 1000},
		{"1KiB", 1024},
		{"10MiB", 10 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseChannelSize(c.in)
		if err != nil {
			t.Fatalf("ParseChannelSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseChannelSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseChannelSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseChannelSize("not-a-size"); err == nil {
		t.Fatal("expected an error parsing a non-size string")
	}
}

func TestRetryOperationRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := retryOperation(func() error {
		attempts++
		if attempts < 3 {
			return errTest
		}
		return nil
	}, 5, 0)
	if err != nil {
		t.Fatalf("retryOperation: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryOperationExhaustsRetries(t *testing.T) {
	attempts := 0
	err := retryOperation(func() error {
		attempts++
		return errTest
	}, 2, 0)
	if err == nil {
		t.Fatal("expected the last error to propagate once retries are exhausted")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

type testSentinelError struct{}

func (testSentinelError) Error() string { return "test sentinel error" }

var errTest error = testSentinelError{}
