// time.go: cached monotonic clock for hot, frequently-polled paths
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import (
	"time"

	"github.com/agilira/go-timecache"
)

// clock caches the current time at millisecond resolution, the same
// pattern the teacher used on its write hot path, repurposed here for the
// reception loop's sync-resend check, which runs far more often than the
// clock actually needs to change.
var clock = timecache.NewWithResolution(time.Millisecond)

func timeNow() time.Time { return clock.CachedTime() }
