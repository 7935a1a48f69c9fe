// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestExpiredZeroStart(t *testing.T) {
	if Expired(time.Time{}, time.Now(), time.Millisecond) {
		t.Fatal("a zero start timestamp must never be considered expired")
	}
}

func TestExpired(t *testing.T) {
	start := time.Now().Add(-2 * time.Second)
	if !Expired(start, time.Now(), time.Second) {
		t.Fatal("expected the deadline to have passed")
	}
	if Expired(start, start.Add(500*time.Millisecond), time.Second) {
		t.Fatal("did not expect the deadline to have passed yet")
	}
}

func TestDueRateOne(t *testing.T) {
	last := time.Now()
	due := Due(last, 1)
	if due.Sub(last) != time.Second {
		t.Fatalf("rate=1 should add exactly one second, got %s", due.Sub(last))
	}
}

func TestDueOverEstimate(t *testing.T) {
	last := time.Now()
	due := Due(last, 100)
	want := time.Duration(1.01 * float64(time.Second) / 100)
	if due.Sub(last) != want {
		t.Fatalf("got delta %s, want %s", due.Sub(last), want)
	}
	if due.Sub(last) <= 10*time.Millisecond {
		t.Fatal("the 1.01 factor should push the delta slightly above 1/rate seconds")
	}
}
