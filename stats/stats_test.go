// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"bytes"
	"math"
	"testing"
	"time"
)

func TestNewSeedsMinToInfinity(t *testing.T) {
	s := New()
	if !math.IsInf(s.DMin, 1) {
		t.Fatalf("expected DMin to start at +Inf, got %v", s.DMin)
	}
}

func TestReportRTTTracksMinMaxMean(t *testing.T) {
	s := New()
	s.ReportRTT(100*time.Millisecond, 0)
	s.ReportRTT(300*time.Millisecond, 3)
	s.ReportRTT(200*time.Millisecond, 0)

	if s.ReceivesOK != 3 {
		t.Fatalf("expected 3 receives, got %d", s.ReceivesOK)
	}
	if s.DMin != 0.1 {
		t.Fatalf("expected DMin=0.1, got %v", s.DMin)
	}
	if s.DMax != 0.3 {
		t.Fatalf("expected DMax=0.3, got %v", s.DMax)
	}
	want := (0.1 + 0.3 + 0.2) / 3
	if math.Abs(s.Mean()-want) > 1e-9 {
		t.Fatalf("expected mean=%v, got %v", want, s.Mean())
	}
	if s.Rcodes[0] != 2 || s.Rcodes[3] != 1 {
		t.Fatalf("unexpected rcode histogram: %v", s.Rcodes)
	}
}

func TestReportRTTClampsHighRcodesIntoOverflowBucket(t *testing.T) {
	s := New()
	s.ReportRTT(time.Millisecond, 6)
	s.ReportRTT(time.Millisecond, 200)

	if s.Rcodes[6] != 2 {
		t.Fatalf("expected both high rcodes to land in the overflow bucket, got %v", s.Rcodes)
	}
}

func TestMeanAndStdDevZeroWithNoSamples(t *testing.T) {
	s := New()
	if s.Mean() != 0 || s.StdDev() != 0 {
		t.Fatal("expected zero mean/stddev with no samples")
	}
}

func TestStdDevOfIdenticalSamplesIsZero(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.ReportRTT(50*time.Millisecond, 0)
	}
	if s.StdDev() > 1e-9 {
		t.Fatalf("expected ~0 stddev for identical samples, got %v", s.StdDev())
	}
}

func TestDroppedCountsUnansweredSends(t *testing.T) {
	s := New()
	s.SendsOK = 10
	s.ReceivesOK = 7
	if s.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", s.Dropped())
	}
}

func TestReportDoesNotPanicOnEmptyStats(t *testing.T) {
	s := New()
	var buf bytes.Buffer
	s.Report(&buf, 0)
	if buf.Len() == 0 {
		t.Fatal("expected non-empty report output")
	}
}
