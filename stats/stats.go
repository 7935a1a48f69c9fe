// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package stats implements component I of spec.md §4: the counter set and
// RTT aggregation, owned explicitly by the driver rather than kept as
// process-wide globals (spec.md §9 design note).
package stats

import (
	"fmt"
	"io"
	"math"
	"time"
)

// Stats is the full counter set from spec.md §3, plus the RTT
// accumulators. All fields are exported so driver/sweep/transport can
// increment them directly; Stats carries no synchronization because the
// engine is single-threaded (spec.md §5).
type Stats struct {
	ConnectsStarted uint64
	SendsOK         uint64
	ReceivesOK      uint64
	LocalLimit      uint64
	ShortReads      uint64
	IDMismatch      uint64
	NotResponse     uint64
	BadConnect      uint64
	ConnTimeouts    uint64
	BadSend         uint64
	SentTimeouts    uint64
	RecvErrors      uint64
	Loops           uint64
	LateConn        uint64
	CompConn        uint64
	ShortWait       uint64

	// Rcodes[6] absorbs all codes >= 6, per spec.md §3.
	Rcodes [7]uint64

	DMin   float64
	DMax   float64
	DSum   float64
	DSumSq float64
}

// New returns a Stats ready for use, with DMin seeded the way the original
// tool seeds dmin (a large sentinel so the first real sample always wins
// the minimum comparison).
func New() *Stats {
	return &Stats{DMin: math.Inf(1)}
}

// ReportRTT folds one completed exchange's round-trip time into the
// aggregate and buckets its RCODE, per spec.md §4.E's receive path.
func (s *Stats) ReportRTT(rtt time.Duration, rcode uint8) {
	s.ReceivesOK++
	d := rtt.Seconds()
	if d < s.DMin {
		s.DMin = d
	}
	if d > s.DMax {
		s.DMax = d
	}
	s.DSum += d
	s.DSumSq += d * d

	idx := int(rcode)
	if idx >= len(s.Rcodes) {
		idx = len(s.Rcodes) - 1
	}
	s.Rcodes[idx]++
}

// Mean returns the RTT mean in seconds (spec.md §4.I).
func (s *Stats) Mean() float64 {
	if s.ReceivesOK == 0 {
		return 0
	}
	return s.DSum / float64(s.ReceivesOK)
}

// StdDev returns the RTT standard deviation in seconds (spec.md §4.I).
func (s *Stats) StdDev() float64 {
	if s.ReceivesOK == 0 {
		return 0
	}
	mean := s.Mean()
	variance := s.DSumSq/float64(s.ReceivesOK) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Dropped is sends that have not (yet, or ever) been answered.
func (s *Stats) Dropped() int64 {
	return int64(s.SendsOK) - int64(s.ReceivesOK)
}

// Report writes a human-readable summary to w, in the shape of the
// original tool's final report (connect/sent/received counts, embryonic
// and drop counts, per-phase error counters, the rcode table, and the
// achieved rate). Exact formatting is part of the operator contract per
// spec.md §6, not parsed by any other tool.
func (s *Stats) Report(w io.Writer, elapsed time.Duration) {
	embryonic := int64(s.ConnectsStarted) - int64(s.SendsOK)
	fmt.Fprintf(w, "connects: %d, sent: %d, received: %d (embryonic: %d, drops: %d)\n",
		s.ConnectsStarted, s.SendsOK, s.ReceivesOK, embryonic, s.Dropped())
	fmt.Fprintf(w, "local limits: %d, bad connects: %d, connect timeouts: %d\n",
		s.LocalLimit, s.BadConnect, s.ConnTimeouts)
	fmt.Fprintf(w, "bad sends: %d, recv errors: %d, sent timeouts: %d\n",
		s.BadSend, s.RecvErrors, s.SentTimeouts)
	fmt.Fprintf(w, "short reads: %d, id mismatches: %d, not responses: %d\n",
		s.ShortReads, s.IDMismatch, s.NotResponse)
	fmt.Fprintf(w, "loops: %d, late connects: %d, short waits: %d, completed connects: %d\n",
		s.Loops, s.LateConn, s.ShortWait, s.CompConn)
	fmt.Fprintf(w, "rcodes: noerror=%d formerr=%d servfail=%d nxdomain=%d notimp=%d refused=%d other=%d\n",
		s.Rcodes[0], s.Rcodes[1], s.Rcodes[2], s.Rcodes[3], s.Rcodes[4], s.Rcodes[5], s.Rcodes[6])
	if s.ReceivesOK > 0 {
		fmt.Fprintf(w, "rtt: min=%.6f max=%.6f mean=%.6f stddev=%.6f\n",
			s.DMin, s.DMax, s.Mean(), s.StdDev())
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "rate: %.2f connections/sec over %s\n",
			float64(s.ConnectsStarted)/elapsed.Seconds(), elapsed)
	}
}
