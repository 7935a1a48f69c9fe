// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package pacer implements component G of spec.md §4: the rate scheduler
// that decides when and how many connections to initiate per tick. The
// due-time/aggressivity arithmetic is a direct port of the original tool's
// main loop (_examples/original_source/tests/tools/perfdhcp/perftcpdns.c,
// the block computing "due" and "toconnect"); it is not delegated to a
// generic token-bucket limiter because it keeps its own late-connect and
// short-wait counters a library limiter cannot produce.
package pacer

import (
	"math"
	"time"

	"go.uber.org/ratelimit"

	"github.com/dns-loadgen/perfdns/clock"
)

// Options configures a Scheduler. Rate is connections per second;
// Aggressivity bounds how many connects a single tick may initiate;
// Preload is an initial burst issued before steady-state pacing begins.
type Options struct {
	Rate         int
	Aggressivity int
	Preload      int
}

// Scheduler recomputes its due time every tick from the timestamp of the
// most recent connect ("last"), exactly as the original tool's main loop
// does (due = last + 1.01s/rate, recomputed each iteration; last itself is
// only updated when a connect actually happens).
type Scheduler struct {
	rate         int
	aggressivity int

	last time.Time
	due  time.Time

	preloadRemaining int
	preloadLimiter   ratelimit.Limiter

	LateConn  uint64
	ShortWait uint64
}

// New creates a Scheduler. The preload burst always issues at least one
// connection before steady-state pacing begins, per perftcpdns.c's "for i
// := 0; i <= preload; i++" main-loop preamble ("preload the server with
// at least one connection") — Preload only controls how many additional
// connections join that initial one. Anything beyond the guaranteed first
// is smoothed by an independent go.uber.org/ratelimit leaky-bucket
// limiter so a large -P value cannot fire faster than the configured rate
// while the due-time arithmetic below has no history to work from yet.
func New(opts Options) *Scheduler {
	if opts.Aggressivity <= 0 {
		opts.Aggressivity = 1
	}
	rate := opts.Rate
	if rate <= 0 {
		rate = 1
	}

	var limiter ratelimit.Limiter
	if opts.Preload > 0 {
		limiter = ratelimit.New(rate)
	}

	return &Scheduler{
		rate:             rate,
		aggressivity:     opts.Aggressivity,
		preloadRemaining: opts.Preload + 1,
		preloadLimiter:   limiter,
	}
}

// Start records the boot time as the initial "last connect" reference.
func (s *Scheduler) Start(now time.Time) {
	s.last = now
}

// BeginTick recomputes the due time for the next connection from the
// timestamp of the last one, and returns how long the driver should wait
// for I/O readiness before that connection is due: max(0, due-now).
func (s *Scheduler) BeginTick(now time.Time) time.Duration {
	s.due = clock.Due(s.last, s.rate)
	wait := s.due.Sub(now)
	if wait < 0 {
		s.LateConn++
		return 0
	}
	return wait
}

// PreloadBurst drains the guaranteed-plus-configured preload burst, one
// connect per call, paced by the smoothing limiter once there is one. It
// returns false once the burst is exhausted.
func (s *Scheduler) PreloadBurst() bool {
	if s.preloadRemaining <= 0 {
		return false
	}
	if s.preloadLimiter != nil {
		s.preloadLimiter.Take()
	}
	s.preloadRemaining--
	return true
}

// ToConnect computes how many connections should be initiated this tick,
// per spec.md §4.G: floor(1 + (now-due)*rate), clamped to Aggressivity. It
// returns 0 and bumps ShortWait when the next connection is not yet due.
func (s *Scheduler) ToConnect(now time.Time) int {
	if now.Before(s.due) {
		s.ShortWait++
		return 0
	}

	elapsed := now.Sub(s.due).Seconds()
	toConnect := int(math.Floor(1 + elapsed*float64(s.rate)))
	if toConnect > s.aggressivity {
		toConnect = s.aggressivity
	}
	if toConnect < 0 {
		toConnect = 0
	}
	return toConnect
}

// RecordConnect updates the "last connect" reference time used by the
// next call to BeginTick.
func (s *Scheduler) RecordConnect(now time.Time) {
	s.last = now
}
