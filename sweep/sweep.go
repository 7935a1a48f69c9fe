// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package sweep implements component H of spec.md §4: bounded,
// FIFO-ordered timeout sweeps of the conn and sent lists, grounded on the
// original tool's flushconnect/flushrecv functions (bound 10 and 5
// respectively, stopping at the first slot younger than the threshold).
package sweep

import (
	"time"

	"github.com/dns-loadgen/perfdns/xchg"
)

// connBound and sentBound match spec.md §4.H exactly.
const (
	connBound = 10
	sentBound = 5
)

// Retirer closes a slot's socket and releases it back to the pool; it is
// the one step transport/driver perform together so a socket is never
// left open once a slot returns to FREE (spec.md §3 invariant 2).
type Retirer func(slot int32)

// Conn walks up to connBound slots from the oldest end of the CONN list
// and retires any whose connect has been outstanding for at least
// dropTime, stopping at the first slot that is still within budget (FIFO
// ordering guarantees nothing older follows it). It returns how many
// slots were retired.
func Conn(pool *xchg.Pool, now time.Time, dropTime time.Duration, retire Retirer) int {
	return sweepList(pool, xchg.Conn, connBound, now, dropTime, func(s *xchg.Slot) time.Time {
		return s.TSConnect
	}, retire)
}

// Sent mirrors Conn for the SENT list, with its own (smaller) per-tick
// bound.
func Sent(pool *xchg.Pool, now time.Time, dropTime time.Duration, retire Retirer) int {
	return sweepList(pool, xchg.Sent, sentBound, now, dropTime, func(s *xchg.Slot) time.Time {
		return s.TSSend
	}, retire)
}

func sweepList(pool *xchg.Pool, state xchg.State, bound int, now time.Time, dropTime time.Duration, started func(*xchg.Slot) time.Time, retire Retirer) int {
	retired := 0
	idx := pool.Oldest(state)

	for i := 0; i < bound && idx != xchg.Nil; i++ {
		slot := pool.Slot(idx)
		if now.Sub(started(slot)) < dropTime {
			break
		}
		next := pool.Newer(idx)
		retire(idx)
		retired++
		idx = next
	}
	return retired
}
