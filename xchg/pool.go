// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package xchg implements the bounded exchange slot pool: component D of
// spec.md §4, the fixed-size array of per-exchange records with intrusive
// doubly-linked lists and a bump allocator for the never-used tail.
package xchg

import (
	"errors"
	"fmt"
	"time"
)

// State is one of the four exchange lifecycle states from spec.md §3.
type State int

const (
	Free State = iota
	Conn
	Ready
	Sent
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Conn:
		return "CONN"
	case Ready:
		return "READY"
	case Sent:
		return "SENT"
	default:
		return "UNKNOWN"
	}
}

// ErrPoolExhausted is returned by Allocate when both the free list and the
// unused tail are exhausted.
var ErrPoolExhausted = errors.New("exchange pool exhausted")

// Slot is one in-flight (or free) DNS exchange record.
type Slot struct {
	State State

	// Socket is owned entirely by the transport package; xchg never
	// looks inside it, it only enforces "open iff State != Free" via
	// Pool.Release requiring the caller to have already closed it.
	Socket int // file descriptor; 0 means "unset", transport uses -1 as "closed"

	ID    uint16
	Order uint64

	TSConnect time.Time
	TSSend    time.Time
	TSRecv    time.Time

	next, prev int32
}

// Pool is the fixed-capacity array of Slots plus the four lifecycle lists.
type Pool struct {
	slots    []Slot
	capacity int32
	used     int32

	free, conn, ready, sent list

	order uint64
}

// New creates a Pool with the given fixed capacity.
func New(capacity int) *Pool {
	return &Pool{
		slots:    make([]Slot, capacity),
		capacity: int32(capacity),
		free:     newList(),
		conn:     newList(),
		ready:    newList(),
		sent:     newList(),
	}
}

// Capacity returns the pool's fixed capacity M.
func (p *Pool) Capacity() int { return int(p.capacity) }

// Used returns how many slots have ever been bump-allocated (the "used"
// watermark from spec.md §4.D), not how many are currently active.
func (p *Pool) Used() int { return int(p.used) }

// Len returns the current length of one of the four lists, keyed by State.
func (p *Pool) Len(s State) int {
	switch s {
	case Free:
		return p.free.length
	case Conn:
		return p.conn.length
	case Ready:
		return p.ready.length
	case Sent:
		return p.sent.length
	default:
		return 0
	}
}

func (p *Pool) listFor(s State) *list {
	switch s {
	case Free:
		return &p.free
	case Conn:
		return &p.conn
	case Ready:
		return &p.ready
	case Sent:
		return &p.sent
	default:
		return nil
	}
}

// Allocate draws a FREE slot, first from the free list (LIFO reuse), then
// by bump-allocating from the unused tail. It returns ErrPoolExhausted when
// both are exhausted, which the caller (the driver's connect path) turns
// into a local-limit count rather than a fatal error.
func (p *Pool) Allocate() (int32, error) {
	if p.free.length > 0 {
		i := p.free.head
		p.free.remove(p.slots, i)
		p.slots[i] = Slot{State: Free, next: Nil, prev: Nil}
		return p.finishAllocate(i), nil
	}
	if p.used < p.capacity {
		i := p.used
		p.used++
		p.slots[i] = Slot{State: Free, next: Nil, prev: Nil}
		return p.finishAllocate(i), nil
	}
	return Nil, ErrPoolExhausted
}

func (p *Pool) finishAllocate(i int32) int32 {
	p.order++
	p.slots[i].Order = p.order
	p.slots[i].State = Conn
	p.conn.insertHead(p.slots, i)
	return i
}

// Slot returns a pointer to the slot's mutable record so callers (mainly
// transport and sweep) can update timestamps, ID, and socket.
func (p *Pool) Slot(i int32) *Slot { return &p.slots[i] }

// Move transitions slot i from its current list to the list for "to",
// enforcing the monotonic state machine from spec.md §5: FREE -> CONN ->
// READY -> SENT -> FREE, with no back-edges (errors jump straight to FREE
// via Release, not Move).
func (p *Pool) Move(i int32, to State) error {
	s := &p.slots[i]
	from := s.State
	if !validTransition(from, to) {
		return fmt.Errorf("invalid exchange transition %s -> %s for slot %d", from, to, i)
	}

	fromList := p.listFor(from)
	fromList.remove(p.slots, i)
	s.State = to
	p.listFor(to).insertHead(p.slots, i)
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case Conn:
		return to == Ready
	case Ready:
		return to == Sent
	default:
		return false
	}
}

// Release moves slot i to FREE regardless of its current state (used for
// both clean completion and every error path). The caller must have
// already closed the socket; Release only updates pool bookkeeping,
// upholding invariant 2 from spec.md §3 ("every transition that clears
// state to FREE also closes the socket in the same critical section" —
// enforced by convention at the transport call sites, not inside Pool).
func (p *Pool) Release(i int32) {
	s := &p.slots[i]
	if s.State == Free {
		return
	}
	p.listFor(s.State).remove(p.slots, i)
	*s = Slot{State: Free, next: Nil, prev: Nil}
	p.free.insertHead(p.slots, i)
}

// Oldest returns the slot index of the oldest member of the requested
// list (the list's tail, since insertHead always prepends the newest
// arrival), or Nil if the list is empty. Combined with Newer, this lets
// sweep walk the conn/sent lists in FIFO order.
func (p *Pool) Oldest(s State) int32 {
	l := p.listFor(s)
	if l == nil {
		return Nil
	}
	return l.tail
}

// Newer returns the slot one step closer to the head (i.e. the next
// younger entry) from i in its current list.
func (p *Pool) Newer(i int32) int32 {
	return p.slots[i].prev
}
