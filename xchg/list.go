// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package xchg

// Nil marks the absence of a slot index in a list link.
const Nil int32 = -1

// list is a genuine doubly-linked index list: O(1) insert-at-head and
// O(1) removal from anywhere, without the C original's back-pointer-to-
// predecessor's-next-field trick (spec.md §9 design note explains why that
// trick is awkward to express safely in Go).
type list struct {
	head, tail int32
	length     int
}

func newList() list { return list{head: Nil, tail: Nil} }

// insertHead pushes slot i onto the front of the list (LIFO insertion,
// matching the free list's reuse-most-recent behavior).
func (l *list) insertHead(slots []Slot, i int32) {
	slots[i].prev = Nil
	slots[i].next = l.head
	if l.head != Nil {
		slots[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.length++
}

// remove unlinks slot i from the list. i must currently be a member.
func (l *list) remove(slots []Slot, i int32) {
	s := &slots[i]
	if s.prev != Nil {
		slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != Nil {
		slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.next, s.prev = Nil, Nil
	l.length--
}
