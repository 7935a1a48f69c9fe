//go:build linux

// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package reactor implements component F of spec.md §4: a readiness-based
// event loop using one-shot, edge-triggered epoll registration, grounded
// on the epoll_create1/epoll_ctl/epoll_wait calls in the original C tool's
// main loop (_examples/original_source/tests/tools/perfdhcp/perftcpdns.c).
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event reports one readiness notification: which exchange slot it
// belongs to, and whether the socket became writable, readable, or
// errored.
type Event struct {
	Slot     int32
	Writable bool
	Readable bool
	Errored  bool
}

// Reactor owns the epoll file descriptor and the fd->slot lookup that
// spec.md §4.F's design note calls for: unix.EpollEvent only exposes an
// Fd field (the raw socket descriptor) for user data on this platform, so
// the slot index has to be tracked userspace-side instead of packed into
// the kernel event the way the original C union does.
type Reactor struct {
	epfd    int
	fdToIdx map[int32]int32
	events  []unix.EpollEvent
}

// New creates an epoll instance sized for up to maxEvents readiness
// notifications per Wait call.
func New(maxEvents int) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:    epfd,
		fdToIdx: make(map[int32]int32),
		events:  make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Close releases the epoll descriptor.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// RegisterWritable arms fd for a one-shot, edge-triggered writable
// notification, associating it with the given exchange slot. Called once
// per socket right after a non-blocking connect is started.
func (r *Reactor) RegisterWritable(fd int, slot int32) error {
	r.fdToIdx[int32(fd)] = slot
	ev := unix.EpollEvent{Events: unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	return nil
}

// RearmReadable re-registers fd (already known to the reactor) for a
// one-shot, edge-triggered readable notification, called right after the
// query has been sent.
func (r *Reactor) RearmReadable(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod: %w", err)
	}
	return nil
}

// Forget drops the reactor's bookkeeping for fd. Call this once the fd is
// about to be closed (epoll_ctl removes a registration automatically on
// close, so no EPOLL_CTL_DEL is necessary).
func (r *Reactor) Forget(fd int) {
	delete(r.fdToIdx, int32(fd))
}

// Wait blocks for up to timeoutMillis (0 means return immediately, -1
// means block indefinitely) and returns the readiness events observed.
func (r *Reactor) Wait(timeoutMillis int) ([]Event, error) {
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := r.events[i].Fd
		slot, ok := r.fdToIdx[fd]
		if !ok {
			continue
		}
		mask := r.events[i].Events
		out = append(out, Event{
			Slot:     slot,
			Writable: mask&unix.EPOLLOUT != 0,
			Readable: mask&unix.EPOLLIN != 0,
			Errored:  mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}
