//go:build linux

// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package transport implements component E of spec.md §4: non-blocking TCP
// socket creation, optional local bind, connect, length-prefixed send, and
// size-checked recv. It is grounded directly on the getsock4/getsock6/
// connect4/connect6/sendquery/receiveresp functions in the original C tool
// (_examples/original_source/tests/tools/perfdhcp/perftcpdns.c); Go's net
// package has no way to non-blockingly drive a connect and inspect
// SO_ERROR once it completes, so this package talks to golang.org/x/sys/
// unix directly instead.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Outcome classifies the result of a socket operation the way spec.md's
// error-handling table (§7) does, so callers can bump the right counter
// without re-deriving the classification.
type Outcome int

const (
	OK Outcome = iota
	LocalLimit
	Failed
)

// OpenSocket creates a non-blocking TCP socket, optionally binds it to a
// local address, and starts an asynchronous connect toward addr. A
// connect that returns EINPROGRESS is the expected case and leaves the
// caller responsible for registering the fd for writable readiness.
func OpenSocket(addr *net.TCPAddr, local *net.TCPAddr) (fd int, outcome Outcome, err error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, classify(err), fmt.Errorf("socket: %w", err)
	}

	if local != nil {
		if err := unix.Bind(fd, toSockaddr(local)); err != nil {
			_ = unix.Close(fd)
			return -1, classify(err), fmt.Errorf("bind: %w", err)
		}
	}

	err = unix.Connect(fd, toSockaddr(addr))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return -1, classify(err), fmt.Errorf("connect: %w", err)
	}
	return fd, OK, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return LocalLimit
	default:
		return Failed
	}
}

func toSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if v4 := a.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}

// ConnectError reports whether a non-blocking connect completed
// successfully, inspecting SO_ERROR as connect4/connect6 do via
// getsockopt in the original tool.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// SendQuery writes the 2-byte big-endian length prefix followed by query
// in a single write. A partial write is treated as a failure, matching
// spec.md §4.E ("One send attempt; partial writes are treated as
// failure").
func SendQuery(fd int, query []byte) error {
	out := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(out, uint16(len(query)))
	copy(out[2:], query)

	n, err := unix.Write(fd, out)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if n != len(out) {
		return fmt.Errorf("send: wrote %d of %d bytes", n, len(out))
	}
	return nil
}

// RecvOutcome classifies the result of a single recv attempt.
type RecvOutcome int

const (
	RecvTransient RecvOutcome = iota // EAGAIN/EWOULDBLOCK/EINTR: try again later
	RecvFatal                        // any other error: terminate the run
	RecvShort                        // read fewer than 2+queryLen bytes
	RecvIDMismatch
	RecvNotResponse
	RecvOK
)

// Header holds the handful of DNS header fields the receive path needs:
// ID, the QR bit, and the low 4 bits of the flags (RCODE). Parsed directly
// from the wire bytes, not via a full message unpack, because spec.md's
// Non-goals exclude response-body parsing beyond the header.
type Header struct {
	ID    uint16
	QR    bool
	RCode uint8
}

// ParseHeader reads the 12-byte DNS header starting at payload[0].
func ParseHeader(payload []byte) Header {
	id := binary.BigEndian.Uint16(payload[0:2])
	flags := binary.BigEndian.Uint16(payload[2:4])
	return Header{
		ID:    id,
		QR:    flags&0x8000 != 0,
		RCode: uint8(flags & 0x000f),
	}
}

// RecvResponse performs a single recv into buf (which must be at least
// 4096 bytes) and classifies the outcome against the expected wire ID and
// query length, per spec.md §4.E.
func RecvResponse(fd int, buf []byte, wantID uint16, queryLen int) (RecvOutcome, Header, int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return RecvTransient, Header{}, 0, nil
		}
		return RecvFatal, Header{}, 0, err
	}

	if n < 2+queryLen {
		return RecvShort, Header{}, n, nil
	}

	hdr := ParseHeader(buf[2:n])
	if hdr.ID != wantID {
		return RecvIDMismatch, hdr, n, nil
	}
	if !hdr.QR {
		return RecvNotResponse, hdr, n, nil
	}
	return RecvOK, hdr, n, nil
}

// Close releases the socket. Retiring a slot always goes through Close in
// the same step that frees the pool slot, upholding invariant 2 from
// spec.md §3.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
