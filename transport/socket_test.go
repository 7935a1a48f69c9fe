//go:build linux

// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func waitWritable(fd int, timeout time.Duration) error {
	return poll(fd, unix.POLLOUT, timeout)
}

func waitReadable(fd int, timeout time.Duration) error {
	return poll(fd, unix.POLLIN, timeout)
}

func poll(fd int, events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("timed out waiting for events %d on fd %d", events, fd)
	}
	return nil
}

// echoServer accepts one TCP connection, reads a length-prefixed query and
// writes it straight back with the QR bit set, mimicking the stub servers
// spec.md §8's end-to-end scenarios describe.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	lenbuf := make([]byte, 2)
	if _, err := readFull(conn, lenbuf); err != nil {
		return
	}
	qlen := int(lenbuf[0])<<8 | int(lenbuf[1])
	body := make([]byte, qlen)
	if _, err := readFull(conn, body); err != nil {
		return
	}
	body[2] |= 0x80 // set QR
	out := append(lenbuf, body...)
	_, _ = conn.Write(out)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestOpenSendRecvRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go echoServer(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	fd, outcome, err := OpenSocket(addr, nil)
	if err != nil || outcome != OK {
		t.Fatalf("OpenSocket failed: outcome=%d err=%v", outcome, err)
	}
	defer Close(fd)

	if err := waitWritable(fd, time.Second); err != nil {
		t.Fatalf("connect never completed: %v", err)
	}
	if err := ConnectError(fd); err != nil {
		t.Fatalf("unexpected SO_ERROR: %v", err)
	}

	query := []byte{0xAB, 0xCD, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := SendQuery(fd, query); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}

	if err := waitReadable(fd, time.Second); err != nil {
		t.Fatalf("response never arrived: %v", err)
	}

	buf := make([]byte, 4096)
	outcomeRecv, hdr, n, err := RecvResponse(fd, buf, 0xABCD, len(query))
	if err != nil {
		t.Fatal(err)
	}
	if outcomeRecv != RecvOK {
		t.Fatalf("expected RecvOK, got %d (n=%d)", outcomeRecv, n)
	}
	if !hdr.QR {
		t.Fatal("expected the QR bit to be set on the echoed response")
	}
	if hdr.ID != 0xABCD {
		t.Fatalf("expected ID 0xABCD, got %#x", hdr.ID)
	}
}

func TestRecvIDMismatch(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go echoServer(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	fd, _, err := OpenSocket(addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer Close(fd)
	_ = waitWritable(fd, time.Second)

	query := []byte{0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := SendQuery(fd, query); err != nil {
		t.Fatal(err)
	}
	_ = waitReadable(fd, time.Second)

	buf := make([]byte, 4096)
	outcome, _, _, err := RecvResponse(fd, buf, 0xFFFF, len(query))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != RecvIDMismatch {
		t.Fatalf("expected RecvIDMismatch, got %d", outcome)
	}
}
