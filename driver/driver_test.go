//go:build linux

// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dns-loadgen/perfdns/qtemplate"
)

// testServer is the TCP counterpart of the teacher's runLocalUDPServer
// idiom: a background goroutine accepts connections and answers each
// length-prefixed query according to a scenario handler, so driver tests
// exercise a real socket instead of a mock transport.
type testServer struct {
	ln net.Listener
	wg sync.WaitGroup
}

type scenario func(query []byte) (respond bool, resp []byte)

func startServer(t *testing.T, handle scenario) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to start test server: %v", err)
	}
	s := &testServer{ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, handle)
		}
	}()
	return s
}

func (s *testServer) serve(conn net.Conn, handle scenario) {
	defer conn.Close()
	for {
		var lenBuf [2]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		query := make([]byte, n)
		if _, err := readFull(conn, query); err != nil {
			return
		}

		respond, resp := handle(query)
		if !respond {
			continue
		}
		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out, uint16(len(resp)))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *testServer) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func echoNoError(query []byte) (bool, []byte) {
	resp := make([]byte, len(query))
	copy(resp, query)
	resp[2] = 0x81 // QR=1, RD=1
	resp[3] = 0x00 // RCODE=NOERROR
	return true, resp
}

func echoWrongID(query []byte) (bool, []byte) {
	_, resp := echoNoError(query)
	resp[0] ^= 0xFF
	resp[1] ^= 0xFF
	return true, resp
}

func dropAlways([]byte) (bool, []byte) { return false, nil }

func newTestDriver(t *testing.T, addr string, cfg Config) *Driver {
	t.Helper()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatalf("failed to resolve test server address: %v", err)
	}
	cfg.Server = tcpAddr
	if cfg.Template == nil {
		tmpl, err := qtemplate.Build(qtemplate.Options{Family: qtemplate.V4})
		if err != nil {
			t.Fatalf("failed to build query template: %v", err)
		}
		cfg.Template = tmpl
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 64
	}
	if cfg.Rate == 0 {
		cfg.Rate = 200
	}
	if cfg.Aggressivity == 0 {
		cfg.Aggressivity = 4
	}
	if cfg.DropTime == 0 {
		cfg.DropTime = 200 * time.Millisecond
	}

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to construct driver: %v", err)
	}
	return d
}

func TestDriverCleanCompletionAllAnswered(t *testing.T) {
	srv := startServer(t, echoNoError)
	defer srv.Close()

	d := newTestDriver(t, srv.ln.Addr().String(), Config{NumReq: 20})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != Success {
		t.Fatalf("expected exit code Success, got %v (stats=%+v)", code, d.Stats())
	}
	if d.Stats().SendsOK != d.Stats().ReceivesOK {
		t.Fatalf("expected sends == receives, got sends=%d receives=%d",
			d.Stats().SendsOK, d.Stats().ReceivesOK)
	}
}

func TestDriverWrongIDCountsMismatchAndLoss(t *testing.T) {
	srv := startServer(t, echoWrongID)
	defer srv.Close()

	d := newTestDriver(t, srv.ln.Addr().String(), Config{NumReq: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != Loss {
		t.Fatalf("expected exit code Loss once every response mismatches, got %v", code)
	}
	if d.Stats().IDMismatch == 0 {
		t.Fatal("expected id_mismatch to be counted")
	}
	if d.Stats().ReceivesOK != 0 {
		t.Fatal("a mismatched ID must never count as a successful receive")
	}
}

func TestDriverDroppedResponsesTimeOutAndCountLoss(t *testing.T) {
	srv := startServer(t, dropAlways)
	defer srv.Close()

	d := newTestDriver(t, srv.ln.Addr().String(), Config{
		Period:   300 * time.Millisecond,
		DropTime: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != Loss {
		t.Fatalf("expected exit code Loss when every send times out, got %v", code)
	}
	if d.Stats().SentTimeouts == 0 {
		t.Fatal("expected sent_timeouts to be counted")
	}
}

func TestDriverContextCancellationStopsCleanly(t *testing.T) {
	srv := startServer(t, echoNoError)
	defer srv.Close()

	d := newTestDriver(t, srv.ln.Addr().String(), Config{Rate: 5, Aggressivity: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var code ExitCode
	var runErr error
	go func() {
		code, runErr = d.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop after context cancellation")
	}
	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	_ = code
}
