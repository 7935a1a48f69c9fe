// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package driver implements component J of spec.md §4: the single
// goroutine top-level loop that wires the clock, event reactor, rate
// scheduler, exchange pool, transport, and timeout sweeper together into
// the eight-step tick sequence.
package driver

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/caffix/queue"
	"github.com/caffix/stringset"

	"github.com/dns-loadgen/perfdns/clock"
	"github.com/dns-loadgen/perfdns/pacer"
	"github.com/dns-loadgen/perfdns/qtemplate"
	"github.com/dns-loadgen/perfdns/reactor"
	"github.com/dns-loadgen/perfdns/stats"
	"github.com/dns-loadgen/perfdns/sweep"
	"github.com/dns-loadgen/perfdns/transport"
	"github.com/dns-loadgen/perfdns/xchg"
)

// ExitCode mirrors the disposition table in spec.md §6/§7. Exit code 2
// (bad CLI) is never returned from here; it is decided by the caller
// before a Driver is even constructed.
type ExitCode int

const (
	Success ExitCode = 0
	Fatal   ExitCode = 1
	Loss    ExitCode = 3
)

// recvBufSize is the fixed 4 KiB buffer spec.md §4.E requires for every
// recv attempt.
const recvBufSize = 4096

// Config carries every tunable the CLI exposes, already validated.
type Config struct {
	Server       *net.TCPAddr
	Local        *net.TCPAddr
	Template     *qtemplate.Template
	Capacity     int
	Rate         int
	Aggressivity int
	Preload      int

	NumReq   int           // 0 means unbounded
	Period   time.Duration // 0 means unbounded
	DropTime time.Duration
	MaxDrop  int     // <=0 disables the absolute drop cap
	MaxPDrop float64 // <=0 disables the percentage drop cap

	ReportEvery  time.Duration // 0 disables periodic reporting
	ReportWriter io.Writer
	DiagWriter   io.Writer

	Seed int64 // 0 means seed from the clock

	// Diagnostics is the -x selector set; when it contains "i" the
	// driver emits per-report rate instrumentation lines through the
	// diagnostics queue instead of the hot path writing directly.
	Diagnostics *stringset.Set
}

// Driver owns every runtime collaborator and drives the tick loop.
type Driver struct {
	cfg Config
	clk clock.Clock

	pool  *xchg.Pool
	react *reactor.Reactor
	sched *pacer.Scheduler
	st    *stats.Stats
	diag  queue.Queue
	rng   *rand.Rand

	boot               time.Time
	lastReport         time.Time
	lastReportConnects uint64
	interrupted        bool
	fatal              error
	rateDiag           bool
}

// New builds a Driver. It opens the epoll instance immediately so a
// failure surfaces before Run starts; the caller decides the exit code
// (cmd/perfdns exits with 1).
func New(cfg Config, clk clock.Clock) (*Driver, error) {
	if clk == nil {
		clk = clock.System{}
	}
	react, err := reactor.New(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create the event reactor: %w", err)
	}
	if cfg.ReportWriter == nil {
		cfg.ReportWriter = io.Discard
	}
	if cfg.DiagWriter == nil {
		cfg.DiagWriter = io.Discard
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}

	return &Driver{
		cfg:   cfg,
		clk:   clk,
		pool:  xchg.New(cfg.Capacity),
		react: react,
		sched: pacer.New(pacer.Options{Rate: cfg.Rate, Aggressivity: cfg.Aggressivity, Preload: cfg.Preload}),
		st:    stats.New(),
		diag:  queue.NewQueue(),
		rng:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Stats exposes the running counters, mainly for tests and the final
// report in cmd/perfdns.
func (d *Driver) Stats() *stats.Stats { return d.st }

// diagf appends a diagnostic line to the queue instead of writing
// directly, so a burst of -x output never adds latency to the hot
// connect/send/recv path; the queue is drained once per tick.
func (d *Driver) diagf(format string, args ...interface{}) {
	d.diag.Append(fmt.Sprintf(format, args...))
}

func (d *Driver) drainDiagnostics() {
	for {
		v, ok := d.diag.Next()
		if !ok {
			return
		}
		fmt.Fprintln(d.cfg.DiagWriter, v)
	}
}

// Run executes the tick sequence from spec.md §4.J until a termination
// predicate fires, ctx is canceled, or a fatal error occurs.
func (d *Driver) Run(ctx context.Context) (ExitCode, error) {
	defer d.react.Close()

	d.boot = d.clk.Now()
	d.lastReport = d.boot
	d.rateDiag = d.cfg.Diagnostics != nil && d.cfg.Diagnostics.Has("i")
	d.sched.Start(d.boot)

	// perftcpdns.c always preloads the server with at least one connection
	// regardless of -P ("preload the server with at least one connection",
	// its main loop runs "for i := 0; i <= preload; i++"); a failure on
	// that very first connection is fatal, since nothing has been proven
	// reachable yet. A failure on any later preload connection just ends
	// the burst early and falls through to steady-state pacing.
	first := true
preload:
	for d.sched.PreloadBurst() {
		switch d.tryConnect() {
		case connectOK:
			first = false
		case connectFatal:
			d.drainDiagnostics()
			return Fatal, d.fatal
		default:
			if first {
				d.fatal = fmt.Errorf("initial connect failed")
				d.drainDiagnostics()
				return Fatal, d.fatal
			}
			break preload
		}
	}

	for {
		// Step 1: check interrupted/fatal.
		select {
		case <-ctx.Done():
			d.interrupted = true
		default:
		}
		if d.interrupted {
			break
		}
		if d.fatal != nil {
			d.st.Report(d.cfg.ReportWriter, d.clk.Now().Sub(d.boot))
			d.drainDiagnostics()
			return Fatal, d.fatal
		}

		now := d.clk.Now()

		// Step 2: periodic report.
		if d.cfg.ReportEvery > 0 && now.Sub(d.lastReport) >= d.cfg.ReportEvery {
			d.st.Report(d.cfg.ReportWriter, now.Sub(d.boot))
			if d.rateDiag {
				achieved := float64(d.st.ConnectsStarted-d.lastReportConnects) / now.Sub(d.lastReport).Seconds()
				d.diagf("instantaneous rate: %.2f connections/sec", achieved)
			}
			d.lastReport = now
			d.lastReportConnects = d.st.ConnectsStarted
		}

		// Step 3: pacing wait.
		wait := d.sched.BeginTick(now)

		// Step 4: wait for readiness.
		events, err := d.react.Wait(int(wait / time.Millisecond))
		if err != nil {
			d.fatal = fmt.Errorf("event reactor wait failed: %w", err)
			d.drainDiagnostics()
			return Fatal, d.fatal
		}

		// now is stale the instant Wait returns: it was read before we
		// blocked for up to wait. Re-read the clock here, exactly as
		// perftcpdns.c re-reads clock_gettime into now2 right before this
		// same computation, so the sweeps, termination check, and
		// ToConnect all see how much time has actually elapsed, not ~0.
		now = d.clk.Now()

		// Step 5: drain readiness events (connects, then sends, then
		// receives); sends happen synchronously for every slot that
		// reached READY this tick, per spec.md §4.F.
		for _, ev := range events {
			if d.pool.Slot(ev.Slot).State == xchg.Conn {
				d.handleEvent(ev)
			}
		}
		d.drainReady()
		for _, ev := range events {
			if d.pool.Slot(ev.Slot).State == xchg.Sent {
				d.handleEvent(ev)
			}
		}

		// Step 6: sweep conn-timeouts, then sent-timeouts.
		d.st.ConnTimeouts += uint64(sweep.Conn(d.pool, now, d.cfg.DropTime, d.retireBadConnect))
		d.st.SentTimeouts += uint64(sweep.Sent(d.pool, now, d.cfg.DropTime, d.retireSentTimeout))

		d.st.Loops++
		d.st.LateConn = d.sched.LateConn
		d.st.ShortWait = d.sched.ShortWait
		d.drainDiagnostics()

		// Step 7: termination predicates.
		if code, done := d.checkTermination(now); done {
			d.st.Report(d.cfg.ReportWriter, now.Sub(d.boot))
			return code, nil
		}

		// Step 8: allocate and initiate new connects.
		toConnect := d.sched.ToConnect(now)
		for i := 0; i < toConnect; i++ {
			if !d.connectOne() {
				break
			}
		}
	}

	d.st.Report(d.cfg.ReportWriter, d.clk.Now().Sub(d.boot))
	d.drainDiagnostics()
	return Success, nil
}

// checkTermination evaluates spec.md §4.G's termination predicates (save
// for "interrupted", handled at the head of the loop).
func (d *Driver) checkTermination(now time.Time) (ExitCode, bool) {
	sendsOK := d.st.SendsOK
	recvOK := d.st.ReceivesOK
	dropped := int64(sendsOK) - int64(recvOK)

	lossObserved := dropped > 0

	switch {
	case d.cfg.Period > 0 && now.Sub(d.boot) >= d.cfg.Period:
		return finalCode(lossObserved), true
	case d.cfg.NumReq > 0 && sendsOK >= uint64(d.cfg.NumReq):
		return finalCode(lossObserved), true
	case d.cfg.MaxDrop > 0 && dropped > int64(d.cfg.MaxDrop):
		return Loss, true
	case sendsOK > 10 && d.cfg.MaxPDrop > 0 && (float64(dropped)/float64(sendsOK))*100 > d.cfg.MaxPDrop:
		return Loss, true
	}
	return Success, false
}

func finalCode(lossObserved bool) ExitCode {
	if lossObserved {
		return Loss
	}
	return Success
}

// connectOutcome classifies the result of one connect attempt, distinct
// from the per-error stats counters, so the preload burst (which must
// tell "the very first connect failed" apart from any later one) and the
// steady-state aggressivity loop (which only cares whether to keep
// going) can each react the way spec.md §4.G and perftcpdns.c's preload
// loop respectively require.
type connectOutcome int

const (
	connectOK connectOutcome = iota
	connectPoolExhausted // Allocate failed; nothing further will succeed this tick
	connectFailed        // OpenSocket failed; already counted, slot released
	connectFatal         // reactor registration failed; d.fatal is set
)

// tryConnect allocates a slot and starts a non-blocking connect, counting
// local_limit/bad_connect as spec.md §4.E describes.
func (d *Driver) tryConnect() connectOutcome {
	idx, err := d.pool.Allocate()
	if err != nil {
		d.st.LocalLimit++
		return connectPoolExhausted
	}

	now := d.clk.Now()
	fd, outcome, err := transport.OpenSocket(d.cfg.Server, d.cfg.Local)
	if err != nil {
		switch outcome {
		case transport.LocalLimit:
			d.st.LocalLimit++
		default:
			d.st.BadConnect++
		}
		d.pool.Release(idx)
		return connectFailed
	}

	slot := d.pool.Slot(idx)
	slot.Socket = fd
	slot.ID = uint16(d.rng.Intn(1 << 16))
	slot.TSConnect = now

	if err := d.react.RegisterWritable(fd, idx); err != nil {
		d.fatal = fmt.Errorf("failed to register socket for writable readiness: %w", err)
		_ = transport.Close(fd)
		d.pool.Release(idx)
		return connectFatal
	}

	d.st.ConnectsStarted++
	d.sched.RecordConnect(now)
	return connectOK
}

// connectOne is tryConnect narrowed to what the steady-state aggressivity
// loop (Step 8) needs: whether to keep initiating connects this tick. A
// failed OpenSocket attempt is already counted and simply forfeits this
// slot, same as perftcpdns.c's main-loop toconnect loop; pool exhaustion
// or a reactor-registration failure stops the loop early since neither
// will succeed on a retry within the same tick.
func (d *Driver) connectOne() bool {
	switch d.tryConnect() {
	case connectPoolExhausted, connectFatal:
		return false
	default:
		return true
	}
}

// handleEvent dispatches one readiness notification for a CONN or SENT
// slot, per spec.md §4.F.
func (d *Driver) handleEvent(ev reactor.Event) {
	slot := d.pool.Slot(ev.Slot)

	switch slot.State {
	case xchg.Conn:
		if ev.Errored {
			d.st.BadConnect++
			d.retireBadConnect(ev.Slot)
			return
		}
		if err := transport.ConnectError(slot.Socket); err != nil {
			d.st.BadConnect++
			d.retireBadConnect(ev.Slot)
			return
		}
		if err := d.pool.Move(ev.Slot, xchg.Ready); err != nil {
			d.fatal = err
		}
		d.st.CompConn++
	case xchg.Sent:
		if !ev.Readable && !ev.Errored {
			return
		}
		d.handleRecv(ev.Slot)
	}
}

// drainReady synchronously sends the query for every slot that reached
// READY this tick, matching spec.md §4.F's "ready slots are drained
// synchronously each tick" rule.
func (d *Driver) drainReady() {
	for {
		idx := d.pool.Oldest(xchg.Ready)
		if idx == xchg.Nil {
			return
		}
		d.sendOne(idx)
	}
}

func (d *Driver) sendOne(idx int32) {
	slot := d.pool.Slot(idx)
	query := d.cfg.Template.PatchID(slot.ID)

	if err := transport.SendQuery(slot.Socket, query); err != nil {
		d.st.BadSend++
		d.retireFailed(idx)
		return
	}

	slot.TSSend = d.clk.Now()
	d.st.SendsOK++

	if err := d.react.RearmReadable(slot.Socket); err != nil {
		d.fatal = fmt.Errorf("failed to rearm socket for readable readiness: %w", err)
		return
	}
	if err := d.pool.Move(idx, xchg.Sent); err != nil {
		d.fatal = err
	}
}

func (d *Driver) handleRecv(idx int32) {
	slot := d.pool.Slot(idx)
	query := d.cfg.Template.PatchID(slot.ID)

	buf := make([]byte, recvBufSize)
	outcome, hdr, _, err := transport.RecvResponse(slot.Socket, buf, slot.ID, len(query))

	switch outcome {
	case transport.RecvTransient:
		d.st.RecvErrors++
	case transport.RecvFatal:
		d.fatal = fmt.Errorf("fatal receive error on slot %d: %w", idx, err)
	case transport.RecvShort:
		d.st.ShortReads++
		d.retireFailed(idx)
	case transport.RecvIDMismatch:
		d.st.IDMismatch++
		d.retireFailed(idx)
	case transport.RecvNotResponse:
		d.st.NotResponse++
		d.retireFailed(idx)
	case transport.RecvOK:
		rtt := d.clk.Now().Sub(slot.TSSend)
		d.st.ReportRTT(rtt, hdr.RCode)
		d.retireFailed(idx)
	}
}

// retireBadConnect, retireSentTimeout and retireFailed all perform the
// same close-then-release sequence; they are kept as distinct names at
// call sites so each disposition in spec.md §7's table reads clearly.
func (d *Driver) retireBadConnect(idx int32)  { d.retire(idx) }
func (d *Driver) retireSentTimeout(idx int32) { d.retire(idx) }
func (d *Driver) retireFailed(idx int32)      { d.retire(idx) }

func (d *Driver) retire(idx int32) {
	slot := d.pool.Slot(idx)
	d.react.Forget(slot.Socket)
	_ = transport.Close(slot.Socket)
	d.pool.Release(idx)
}
