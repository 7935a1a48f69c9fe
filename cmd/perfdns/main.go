// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Command perfdns paces TCP/DNS connections at a configured rate and
// reports connection, send, and receive statistics. See SPEC_FULL.md for
// the full component design.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"

	"github.com/dns-loadgen/perfdns/config"
	"github.com/dns-loadgen/perfdns/driver"
	"github.com/dns-loadgen/perfdns/endpoint"
	"github.com/dns-loadgen/perfdns/qtemplate"
)

const version = "perfdns 0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	p, buf, err := ObtainParams(args)
	if err != nil {
		msg := err.Error()
		if buf != nil {
			msg = buf.String()
		}
		fmt.Fprintln(os.Stderr, msg)
		return 2
	}
	if p.Help {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] server\n%s\n", path.Base(os.Args[0]), buf.String())
		return 0
	}
	if p.Version {
		fmt.Fprintln(os.Stdout, version)
		return 0
	}
	defer p.Diagnostics.Close()

	if p.Diagnostics.Has("a") {
		fmt.Fprintln(os.Stderr, "args:", args)
	}

	addr, err := endpoint.Resolve(p.opts.Server, p.opts.Family, 53)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	var local *net.TCPAddr
	if p.opts.Local != "" {
		local, err = parseLocal(p.opts.Local)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	tmpl, err := buildTemplate(p.opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if p.Diagnostics.Has("T") {
		fmt.Fprintf(os.Stderr, "template (%d bytes): %x\n", tmpl.Length, tmpl.Bytes)
	}

	d, err := driver.New(driver.Config{
		Server:       addr,
		Local:        local,
		Template:     tmpl,
		Capacity:     p.opts.Capacity,
		Rate:         p.opts.Rate,
		Aggressivity: p.opts.Aggressivity,
		Preload:      p.opts.Preload,
		NumReq:       p.opts.NumReq,
		Period:       p.opts.Period,
		DropTime:     p.opts.DropTime,
		MaxDrop:      p.opts.MaxDrop,
		MaxPDrop:     p.opts.MaxPDrop,
		ReportEvery:  p.opts.ReportEvery,
		ReportWriter: os.Stdout,
		DiagWriter:   os.Stderr,
		Seed:         p.opts.Seed,
		Diagnostics:  p.Diagnostics,
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code, runErr := d.Run(ctx)
	if p.Diagnostics.Has("e") {
		fmt.Fprintf(os.Stderr, "exit reason: code=%d err=%v\n", code, runErr)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	}
	return int(code)
}

func parseLocal(addr string) (*net.TCPAddr, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid local bind address %q", addr)
	}
	return &net.TCPAddr{IP: ip}, nil
}

func buildTemplate(opts config.Options) (*qtemplate.Template, error) {
	if opts.TemplateFile != "" {
		return qtemplate.Load(opts.TemplateFile, opts.RandomOffset)
	}
	fam := qtemplate.V4
	if opts.Family == endpoint.V6 {
		fam = qtemplate.V6
	}
	return qtemplate.Build(qtemplate.Options{Family: fam, EDNS0: opts.EDNS0, NXDomain: opts.NXDomain})
}
