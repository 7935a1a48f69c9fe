// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caffix/stringset"

	"github.com/dns-loadgen/perfdns/config"
	"github.com/dns-loadgen/perfdns/endpoint"
)

// dropCap implements flag.Value for -D, which accepts either an absolute
// count ("-D 50") or a percentage of sends ("-D 5%").
type dropCap struct {
	absolute int
	percent  float64
	isPct    bool
	set      bool
}

func (d *dropCap) String() string {
	if !d.set {
		return ""
	}
	if d.isPct {
		return fmt.Sprintf("%g%%", d.percent)
	}
	return strconv.Itoa(d.absolute)
}

func (d *dropCap) Set(s string) error {
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid percentage drop cap %q: %w", s, err)
		}
		d.percent, d.isPct, d.set = v, true, true
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid drop cap %q: %w", s, err)
	}
	d.absolute, d.isPct, d.set = v, false, true
	return nil
}

// params is the raw, CLI-only surface (flags the engine itself has no use
// for: help/version text and the diagnostics selector); everything the
// engine needs is assembled into a config.Options, mirroring the split the
// teacher draws between cmd/resolve's params struct and the pool it hands
// off to.
type params struct {
	Help    bool
	Version bool

	Diagnostics *stringset.Set

	opts       config.Options
	family4    bool
	family6    bool
	drops      dropCap
	reportSecs float64
	periodSecs float64
	dropSecs   float64
}

// ObtainParams parses args the same way the teacher's cmd/resolve does:
// flag.ContinueOnError with output captured to a buffer, so -h and parse
// errors both produce usage text the caller can print without a second
// flag-set pass.
func ObtainParams(args []string) (*params, *bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	flags := flag.NewFlagSet("perfdns", flag.ContinueOnError)
	flags.SetOutput(buf)

	p := new(params)
	var selectors string

	flags.BoolVar(&p.Help, "h", false, "Print usage information")
	flags.BoolVar(&p.Version, "v", false, "Print version information")
	flags.BoolVar(&p.family4, "4", false, "Use IPv4 only")
	flags.BoolVar(&p.family6, "6", false, "Use IPv6 only")
	flags.BoolVar(&p.opts.EDNS0, "0", false, "Add an EDNS0 OPT record with the DO bit set")
	flags.BoolVar(&p.opts.NXDomain, "X", false, "Query a name expected to return NXDOMAIN")
	flags.IntVar(&p.opts.Rate, "r", config.DefaultRate, "Connections initiated per second")
	flags.Float64Var(&p.reportSecs, "t", 0, "Seconds between periodic reports")
	flags.IntVar(&p.opts.NumReq, "n", 0, "Stop after this many queries have been sent")
	flags.Float64Var(&p.periodSecs, "p", 0, "Stop after this many seconds")
	flags.Float64Var(&p.dropSecs, "d", config.DefaultDropTime.Seconds(), "Per-exchange drop time in seconds")
	flags.Var(&p.drops, "D", "Absolute (N) or percentage (N%) drop cap")
	flags.StringVar(&p.opts.Local, "l", "", "Local address to bind outgoing connections to")
	flags.IntVar(&p.opts.Preload, "P", 0, "Initial burst of connections issued before pacing begins")
	flags.IntVar(&p.opts.Aggressivity, "a", config.DefaultAggressivity, "Maximum connections initiated per tick")
	flags.IntVar(&p.opts.Capacity, "M", config.DefaultCapacity, "Exchange pool capacity (must exceed 1000)")
	flags.Int64Var(&p.opts.Seed, "s", 0, "PRNG seed")
	flags.StringVar(&p.opts.TemplateFile, "T", "", "Hex-encoded query template file")
	flags.IntVar(&p.opts.RandomOffset, "O", -1, "Random offset inside the template (>=14, <=length)")
	flags.StringVar(&selectors, "x", "", "Diagnostics: a=echo args, e=exit reason, i=rate instrumentation, T=template dump")

	if err := flags.Parse(args); err != nil {
		return nil, buf, err
	}
	if p.Help {
		flags.PrintDefaults()
		return p, buf, nil
	}
	if p.Version {
		return p, buf, nil
	}

	if p.family4 && p.family6 {
		return nil, nil, fmt.Errorf("-4 and -6 are mutually exclusive")
	}
	switch {
	case p.family4:
		p.opts.Family = endpoint.V4
	case p.family6:
		p.opts.Family = endpoint.V6
	default:
		p.opts.Family = endpoint.AutoFamily
	}

	if flags.NArg() != 1 {
		flags.PrintDefaults()
		return nil, buf, fmt.Errorf("exactly one server name or address is required")
	}
	p.opts.Server = flags.Arg(0)

	p.opts.Period = secondsToDuration(p.periodSecs)
	p.opts.DropTime = secondsToDuration(p.dropSecs)
	p.opts.ReportEvery = secondsToDuration(p.reportSecs)
	if p.drops.set && !p.drops.isPct {
		p.opts.MaxDrop = p.drops.absolute
	}
	if p.drops.set && p.drops.isPct {
		p.opts.MaxPDrop = p.drops.percent
	}
	p.opts.Selectors = selectors

	if err := p.opts.Validate(); err != nil {
		return nil, nil, err
	}

	p.Diagnostics = stringset.New()
	for _, r := range selectors {
		p.Diagnostics.Insert(string(r))
	}
	return p, nil, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
