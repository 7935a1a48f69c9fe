// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package config holds the validated set of run options the CLI builds
// from flags, kept separate from cmd/perfdns so the engine packages can be
// driven by anything that can populate an Options value (tests included).
package config

import (
	"fmt"
	"time"

	"github.com/dns-loadgen/perfdns/endpoint"
)

const (
	MinCapacity         = 1000
	DefaultRate         = 100
	DefaultAggressivity = 1
	DefaultDropTime     = time.Second
	DefaultCapacity     = 60000
)

// Options is the complete, CLI-independent description of one run.
type Options struct {
	Server string
	Local  string
	Family endpoint.Family

	EDNS0    bool
	NXDomain bool

	Rate         int
	Aggressivity int
	Preload      int

	NumReq   int
	Period   time.Duration
	DropTime time.Duration
	MaxDrop  int
	MaxPDrop float64

	Capacity int
	Seed     int64

	TemplateFile string
	RandomOffset int // -1 means unset

	ReportEvery time.Duration
	Selectors   string
}

// Validate rejects option combinations spec.md §7 treats as startup (exit
// code 2) errors: bad capacity, and any value a flag.Value parser could
// not already reject on its own.
func (o Options) Validate() error {
	if o.Server == "" {
		return fmt.Errorf("a server name or address is required")
	}
	if o.Capacity <= MinCapacity {
		return fmt.Errorf("pool capacity must exceed %d, got %d", MinCapacity, o.Capacity)
	}
	if o.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", o.Rate)
	}
	if o.Aggressivity <= 0 {
		return fmt.Errorf("aggressivity must be positive, got %d", o.Aggressivity)
	}
	if o.RandomOffset >= 0 && o.RandomOffset < 14 {
		return fmt.Errorf("random offset must be >= 14, got %d", o.RandomOffset)
	}
	if o.MaxPDrop < 0 || o.MaxPDrop > 100 {
		return fmt.Errorf("percentage drop cap must be within [0,100], got %g", o.MaxPDrop)
	}
	return nil
}
