// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package qtemplate builds or loads the DNS query payload shared by every
// exchange in a run. Component C of spec.md §4.
package qtemplate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/miekg/dns"
)

// idOffset is where the 16-bit transaction ID lives in any DNS message,
// wire-format defined, not a detail this package invents.
const idOffset = 0

// minFileSize is NS_OFF_QUESTION+6 (12+6) from the original C tool: a
// header plus the smallest possible question section.
const minFileSize = 18

// MaxSize bounds both the built-in and file-provided template.
const MaxSize = 4096

// MinRandomOffset is the smallest random-offset the CLI accepts (-O), kept
// here so qtemplate.Load enforces the same bound the CLI documents.
const MinRandomOffset = 14

// Family chooses which question type the built-in template asks for.
type Family int

const (
	V4 Family = iota
	V6
)

// Options configures built-in template construction.
type Options struct {
	Family   Family
	EDNS0    bool
	NXDomain bool // query ixann.link. instead of icann.link.
}

// Template is an immutable query payload plus its metadata. It is safe for
// concurrent read-only use; PatchID never mutates the shared Bytes.
type Template struct {
	Bytes        []byte
	Length       int
	RandomOffset int // -1 if none was configured
}

// Build constructs the default query the way the original tool's
// build_template_query does: RD set, one question, optional EDNS0 OPT RR
// with the DO bit, and no content randomization (spec.md Non-goals).
func Build(opts Options) (*Template, error) {
	msg := new(dns.Msg)
	msg.Id = 0 // patched per exchange; the template's own ID is never sent
	msg.RecursionDesired = true

	name := "icann.link."
	if opts.NXDomain {
		name = "ixann.link."
	}
	qtype := dns.TypeA
	if opts.Family == V6 {
		qtype = dns.TypeAAAA
	}
	msg.Question = []dns.Question{{Name: name, Qtype: qtype, Qclass: dns.ClassINET}}

	if opts.EDNS0 {
		msg.SetEdns0(4096, true)
	}

	raw, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to build the query template: %w", err)
	}
	if len(raw) > MaxSize {
		return nil, fmt.Errorf("built-in template of %d bytes exceeds the %d byte limit", len(raw), MaxSize)
	}

	return &Template{Bytes: raw, Length: len(raw), RandomOffset: -1}, nil
}

// Load reads a hex-encoded query template from a file, following
// get_template_query in the original C tool: whitespace is discarded, the
// remaining hex digit count must be even, and the raw file size (before
// stripping) must fall within [minFileSize, MaxSize].
func Load(path string, randomOffset int) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, MaxSize+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	raw := buf[:n]

	if len(raw) < minFileSize {
		return nil, fmt.Errorf("template file %s is too small (%d bytes, minimum %d)", path, len(raw), minFileSize)
	}
	if len(raw) > MaxSize {
		return nil, fmt.Errorf("template file %s is too large (must be at most %d bytes)", path, MaxSize)
	}

	hexDigits := stripWhitespace(raw)
	if len(hexDigits)%2 != 0 {
		return nil, fmt.Errorf("template file %s has an odd number of hexadecimal digits", path)
	}

	decoded := make([]byte, len(hexDigits)/2)
	if _, err := hex.Decode(decoded, hexDigits); err != nil {
		return nil, fmt.Errorf("template file %s contains non-hexadecimal content: %w", path, err)
	}

	t := &Template{Bytes: decoded, Length: len(decoded), RandomOffset: -1}
	if randomOffset >= 0 {
		if randomOffset < MinRandomOffset || randomOffset > t.Length {
			return nil, fmt.Errorf("random offset %d must be at least %d and fall within the %d byte template", randomOffset, MinRandomOffset, t.Length)
		}
		t.RandomOffset = randomOffset
	}
	return t, nil
}

func stripWhitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if bytes.IndexByte([]byte(" \t\r\n\v\f"), c) >= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// PatchID returns a fresh copy of the template with the transaction ID
// overwritten at wire offset 0-1, ready to hand to the transport layer. A
// copy is required because every in-flight exchange needs its own ID in an
// otherwise shared, immutable buffer.
func (t *Template) PatchID(id uint16) []byte {
	out := make([]byte, t.Length)
	copy(out, t.Bytes)
	out[idOffset] = byte(id >> 8)
	out[idOffset+1] = byte(id)
	return out
}
