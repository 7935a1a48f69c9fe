// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package endpoint resolves the server name/address given on the command
// line into a single concrete socket address. spec.md lists this as an
// external collaborator: only its contract (one v4 or v6 address, port 53
// unless overridden) matters to the rest of the engine.
package endpoint

import (
	"fmt"
	"net"
)

// Family selects which address family the loader connects over.
type Family int

const (
	// AutoFamily accepts an address of either family; a host name that
	// resolves to more than one address is rejected as ambiguous.
	AutoFamily Family = iota
	V4
	V6
)

// Resolve looks up server (a literal IP or a host name) and returns exactly
// one socket address in the requested family. Under AutoFamily an ambiguous
// host name (more than one candidate address) is an error, as the original
// tool's unspecified-family getaddrinfo call rejects res->ai_next != NULL;
// under V4 or V6 the first matching address is used.
func Resolve(server string, family Family, port int) (*net.TCPAddr, error) {
	if host, p, err := net.SplitHostPort(server); err == nil {
		server = host
		if port == 0 {
			if n, perr := parsePort(p); perr == nil {
				port = n
			}
		}
	}
	if port == 0 {
		port = 53
	}

	if ip := net.ParseIP(server); ip != nil {
		if err := matchesFamily(ip, family); err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}

	ips, err := net.LookupIP(server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server %q: %w", server, err)
	}

	var candidates []net.IP
	for _, ip := range ips {
		if matchesFamily(ip, family) == nil {
			candidates = append(candidates, ip)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no addresses for %q match the requested IP family", server)
	}
	if len(candidates) > 1 && family == AutoFamily {
		return nil, fmt.Errorf("ambiguous server=%s: %d candidate addresses", server, len(candidates))
	}
	return &net.TCPAddr{IP: candidates[0], Port: port}, nil
}

func matchesFamily(ip net.IP, family Family) error {
	isV4 := ip.To4() != nil
	switch family {
	case V4:
		if !isV4 {
			return fmt.Errorf("address %s is not an IPv4 address", ip)
		}
	case V6:
		if isV4 {
			return fmt.Errorf("address %s is not an IPv6 address", ip)
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
