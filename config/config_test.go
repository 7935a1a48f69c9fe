// Copyright © by the perfdns authors.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package config

import "testing"

func TestOptionsValidate(t *testing.T) {
	base := func() Options {
		return Options{
			Server:       "resolver.example",
			Capacity:     DefaultCapacity,
			Rate:         DefaultRate,
			Aggressivity: DefaultAggressivity,
			RandomOffset: -1,
		}
	}

	cases := []struct {
		label string
		mut   func(o *Options)
		ok    bool
	}{
		{
			label: "defaults are valid",
			mut:   func(o *Options) {},
			ok:    true,
		}, {
			label: "missing server",
			mut:   func(o *Options) { o.Server = "" },
			ok:    false,
		}, {
			label: "capacity at the minimum boundary",
			mut:   func(o *Options) { o.Capacity = MinCapacity },
			ok:    false,
		}, {
			label: "zero rate",
			mut:   func(o *Options) { o.Rate = 0 },
			ok:    false,
		}, {
			label: "zero aggressivity",
			mut:   func(o *Options) { o.Aggressivity = 0 },
			ok:    false,
		}, {
			label: "random offset below the minimum",
			mut:   func(o *Options) { o.RandomOffset = 5 },
			ok:    false,
		}, {
			label: "random offset unset stays valid",
			mut:   func(o *Options) { o.RandomOffset = -1 },
			ok:    true,
		}, {
			label: "percentage drop cap out of range",
			mut:   func(o *Options) { o.MaxPDrop = 150 },
			ok:    false,
		}, {
			label: "percentage drop cap at the upper boundary",
			mut:   func(o *Options) { o.MaxPDrop = 100 },
			ok:    true,
		},
	}

	for _, c := range cases {
		f := func(t *testing.T) {
			o := base()
			c.mut(&o)

			if err := o.Validate(); (err == nil) != c.ok {
				t.Errorf("Got error: %v; expected ok=%v", err, c.ok)
			}
		}
		t.Run(c.label, f)
	}
}
