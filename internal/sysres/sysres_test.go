// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sysres

import "testing"

var computeCases = []struct {
	name string
	res  Resources
	want Sizing
}{
	{
		// 4 CPUs, idle, half memory free: effective = 4*1.0*1.0 = 4
		name: "idle",
		res:  Resources{CPUs: 4, Load1: 0, MemFreeRatio: 0.5},
		want: Sizing{MsgWorkers: 12, FileWorkers: 6, MaxConcurrent: 8},
	},
	{
		// Heavy load halves the effective count, floor on memory factor:
		// effective = 4*0.5*0.5 = 1 -> all floors
		name: "thrashing",
		res:  Resources{CPUs: 4, Load1: 100, MemFreeRatio: 0},
		want: Sizing{MsgWorkers: 5, FileWorkers: 3, MaxConcurrent: 4},
	},
	{
		// Big idle box hits every ceiling: effective = 32*1.0*1.5 = 48
		name: "large",
		res:  Resources{CPUs: 32, Load1: 0, MemFreeRatio: 1},
		want: Sizing{MsgWorkers: 40, FileWorkers: 20, MaxConcurrent: 25},
	},
	{
		// effective = 8 * (1 - 8/8/2) * 1.0 = 8 * 0.5 = 4... load equal
		// to the CPU count scales by 0.5.
		name: "loaded",
		res:  Resources{CPUs: 8, Load1: 8, MemFreeRatio: 0.5},
		want: Sizing{MsgWorkers: 12, FileWorkers: 6, MaxConcurrent: 8},
	},
	{
		// Nonsense input still produces a usable sizing.
		name: "zero",
		res:  Resources{},
		want: Sizing{MsgWorkers: 5, FileWorkers: 3, MaxConcurrent: 4},
	},
}

func TestCompute(t *testing.T) {
	for _, tc := range computeCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.res)
			if got != tc.want {
				t.Errorf("Compute(%+v) == %+v, expected %+v", tc.res, got, tc.want)
			}
		})
	}
}

func TestComputeWithinBounds(t *testing.T) {
	for cpus := 0; cpus <= 64; cpus += 8 {
		for _, load1 := range []float64{0, 1, 16, 1000} {
			for _, free := range []float64{0, 0.25, 0.5, 1} {
				s := Compute(Resources{CPUs: cpus, Load1: load1, MemFreeRatio: free})
				if s.MsgWorkers < minMsgWorkers || s.MsgWorkers > maxMsgWorkers {
					t.Fatalf("MsgWorkers %d out of bounds", s.MsgWorkers)
				}
				if s.FileWorkers < minFileWorkers || s.FileWorkers > maxFileWorkers {
					t.Fatalf("FileWorkers %d out of bounds", s.FileWorkers)
				}
				if s.MaxConcurrent < minTransfers || s.MaxConcurrent > maxTransfers {
					t.Fatalf("MaxConcurrent %d out of bounds", s.MaxConcurrent)
				}
			}
		}
	}
}

func TestProbeNeverFails(t *testing.T) {
	res := Probe()
	if res.CPUs <= 0 {
		t.Error("Probe returned a nonsensical CPU count")
	}
	if res.MemFreeRatio < 0 || res.MemFreeRatio > 1 {
		t.Error("Probe returned a nonsensical memory ratio")
	}
}
