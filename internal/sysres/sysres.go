// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sysres probes the machine for CPU count, load average and free
// memory, and derives worker pool sizes and the concurrent transfer cap
// from them. A loaded or memory starved machine gets smaller pools.
package sysres

import (
	"log/slog"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
)

// Resources describes what the machine has to offer.
type Resources struct {
	CPUs         int
	Load1        float64
	MemFreeRatio float64
}

// Sizing is the derived concurrency configuration.
type Sizing struct {
	MsgWorkers    int
	FileWorkers   int
	MaxConcurrent int
}

const (
	msgPerCPU      = 3.0
	filePerCPU     = 1.5
	transferPerCPU = 2.0

	minMsgWorkers  = 5
	maxMsgWorkers  = 40
	minFileWorkers = 3
	maxFileWorkers = 20
	minTransfers   = 4
	maxTransfers   = 25
)

// Probe inspects the running system. Every probe has a conservative
// fallback so that Sizing is always computable: 4 CPUs, zero load, half
// the memory free.
func Probe() Resources {
	res := Resources{
		CPUs:         4,
		Load1:        0,
		MemFreeRatio: 0.5,
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		res.CPUs = n
	} else if err != nil {
		slog.Warn("Cannot determine CPU count, assuming 4", slogutil.Error(err))
	}

	if avg, err := load.Avg(); err == nil {
		res.Load1 = avg.Load1
	} else {
		slog.Debug("Cannot determine load average", slogutil.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		res.MemFreeRatio = float64(vm.Available) / float64(vm.Total)
	} else if err != nil {
		slog.Debug("Cannot determine memory usage", slogutil.Error(err))
	}

	return res
}

// Compute derives pool sizes from the probed resources.
//
// The effective CPU count is scaled down by up to half under load and
// adjusted between 0.5x and 1.5x for memory headroom, then multiplied by
// a per-pool factor and clamped.
func Compute(res Resources) Sizing {
	cpus := float64(res.CPUs)
	if cpus <= 0 {
		cpus = 1
	}

	loadFactor := clampf(1-res.Load1/cpus/2, 0.5, 1.0)
	memFactor := clampf(res.MemFreeRatio*2, 0.5, 1.5)
	effective := cpus * loadFactor * memFactor

	return Sizing{
		MsgWorkers:    clamp(int(effective*msgPerCPU), minMsgWorkers, maxMsgWorkers),
		FileWorkers:   clamp(int(effective*filePerCPU), minFileWorkers, maxFileWorkers),
		MaxConcurrent: clamp(int(effective*transferPerCPU), minTransfers, maxTransfers),
	}
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func clampf(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
