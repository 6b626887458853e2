// Package sampler collects periodic resource utilization samples and the
// one-shot hardware inventory reported on the first successful connection. github.com/shirou/
// gopsutil/v4 appears only as an indirect dependency across the teacher
// pack's go.mod files (pulled in transitively by the agents' hardware
// reporting paths); this package is the concrete, direct caller that
// promotes it, mirroring the kind of host-stat collection
// platform-manageability-agent and hardware-discovery-agent perform for
// their own inventory reports.
package sampler

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/open-edge-platform/cms-agent/internal/types"
)

// Sample gathers a point-in-time CPU, RAM, and disk utilization reading for
// the host's root filesystem.
func Sample(ctx context.Context) (types.StatusSample, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.StatusSample{}, fmt.Errorf("%s: sample cpu: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.StatusSample{}, fmt.Errorf("%s: sample memory: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return types.StatusSample{}, fmt.Errorf("%s: sample disk: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	var cpuAvg float64
	if len(cpuPct) > 0 {
		cpuAvg = cpuPct[0]
	}

	return types.StatusSample{
		CPUPct:  cpuAvg,
		RAMPct:  vm.UsedPercent,
		DiskPct: du.UsedPercent,
	}, nil
}

// Inventory gathers the one-shot hardware inventory submitted on the first
// successful connection.
func Inventory(ctx context.Context) (types.HardwareInventory, error) {
	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return types.HardwareInventory{}, fmt.Errorf("%s: collect cpu info: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.HardwareInventory{}, fmt.Errorf("%s: collect memory info: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return types.HardwareInventory{}, fmt.Errorf("%s: collect disk info: %w", types.ErrHardwareInfoCollectFailed, err)
	}

	cpuModel := "unknown"
	if len(cpuInfo) > 0 {
		cpuModel = cpuInfo[0].ModelName
	}

	return types.HardwareInventory{
		OS:             runtime.GOOS,
		CPU:            cpuModel,
		TotalRAMBytes:  vm.Total,
		TotalDiskBytes: du.Total,
	}, nil
}
