package dsseserver

import (
	"log/slog"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// logHostStatus logs one snapshot of CPU, RAM, and disk usage for
// storageRoot's filesystem, the way an operator checks a box is healthy
// before trusting it with new connections. Grounded on the pack's NAS
// server system-metrics handler (same three gopsutil calls, same
// warn-and-continue-with-zero behavior on a failed reading).
func logHostStatus(logger *slog.Logger, storageRoot string) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		logger.Warn("host status: cpu.Percent failed", "error", err.Error())
	}
	cpuVal := 0.0
	if len(cpuPercent) > 0 {
		cpuVal = cpuPercent[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("host status: mem.VirtualMemory failed", "error", err.Error())
	}
	ramPercent := 0.0
	if vm != nil {
		ramPercent = vm.UsedPercent
	}

	diskStat, err := disk.Usage(storageRoot)
	if err != nil {
		logger.Warn("host status: disk.Usage failed", "path", storageRoot, "error", err.Error())
	}
	diskPercent := 0.0
	if diskStat != nil {
		diskPercent = diskStat.UsedPercent
	}

	logger.Info("host status",
		"cpu_percent", cpuVal,
		"ram_percent", ramPercent,
		"disk_percent", diskPercent,
		"storage_root", storageRoot)
}
