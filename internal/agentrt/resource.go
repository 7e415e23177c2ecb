package agentrt

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is a best-effort resource sample attached to Health.
// Agents are goroutines, not separate OS processes, so the current process
// is used as a proxy for all of them combined
// reporting is explicitly best-effort; it must never fail the call).
type ResourceUsage struct {
	ProcessCPUPercent float64
	ProcessRSSBytes   uint64
}

func sampleResourceUsage() (ResourceUsage, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ResourceUsage{}, err
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return ResourceUsage{}, err
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, err
	}

	return ResourceUsage{
		ProcessCPUPercent: cpuPercent,
		ProcessRSSBytes:   mem.RSS,
	}, nil
}
