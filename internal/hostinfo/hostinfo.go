package hostinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/tanq16/fastdl/internal/utils"
)

// fallbackMemoryBudget is used when the host does not report available memory.
const fallbackMemoryBudget = 256 * 1024 * 1024

// Info is a snapshot of the resources relevant to sizing a download.
type Info struct {
	CPUs            int
	TotalMemory     uint64
	AvailableMemory uint64
}

// Inspect reads CPU and memory figures from the host. Missing figures fall
// back to runtime.NumCPU and zero memory.
func Inspect(ctx context.Context) Info {
	log := utils.GetLogger("hostinfo")
	info := Info{CPUs: runtime.NumCPU()}
	if cpus, err := cpu.CountsWithContext(ctx, true); err == nil && cpus > 0 {
		info.CPUs = cpus
	} else if err != nil {
		log.Debug().Err(err).Msg("CPU count unavailable, using runtime value")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	} else {
		log.Debug().Err(err).Msg("Memory statistics unavailable")
	}
	return info
}

// ConcurrencyHint suggests a connection count: two per logical CPU, no more
// than one per minChunk bytes of a known size, within [1, MaxConnections].
func ConcurrencyHint(info Info, size, minChunk int64) int {
	hint := max(info.CPUs, 1) * 2
	if size > 0 && minChunk > 0 {
		byChunk := (size + minChunk - 1) / minChunk
		if byChunk < int64(hint) {
			hint = int(byChunk)
		}
	}
	return min(max(hint, 1), utils.MaxConnections)
}

// MemoryBudget is how many bytes of chunk payloads may be held in memory at
// once: a quarter of available memory.
func MemoryBudget(info Info) int64 {
	if info.AvailableMemory == 0 {
		return fallbackMemoryBudget
	}
	return int64(info.AvailableMemory / 4)
}
