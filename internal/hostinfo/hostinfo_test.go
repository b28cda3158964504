package hostinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tanq16/fastdl/internal/utils"
)

func TestConcurrencyHint(t *testing.T) {
	const mib = 1024 * 1024
	tests := []struct {
		name     string
		cpus     int
		size     int64
		minChunk int64
		expected int
	}{
		{"two per cpu", 4, 1 << 30, 2 * mib, 8},
		{"small file", 8, 5 * mib, 2 * mib, 3},
		{"tiny file", 8, 10, 2 * mib, 1},
		{"unknown size", 4, -1, 2 * mib, 8},
		{"no min chunk", 4, 10, 0, 8},
		{"capped", 128, 1 << 40, 2 * mib, utils.MaxConnections},
		{"no cpu info", 0, 1 << 30, 2 * mib, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ConcurrencyHint(Info{CPUs: tt.cpus}, tt.size, tt.minChunk))
		})
	}
}

func TestMemoryBudget(t *testing.T) {
	assert.Equal(t, int64(1024), MemoryBudget(Info{AvailableMemory: 4096}))
	assert.Equal(t, int64(fallbackMemoryBudget), MemoryBudget(Info{}))
}

func TestInspectReportsCPUs(t *testing.T) {
	info := Inspect(context.Background())
	assert.GreaterOrEqual(t, info.CPUs, 1)
	if info.TotalMemory > 0 {
		assert.LessOrEqual(t, info.AvailableMemory, info.TotalMemory)
	}
}
