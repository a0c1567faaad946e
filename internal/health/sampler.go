// Package health measures process memory and exposes recycle threshold checks.
package health

import (
	"bufio"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
)

// Sampler produces point-in-time memory snapshots. Implementations must
// never fail: when a figure is unavailable they report the best available
// approximation instead.
type Sampler interface {
	Sample() diag.MemorySnapshot
}

// RuntimeSampler reads Go runtime memory statistics and, where available,
// the resident set size from the OS.
type RuntimeSampler struct{}

// NewRuntimeSampler creates a RuntimeSampler.
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{}
}

// Sample returns the current process memory snapshot in MB.
func (RuntimeSampler) Sample() diag.MemorySnapshot {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	snap := diag.MemorySnapshot{
		HeapUsedMB:  ToMB(stats.HeapAlloc),
		HeapTotalMB: ToMB(stats.HeapSys),
		ExternalMB:  ToMB(stats.Sys - stats.HeapSys),
	}
	if rss, ok := residentSetBytes(); ok {
		snap.RSSMB = ToMB(rss)
	} else {
		// No OS-level figure; total runtime footprint is the closest stand-in.
		snap.RSSMB = ToMB(stats.Sys)
	}
	return snap
}

// residentSetBytes reads VmRSS from /proc/self/status. Only available on
// Linux; callers fall back when ok is false.
func residentSetBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close() //nolint:errcheck // read-only

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

// ToMB converts bytes to MB rounded to two decimals.
func ToMB(bytes uint64) float64 {
	return math.Round(float64(bytes)/(1024*1024)*100) / 100
}
