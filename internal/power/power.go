// Package power converts a percentage of the host's CPU cores into a
// concrete worker count.
package power

import (
	"math"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Default is the share of cores used when the caller does not set one.
const Default = 70.0

// Resolve returns clamp(round(totalCores*percent/100), 1, totalCores).
// Out-of-range input is clamped, never rejected. NaN counts as zero and a
// non-positive core count as a single core.
func Resolve(percent float64, totalCores int) int {
	if totalCores < 1 {
		totalCores = 1
	}
	if math.IsNaN(percent) || percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	n := int(math.Round(float64(totalCores) * percent / 100))
	return max(1, min(n, totalCores))
}

// Cores reports the number of logical CPUs on the host.
func Cores() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
