// Package sysinfo derives resource-dependent defaults from the host.
package sysinfo

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// concurrencyTiers maps (max RAM GB, max physical cores) to a safe number of
// concurrently driven accounts.
var concurrencyTiers = []struct {
	ramGB  int
	cores  int
	result int
}{
	{2, 2, 3},
	{3, 2, 5},
	{4, 4, 6},
	{6, 4, 8},
	{8, 6, 10},
	{10, 8, 12},
}

// DefaultMaxConcurrent estimates how many concurrent sessions the host can
// sustain, used when the max_concurrent setting is unset.
func DefaultMaxConcurrent() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 3
	}
	ramGB := int(float64(vm.Total)/(1<<30) + 0.5)

	cores, err := cpu.Counts(false)
	if err != nil || cores == 0 {
		cores, _ = cpu.Counts(true)
	}

	for _, t := range concurrencyTiers {
		if ramGB <= t.ramGB && cores <= t.cores {
			return t.result
		}
	}
	return 20
}
