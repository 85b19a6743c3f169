package memguard

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// SampleRSS reads the resident set size of pid via the OS.
func SampleRSS(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory info for %d: %w", pid, err)
	}
	return info.RSS, nil
}
