package hypervisor

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// DetectCPUFreqKHz reports the host CPU's nominal frequency in kHz for the
// platform info block of RawBootInfo. It reads /proc/cpuinfo's "cpu MHz"
// field as a best-effort fallback; cpuid-leaf based detection (the
// original implementation's preferred path) has no counterpart library in
// this repository's dependency set, so it is not attempted here. Returns 0
// if no frequency could be determined.
func DetectCPUFreqKHz() uint32 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		return uint32(mhz * 1000)
	}
	return 0
}
