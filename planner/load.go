package planner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const loadAvgPath = "/proc/loadavg"

// systemLoadAverage reads the 1-minute load average.
func systemLoadAverage() (float64, error) {
	data, err := os.ReadFile(loadAvgPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read load average: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected load average format: %q", string(data))
	}

	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse load average %q: %w", fields[0], err)
	}
	return load, nil
}
