package utils

import "fmt"

// ByteCountSI formats a byte count in SI units, e.g. 1500 -> "1.5 kB".
func ByteCountSI(b int) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	value, suffixes := float64(b), "kMGTPE"
	i := 0
	for value >= unit*unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.1f %cB", value/unit, suffixes[i])
}
