package transfer

import "fmt"

// ETA sentinels used by the transfer backend for "no estimate".
const (
	etaUnknown  = -1
	etaInfinite = 8640000
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count with binary prefixes and one decimal
// place, dividing by 1024 until the value fits the unit. Whole bytes are
// rendered without a decimal.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}

	return fmt.Sprintf("%.1f %s", value, byteUnits[unit])
}

// FormatSpeed renders a bytes-per-second rate.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}

// FormatETA renders a time-remaining estimate in seconds as the largest two
// non-zero units among hours, minutes and seconds. The backend's sentinel
// values map to "unknown" and zero maps to "done".
func FormatETA(seconds int64) string {
	if seconds == etaUnknown || seconds >= etaInfinite {
		return "unknown"
	}
	if seconds == 0 {
		return "done"
	}

	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	parts := make([]string, 0, 2)
	for _, u := range []struct {
		value int64
		tag   string
	}{{h, "h"}, {m, "m"}, {s, "s"}} {
		if u.value == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d%s", u.value, u.tag))
		if len(parts) == 2 {
			break
		}
	}

	if len(parts) == 2 {
		return parts[0] + " " + parts[1]
	}
	return parts[0]
}
