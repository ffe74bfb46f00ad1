// Package humanfmt formats download sizes and rates for terminal output.
package humanfmt

import (
	"fmt"
	"time"
)

// iecUnits are the binary unit suffixes, smallest first.
var iecUnits = []string{"KiB", "MiB", "GiB", "TiB"}

// Bytes formats a byte count with IEC units, e.g. "12.40 MiB".
func Bytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	return scale(float64(b), "")
}

// Rate formats bytes transferred over d as a per-second rate, e.g.
// "3.20 MiB/s". A non-positive duration yields "n/a".
func Rate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	perSec := float64(bytes) / d.Seconds()
	if perSec < 1024 {
		return fmt.Sprintf("%.0f B/s", perSec)
	}
	return scale(perSec, "/s")
}

func scale(v float64, suffix string) string {
	unit := ""
	for _, u := range iecUnits {
		if v < 1024 {
			break
		}
		v /= 1024
		unit = u
	}
	return fmt.Sprintf("%.2f %s%s", v, unit, suffix)
}
