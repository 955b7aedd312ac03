// Package size parses human byte sizes like "1.5MB", "100k", "500B",
// and the literal "unlimited".
package size

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseBytes converts a human size into a byte count. A nil result
// means unlimited. Units B/K/KB/KiB/M/MB/MiB/G/GB/GiB are accepted
// case-insensitively, with decimals.
func ParseBytes(s string) (*int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("size value cannot be empty")
	}

	lower := strings.ToLower(raw)
	if lower == "unlimited" {
		return nil, nil
	}

	numberEnd := 0
	for i, ch := range lower {
		if (ch >= '0' && ch <= '9') || ch == '.' {
			numberEnd = i + 1
		} else {
			break
		}
	}
	numberStr := strings.TrimSpace(lower[:numberEnd])
	if numberStr == "" {
		return nil, fmt.Errorf("invalid size value %q; expected a number like '1.5MB' or '100k'", raw)
	}

	unit := strings.TrimSpace(lower[numberEnd:])
	number, err := strconv.ParseFloat(numberStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size value %q; expected a number like '1.5MB'", raw)
	}
	if math.IsInf(number, 0) || math.IsNaN(number) || number < 0 {
		return nil, fmt.Errorf("invalid size value %q; size must be a positive number", raw)
	}

	var multiplier float64
	switch unit {
	case "", "b":
		multiplier = 1
	case "k", "kb", "kib":
		multiplier = 1024
	case "m", "mb", "mib":
		multiplier = 1024 * 1024
	case "g", "gb", "gib":
		multiplier = 1024 * 1024 * 1024
	default:
		return nil, fmt.Errorf("invalid size unit %q; use B, KB, MB, GB, or 'unlimited'", unit)
	}

	bytes := number * multiplier
	if bytes > math.MaxInt64 {
		return nil, fmt.Errorf("size value %q is too large", raw)
	}
	n := int64(math.Round(bytes))
	return &n, nil
}
