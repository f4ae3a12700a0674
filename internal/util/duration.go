package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// ExtendedParseDuration parses a duration string that supports "d" for days
// and "w" for weeks in addition to the standard Go units.
func ExtendedParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return parseExtendedDuration(s)
}

func parseExtendedDuration(s string) (time.Duration, error) {
	var total time.Duration
	remaining := s

	for _, unit := range []struct {
		suffix     string
		multiplier time.Duration
	}{
		{"w", Week},
		{"d", Day},
	} {
		duration, newRemaining, err := extractUnit(remaining, unit.suffix, unit.multiplier)
		if err != nil {
			return 0, err
		}
		total += duration
		remaining = newRemaining
	}

	if remaining != "" {
		standard, err := time.ParseDuration(remaining)
		if err != nil {
			return 0, err
		}
		total += standard
	}

	return total, nil
}

func extractUnit(s, unit string, multiplier time.Duration) (time.Duration, string, error) {
	var total time.Duration
	remaining := s

	for {
		idx := strings.Index(remaining, unit)
		if idx == -1 {
			break
		}

		numStart := idx
		for numStart > 0 && isDigit(remaining[numStart-1]) {
			numStart--
		}
		if numStart == idx {
			return 0, "", fmt.Errorf("invalid duration format: missing number before %q", unit)
		}

		numStr := remaining[numStart:idx]
		num, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("invalid number %q before unit %q: %w", numStr, unit, err)
		}
		if num > int64(math.MaxInt64)/int64(multiplier) {
			return 0, "", fmt.Errorf("duration overflow: %d%s is too large", num, unit)
		}

		total += time.Duration(num) * multiplier
		remaining = remaining[:numStart] + remaining[idx+len(unit):]
	}

	return total, remaining, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
