package punish

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxDuration is the longest punishment a single timer may hold, in milliseconds.
const MaxDuration int64 = math.MaxInt32

// Indefinite marks durations and end times of punishments without a timer.
const Indefinite int64 = -1

const indefiniteText = "Indefinite."

var unitMillis = map[byte]struct {
	ms   int64
	name string
}{
	's': {ms: 1000, name: "second"},
	'm': {ms: 60_000, name: "minute"},
	'h': {ms: 3_600_000, name: "hour"},
	'd': {ms: 86_400_000, name: "day"},
}

// ParseDuration turns inputs like "5d", "17h", "30m" or "45s" into
// milliseconds and a readable form. Anything else is indefinite.
func ParseDuration(value string) (int64, string) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) < 2 {
		return Indefinite, indefiniteText
	}
	unit, ok := unitMillis[value[len(value)-1]]
	if !ok {
		return Indefinite, indefiniteText
	}
	magnitude, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
	if err != nil || magnitude <= 0 {
		return Indefinite, indefiniteText
	}

	text := fmt.Sprintf("%d %s", magnitude, unit.name)
	if magnitude != 1 {
		text += "s"
	}
	if magnitude > math.MaxInt64/unit.ms {
		return math.MaxInt64, text
	}
	return magnitude * unit.ms, text
}

// ValidateDuration rejects finite durations a timer cannot hold.
func ValidateDuration(ms int64) error {
	switch {
	case ms == Indefinite:
		return nil
	case ms <= 0:
		return fmt.Errorf("%w: %d ms", ErrInvalidDuration, ms)
	case ms > MaxDuration:
		return fmt.Errorf("%w: %d ms exceeds %d ms", ErrDurationTooLong, ms, MaxDuration)
	}
	return nil
}

// FormatDuration renders milliseconds in the largest whole unit.
func FormatDuration(ms int64) string {
	if ms <= 0 {
		return indefiniteText
	}
	d := time.Duration(ms) * time.Millisecond
	for _, unit := range []byte{'d', 'h', 'm', 's'} {
		u := unitMillis[unit]
		if ms%u.ms == 0 {
			n := ms / u.ms
			if n == 1 {
				return fmt.Sprintf("1 %s", u.name)
			}
			return fmt.Sprintf("%d %ss", n, u.name)
		}
	}
	return d.String()
}
