package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// unitSeconds maps the human duration units accepted on the wire protocol
// (§6: "1 minute", "1day") to their length in seconds. Only the units the
// upstream market-data API and the JSON-RPC front end actually accept are
// listed; anything else is a parse error.
var unitSeconds = map[string]int64{
	"second":  1,
	"seconds": 1,
	"sec":     1,
	"secs":    1,
	"minute":  60,
	"minutes": 60,
	"min":     60,
	"mins":    60,
	"hour":    3600,
	"hours":   3600,
	"hr":      3600,
	"hrs":     3600,
	"day":     86400,
	"days":    86400,
}

// ParseInterval parses a human duration such as "1 minute", "1day", "15
// mins" or "2 hours" into whole seconds. The numeric and unit components may
// be separated by any amount of whitespace or none at all.
func ParseInterval(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("interval: empty value")
	}

	i := 0
	for i < len(trimmed) && (unicode.IsDigit(rune(trimmed[i])) || trimmed[i] == '-' || trimmed[i] == '+') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("interval: %q has no leading numeric amount", s)
	}
	amount, err := strconv.ParseInt(trimmed[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("interval: %q: %w", s, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("interval: %q must be positive", s)
	}

	unit := strings.ToLower(strings.TrimSpace(trimmed[i:]))
	if unit == "" {
		return 0, fmt.Errorf("interval: %q has no unit", s)
	}
	perUnit, ok := unitSeconds[unit]
	if !ok {
		return 0, fmt.Errorf("interval: %q has unrecognised unit %q", s, unit)
	}
	return amount * perUnit, nil
}
