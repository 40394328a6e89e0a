package ledger

import (
	"regexp"
	"strconv"
	"time"
)

// LatestStateFor folds append history down to the current state of one
// alert. Entries must be ordered newest-first, as returned by RecentAlerts;
// because resolution is a re-append, the first match wins.
func LatestStateFor(id string, alerts []Alert) (Alert, bool) {
	for _, alert := range alerts {
		if alert.ID == id {
			return alert, true
		}
	}
	return Alert{}, false
}

var timeRangePattern = regexp.MustCompile(`^(\d+)([hms])$`)

const defaultTimeRange = 24 * time.Hour

// parseTimeRange parses a duration of the form <int>[h|m|s], defaulting to
// 24h when the input does not match.
func parseTimeRange(raw string) time.Duration {
	match := timeRangePattern.FindStringSubmatch(raw)
	if match == nil {
		return defaultTimeRange
	}

	value, err := strconv.Atoi(match[1])
	if err != nil {
		return defaultTimeRange
	}

	switch match[2] {
	case "h":
		return time.Duration(value) * time.Hour
	case "m":
		return time.Duration(value) * time.Minute
	case "s":
		return time.Duration(value) * time.Second
	default:
		return defaultTimeRange
	}
}

func parseFloatField(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntField(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// stringFields flattens the raw stream entry values into string pairs.
// go-redis hands back interface{} values; anything non-string is dropped.
func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for key, value := range values {
		if s, ok := value.(string); ok {
			fields[key] = s
		}
	}
	return fields
}
