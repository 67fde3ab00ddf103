package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// epochMillisFloor separates epoch seconds from epoch milliseconds. Any
// value at or above it (year 5138 in seconds) is taken as milliseconds.
const epochMillisFloor = 1e11

// NormalizeTimestamp converts the timestamp representations the store
// backends surface into a UTC instant. Recorder databases hold float
// epoch seconds, the websocket API returns epoch milliseconds or RFC3339
// strings depending on server version. Comparing those raw forms against
// each other is how baselines go wrong, so every value passes through
// here first.
func NormalizeTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case float64:
		return epochToTime(t), nil
	case int64:
		return epochToTime(float64(t)), nil
	case int:
		return epochToTime(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing numeric timestamp %q: %w", t.String(), err)
		}
		return epochToTime(f), nil
	case string:
		return parseInstantString(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func epochToTime(f float64) time.Time {
	if f >= epochMillisFloor {
		f /= 1000
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func parseInstantString(s string) (time.Time, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(f), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
