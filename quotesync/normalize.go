// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

package quotesync

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is the business's fixed wall-clock timezone. Both stores'
// human users enter and read times in this zone, never UTC.
const DefaultTimezone = "America/Argentina/Buenos_Aires"

// Spreadsheet serial day 0 is 1899-12-30: two days before the nominal 1900
// epoch, inherited from the Lotus 1-2-3 leap-year bug.
var sheetEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// String layouts tried in order. Locale layouts (DD/MM/YYYY) come after the
// ISO ones so "2006-01-02" never parses as day-first.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// NormalizeInstant turns a value of unknown shape into a single comparable
// instant. It accepts time.Time, spreadsheet serial-day numbers, ISO-like
// strings, and locale strings ("29/09/2025 14:15:30") interpreted as
// wall-clock time in loc. Unparseable input yields the zero time, which sorts
// as oldest and therefore loses Last-Writer-Wins: unreadable remote
// timestamps are treated as stale rather than aborting a cycle.
//
// The function is pure and total: it never returns an error and never panics,
// and the same input always yields the same output.
func NormalizeInstant(v any, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t
	case float64:
		return serialToInstant(t, loc)
	case float32:
		return serialToInstant(float64(t), loc)
	case int:
		return serialToInstant(float64(t), loc)
	case int64:
		return serialToInstant(float64(t), loc)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return serialToInstant(f, loc)
		}
		return time.Time{}
	case string:
		return parseInstantString(t, loc)
	default:
		return time.Time{}
	}
}

func parseInstantString(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	// Spreadsheet cells sometimes arrive as the serial number rendered to text.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return serialToInstant(f, loc)
	}
	return time.Time{}
}

// serialToInstant converts a spreadsheet serial-day number (days since the
// sheet epoch, fraction = time of day) to a wall-clock instant in loc.
// Rounded to whole seconds: serial fractions carry float noise well below the
// one-second precision either store keeps.
func serialToInstant(days float64, loc *time.Location) time.Time {
	if days <= 0 || math.IsNaN(days) || math.IsInf(days, 0) {
		return time.Time{}
	}
	secs := int64(math.Round(days * 86400))
	t := sheetEpoch.Add(time.Duration(secs) * time.Second)
	// Reinterpret the wall-clock fields in the business timezone.
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}
