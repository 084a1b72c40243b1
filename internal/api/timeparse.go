package api

import (
	"strconv"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// ParseTimestamp parses a timestamp query parameter, supporting both Unix
// seconds and human-readable dates ("2 hours ago", "yesterday", "March 3").
// fieldName is used for error messages (e.g., "start", "end").
func ParseTimestamp(value, fieldName string) (time.Time, error) {
	if value == "" {
		return time.Time{}, NewInvalidRequestError("%s timestamp is required", fieldName)
	}

	// Unix seconds first, for shipper compatibility.
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		if unix < 0 {
			return time.Time{}, NewInvalidRequestError("%s timestamp must be non-negative", fieldName)
		}
		return time.Unix(unix, 0).UTC(), nil
	}

	parser := dps.Parser{}
	cfg := &dps.Configuration{
		// CurrentPeriod makes bare month/day names resolve into the
		// current period, which matches how people phrase log queries.
		PreferredDateSource: dps.CurrentPeriod,
	}

	parsed, err := parser.Parse(cfg, value)
	if err != nil {
		return time.Time{}, NewInvalidRequestError("%s must be a Unix timestamp or human-readable date: %v", fieldName, err)
	}
	if parsed.IsZero() {
		return time.Time{}, NewInvalidRequestError("%s could not be parsed as a date: %s", fieldName, value)
	}
	return parsed.Time.UTC(), nil
}

// ParseOptionalTimestamp parses an optional timestamp parameter. Empty
// input returns the zero time (meaning "unbounded") without error.
func ParseOptionalTimestamp(value, fieldName string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return ParseTimestamp(value, fieldName)
}
