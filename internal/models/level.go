package models

import "strings"

// LogLevel represents the severity of a log event.
// The set is closed: values outside it fail validation.
type LogLevel string

const (
	// LevelDebug represents detailed debugging output
	LevelDebug LogLevel = "DEBUG"
	// LevelInfo represents informational messages
	LevelInfo LogLevel = "INFO"
	// LevelWarn represents warnings (short form)
	LevelWarn LogLevel = "WARN"
	// LevelWarning represents warnings (long form, kept for journal compatibility)
	LevelWarning LogLevel = "WARNING"
	// LevelError represents errors that did not stop the emitting service
	LevelError LogLevel = "ERROR"
	// LevelCritical represents critical failures
	LevelCritical LogLevel = "CRITICAL"
	// LevelFatal represents fatal failures
	LevelFatal LogLevel = "FATAL"
)

// validLevels is the closed enum accepted on ingest.
var validLevels = map[LogLevel]bool{
	LevelDebug:    true,
	LevelInfo:     true,
	LevelWarn:     true,
	LevelWarning:  true,
	LevelError:    true,
	LevelCritical: true,
	LevelFatal:    true,
}

// ParseLogLevel normalizes a level string to the closed enum.
// Matching is case-insensitive. An empty string defaults to INFO
// (shippers that omit the field get a sane default rather than a reject).
// Returns an error for any other value outside the enum.
func ParseLogLevel(s string) (LogLevel, error) {
	if s == "" {
		return LevelInfo, nil
	}
	level := LogLevel(strings.ToUpper(s))
	if !validLevels[level] {
		return "", NewValidationError("level %q is not one of DEBUG, INFO, WARN, WARNING, ERROR, CRITICAL, FATAL", s)
	}
	return level, nil
}

// Valid reports whether the level belongs to the closed enum.
func (l LogLevel) Valid() bool {
	return validLevels[l]
}

// String returns the level as a string.
func (l LogLevel) String() string {
	return string(l)
}
