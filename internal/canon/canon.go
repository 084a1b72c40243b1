// Package canon normalizes raw log messages into canonical templates by
// replacing high-entropy tokens (PIDs, IPs, timestamps, UUIDs, durations)
// with typed placeholders. Canonicalization is deterministic and versioned:
// a rule change requires a new version string, and templates remain valid
// and searchable under the version that produced them.
//
// Pure functions only. No I/O, no store access.
package canon

import (
	"regexp"
	"strings"
)

// Version is the current canonicalization ruleset version. Bump it when
// rules or their ordering change; old versions stay callable so backfill
// can target them.
const Version = "v1"

// V1 rules, applied in order. Specific patterns run before generic ones so
// that structured prefixes keep their skeleton instead of dissolving into
// generic placeholders.
var (
	// 1. UFW firewall block fields
	ufwMAC = regexp.MustCompile(`\bMAC=([0-9a-fA-F]{2}:){5,}[0-9a-fA-F]{2}\b`)
	ufwSRC = regexp.MustCompile(`\bSRC=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ufwDST = regexp.MustCompile(`\bDST=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ufwSPT = regexp.MustCompile(`\bSPT=\d+\b`)
	ufwDPT = regexp.MustCompile(`\bDPT=\d+\b`)
	ufwLEN = regexp.MustCompile(`\bLEN=\d+\b`)
	ufwID  = regexp.MustCompile(`\bID=\d+\b`)
	ufwTTL = regexp.MustCompile(`\bTTL=\d+\b`)

	// 2. Structured key-value logs (Loki style)
	kvTS       = regexp.MustCompile(`\bts=\S+`)
	kvCaller   = regexp.MustCompile(`\bcaller=(\w+\.go):\d+`)
	kvDuration = regexp.MustCompile(`\bduration=\S+`)

	// 3. Shipper batch progress
	batchSending = regexp.MustCompile(`\[BATCH\] Sending \d+`)

	// 4. PAM sessions
	pamUser = regexp.MustCompile(`\bfor user \S+`)

	// 5. Cron command lines
	cronCmd = regexp.MustCompile(`\((\w+)\) CMD \((.+?)\)`)

	// 6. Gin access lines and model-runtime durations
	ginLine = regexp.MustCompile(
		`\[GIN\]\s*\d{4}/\d{2}/\d{2}\s*-\s*\d{2}:\d{2}:\d{2}\s*\|\s*(\d+)\s*\|\s*[\d.]+[^|]*\|\s*\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	runtimeDuration = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h|us|ns)\b`)

	// 7. API access prefixes (ISO-ish timestamp at start of line)
	apiPrefixTS = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[.\d]*[Z]?\s*`)

	// 8. Shipper PID wrapper
	shipperPID = regexp.MustCompile(`\[\s*\d+\]`)

	// 9. Generic patterns (broadest, applied last)
	isoTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.\d]*)([+-]\d{2}:?\d{2}|Z)?`)
	uuidPattern  = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	longHex      = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	ipv4Pattern  = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ipv6Pattern  = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	macAddr      = regexp.MustCompile(`\b([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}\b`)
	pidField     = regexp.MustCompile(`\bpid=\d+\b`)
	durGeneric   = regexp.MustCompile(`\b\d+(\.\d+)?\s*(ms|s|m|h|us|ns|seconds|minutes|hours)\b`)
	largeNumber  = regexp.MustCompile(`\b\d{4,}\b`)

	// 10. Path hygiene: user-scoped home directories
	homeDir = regexp.MustCompile(`/home/[^/\s]+`)

	// 11. Whitespace: control characters (CR/LF, NULs, tabs) become
	// spaces, runs collapse to one
	controlChars = regexp.MustCompile(`[[:cntrl:]]`)
	multiSpace   = regexp.MustCompile(`  +`)
)

// Canonicalize applies the current-version rules to a raw log message and
// returns its canonical form. Idempotent: applying it to its own output
// yields the same string.
func Canonicalize(text string) string {
	// 1. UFW block fields (specific key=value patterns)
	text = ufwMAC.ReplaceAllString(text, "MAC=<MAC>")
	text = ufwSRC.ReplaceAllString(text, "SRC=<IPV4>")
	text = ufwDST.ReplaceAllString(text, "DST=<IPV4>")
	text = ufwSPT.ReplaceAllString(text, "SPT=<PORT>")
	text = ufwDPT.ReplaceAllString(text, "DPT=<PORT>")
	text = ufwLEN.ReplaceAllString(text, "LEN=<N>")
	text = ufwID.ReplaceAllString(text, "ID=<N>")
	text = ufwTTL.ReplaceAllString(text, "TTL=<N>")

	// 2. Structured key-value logs
	text = kvTS.ReplaceAllString(text, "ts=<TS>")
	text = kvCaller.ReplaceAllString(text, "caller=${1}:<LINE>")
	text = kvDuration.ReplaceAllString(text, "duration=<DUR>")

	// 3. Batch progress
	text = batchSending.ReplaceAllString(text, "[BATCH] Sending <N>")

	// 4. PAM sessions
	text = pamUser.ReplaceAllString(text, "for user <USER>")

	// 5. Cron
	text = cronCmd.ReplaceAllString(text, "(<USER>) CMD (<CMD>)")

	// 6. Gin access lines, then remaining runtime durations
	text = ginLine.ReplaceAllString(text, "[GIN] <TS> | ${1} | <DUR> | <IPV4>")
	text = runtimeDuration.ReplaceAllString(text, "<DUR>")

	// 7. API access prefix timestamps
	text = apiPrefixTS.ReplaceAllString(text, "<TS> ")

	// 8. Shipper PID wrapper
	text = shipperPID.ReplaceAllString(text, "[<PID>]")

	// 9. Generic patterns (broadest)
	text = isoTimestamp.ReplaceAllString(text, "<TS>")
	text = uuidPattern.ReplaceAllString(text, "<UUID>")
	text = longHex.ReplaceAllString(text, "<HEX>")
	text = ipv4Pattern.ReplaceAllString(text, "<IPV4>")
	text = macAddr.ReplaceAllString(text, "<MAC>")
	text = ipv6Pattern.ReplaceAllString(text, "<IPV6>")
	text = pidField.ReplaceAllString(text, "pid=<PID>")
	text = durGeneric.ReplaceAllString(text, "<DUR>")
	text = largeNumber.ReplaceAllString(text, "<N>")

	// 10. Path hygiene
	text = homeDir.ReplaceAllString(text, "/home/<USER>")

	// 11. Normalize whitespace: raw messages keep their CR/LF and NULs,
	// canonical text does not
	text = controlChars.ReplaceAllString(text, " ")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CanonicalizeAt applies the rules for an explicit version. Only the
// current version is implemented; requesting any other version is an
// error so callers cannot silently mix rule generations.
func CanonicalizeAt(text, version string) (string, error) {
	if version == Version {
		return Canonicalize(text), nil
	}
	return "", &UnknownVersionError{Version: version}
}

// UnknownVersionError is returned when a caller requests a
// canonicalization version this build does not implement.
type UnknownVersionError struct {
	Version string
}

func (e *UnknownVersionError) Error() string {
	return "unknown canonicalization version: " + e.Version
}
