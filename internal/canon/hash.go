package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TimestampLayout pins the timestamp serialization used inside event
// fingerprints: UTC RFC 3339 with exactly six fractional digits. Changing
// it would silently re-key every stored event, so it never changes.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// fingerprintLen is the hex length of both fingerprints (128 bits).
const fingerprintLen = 32

// EventHash computes the 128-bit dedup fingerprint of a raw event over
// (timestamp, host, service, message). Duplicate submissions of the same
// record always produce the same hash.
func EventHash(ts time.Time, host, service, message string) string {
	content := ts.UTC().Format(TimestampLayout) + "|" + host + "|" + service + "|" + message
	return truncatedSHA256(content)
}

// TemplateHash computes the 128-bit identity fingerprint of a template
// over (service, level, canon_version, canonical_text). The version
// participates so a ruleset bump mints new template rows instead of
// colliding with old ones.
func TemplateHash(service, level, version, canonicalText string) string {
	content := service + "|" + level + "|" + version + "|" + canonicalText
	return truncatedSHA256(content)
}

// TemplateKey canonicalizes a raw message and fingerprints it in one
// call. Returns (canonical_text, template_hash) at the current Version.
func TemplateKey(message, service, level string) (string, string) {
	canonical := Canonicalize(message)
	return canonical, TemplateHash(service, level, Version, canonical)
}

func truncatedSHA256(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
