// Package privacy holds the redaction helpers used wherever subject data could
// reach a response, a log line or an audit record.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// visibleDigits is how many trailing contact digits survive masking.
const visibleDigits = 4

// maskedFallback is shown when no usable digits are known.
const maskedFallback = "XXXXXXXXXX"

// MaskContact redacts a phone number down to its last four digits, e.g.
// "9876546789" -> "XXXXXX6789". Input may already be partially masked by the
// upstream ("XXXXXX6789", "******6789"); masked positions are normalized to X.
// Fewer than four known digits yield a fully masked value.
func MaskContact(contact string) string {
	var b strings.Builder
	digits := 0
	for _, r := range contact {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == 'X' || r == 'x' || r == '*':
			b.WriteByte('X')
		}
	}
	normalized := b.String()
	if digits < visibleDigits || len(normalized) <= visibleDigits {
		return maskedFallback
	}
	tail := normalized[len(normalized)-visibleDigits:]
	if strings.ContainsRune(tail, 'X') {
		return maskedFallback
	}
	return strings.Repeat("X", len(normalized)-visibleDigits) + tail
}

// HashSubject returns the SHA-256 hex digest of a normalized subject id. It is
// the only form in which subject ids are indexed or audited.
func HashSubject(subjectID string) string {
	sum := sha256.Sum256([]byte(subjectID))
	return hex.EncodeToString(sum[:])
}
