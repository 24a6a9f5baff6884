// Package fingerprint turns captured failure text into a stable identity
// used for duplicate suppression. Known secrets are stripped before hashing
// so they never reach the persisted record or the external fix service, and
// so the digest does not vary with credential rotation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const redacted = "[redacted]"

// urlCredentials matches user:password@ material embedded in remote URLs,
// the way git echoes authenticated remotes back in error output.
var urlCredentials = regexp.MustCompile(`(?i)(https?://)[^/@\s]+:[^/@\s]+@`)

// Sanitize removes the provided secret values and any URL-embedded
// credentials from text. Empty and very short secrets are ignored so a
// misconfigured blank token cannot redact the whole message.
func Sanitize(text string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, secret, redacted)
	}
	return urlCredentials.ReplaceAllString(text, "${1}"+redacted+"@")
}

// Sum returns the hex-encoded SHA-256 digest of sanitized failure text.
// The caller is expected to have sanitized the input; Sum itself adds no
// per-run metadata, keeping the identity a pure function of content.
func Sum(text string) string {
	digest := sha256.Sum256([]byte(text))
	return hex.EncodeToString(digest[:])
}
