// Package canonicaljson is the single library boundary for the kernel's
// deterministic hashing contract (spec §4.2): sanitise sensitive fields,
// canonicalise to RFC 8785 JSON, then SHA-256 hex-encode. Every function
// here is pure.
package canonicaljson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
)

const redacted = "[REDACTED]"

// sensitiveFields is the closed set from §4.2, matched case-insensitively
// against lowercased field names.
var sensitiveFields = map[string]bool{
	"authorization":   true,
	"cookie":          true,
	"x-api-key":       true,
	"api-key":         true,
	"apikey":          true,
	"api_key":         true,
	"token":           true,
	"access_token":    true,
	"refresh_token":   true,
	"client_secret":   true,
	"secret":          true,
	"password":        true,
	"passwd":          true,
	"pwd":             true,
	"private_key":     true,
	"privatekey":      true,
	"private-key":     true,
	"session_id":      true,
	"sessionid":       true,
	"session-id":      true,
	"auth_token":      true,
	"authtoken":       true,
	"auth-token":      true,
	"bearer":          true,
	"credentials":     true,
	"credential":      true,
}

// Sanitize walks v recursively, replacing the value of any object field
// whose lowercased name is in the sensitive set with the literal
// "[REDACTED]". Arrays recurse element-wise; scalars pass through.
func Sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveFields[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}

// Canonical serialises v to RFC 8785 canonical JSON: keys sorted
// recursively, array order preserved, undefined fields omitted (Go's
// encoding/json already does this via struct tags / nil maps), numbers
// normalised by jcs per the spec.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Hash sanitises then canonicalises v, then returns the lowercase hex
// SHA-256 of the result — the kernel's request_hash.
func Hash(v interface{}) (string, error) {
	sanitised := Sanitize(v)
	canon, err := Canonical(sanitised)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes already-canonical bytes directly, for callers that
// have computed the canonical form themselves (e.g. re-verifying a
// received request_hash).
func HashBytes(canon []byte) string {
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

const maxErrorMessageLen = 500
const truncationSuffix = "... [truncated]"

// secretLike matches apikey|token|bearer|password|authorization followed
// by `:` or `=` and a token of at least 6 characters, per §4.2.
var secretLike = regexp.MustCompile(`(?i)(apikey|token|bearer|password|authorization)\s*[:=]\s*(\S{6,})`)

// RedactErrorMessage applies the error-message redaction rule (§4.2):
// secret-looking substrings are replaced, then the result is truncated
// to 500 characters with a truncation suffix. Callers must pass only
// err.Error() — never the error value itself — so this function never
// sees stack traces or wrapped context beyond the message text.
func RedactErrorMessage(msg string) string {
	redactedMsg := secretLike.ReplaceAllString(msg, "$1=[REDACTED]")
	if len(redactedMsg) > maxErrorMessageLen {
		redactedMsg = redactedMsg[:maxErrorMessageLen-len(truncationSuffix)] + truncationSuffix
	}
	return redactedMsg
}
