// Package fingerprint derives deterministic identity fingerprints from raw
// lead payloads so repeated submissions of the same logical lead can be
// recognized regardless of field order, key casing, or unrelated fields.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Alias sets for the identity and audit fields. Matching is
// case-insensitive, so the cased variants seen in the wild (Email, EMAIL,
// Phone, ...) all resolve to the same field.
var (
	emailAliases  = []string{"email"}
	phoneAliases  = []string{"phone", "mobile", "tel"}
	sourceAliases = []string{"source", "origin", "channel"}
)

// Derive computes the identity fingerprint for a payload: SHA-256 over the
// normalized email concatenated with the normalized phone, hex encoded.
// Payloads with neither identity field return "" — hashing two empty
// strings would make every identity-less lead collide, so deduplication is
// disabled for them instead.
//
// Derive is pure: no I/O, no side effects, deterministic for any payload.
func Derive(payload map[string]any) string {
	email := extractString(payload, emailAliases)
	phone := extractString(payload, phoneAliases)

	if email == "" && phone == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(email + phone))
	return hex.EncodeToString(sum[:])
}

// ExtractSource pulls the submission source out of a payload for the audit
// trail. Defaults to "unknown" when no source-like field is present.
func ExtractSource(payload map[string]any) string {
	if s := extractString(payload, sourceAliases); s != "" {
		return s
	}
	return "unknown"
}

// extractString returns the first alias-matched value as a normalized
// string. Keys are matched case-insensitively; when several case variants
// of the same alias exist, the lexicographically smallest key wins so the
// result does not depend on map iteration order. Nil values are skipped,
// string values trimmed, everything else stringified.
func extractString(payload map[string]any, aliases []string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, alias := range aliases {
		for _, k := range keys {
			if !strings.EqualFold(k, alias) {
				continue
			}
			v := payload[k]
			if v == nil {
				continue
			}
			return stringify(v)
		}
	}
	return ""
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		// Preserve the source text of numeric values: identical
		// submissions hash identically without float round-tripping.
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
