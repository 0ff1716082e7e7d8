package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes a stable cache key from a normalized URL and the set
// of services that would run against it (spec.md §4.C): a SHA-256 hex
// digest of `normalizedURL || "|" || sortedServicesJoinedByComma`.
//
// Same URL + same enabled-service set always yields the same fingerprint,
// across processes and across time.
func Fingerprint(normalizedURL string, services []string) string {
	sorted := make([]string, len(services))
	copy(sorted, services)
	sort.Strings(sorted)

	data := normalizedURL + "|" + strings.Join(sorted, ",")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
