// Package urlnorm canonicalizes submitted URLs and derives cache
// fingerprints from them (spec component C). All functions here are pure:
// no I/O, no global state.
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

// Options controls normalization behavior, sourced from configuration.
type Options struct {
	ForceHTTPS  bool
	StripParams bool
}

// trackingParamNames, together with the "utm_" prefix checked in
// isTrackingParam, defines the exact set of tracking query parameters
// stripped during normalization (spec.md §4.C).
var trackingParamNames = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_eid": true,
	"_ga":    true,
	"ref":    true,
}

func isTrackingParam(key string) bool {
	if trackingParamNames[key] {
		return true
	}
	return strings.HasPrefix(key, "utm_")
}

// Normalize canonicalizes a submitted URL per spec.md §4.C:
//   - lowercase host
//   - strip default ports
//   - drop the fragment
//   - remove tracking query parameters
//   - lexicographically sort remaining query parameters
//   - coerce scheme to https unless disabled
//   - collapse trailing slashes except on root
//
// Normalize is idempotent and equivalence-preserving: two inputs a user
// would consider "the same page" map to one output.
func Normalize(raw string, opts Options) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	// Strip the default port of the scheme as submitted, before any
	// coercion to https.
	u.Host = strings.ToLower(u.Host)
	u.Host = stripDefaultPort(u.Host, strings.ToLower(u.Scheme))

	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if opts.ForceHTTPS && u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)

	u.Fragment = ""
	u.RawFragment = ""

	if opts.StripParams {
		q := u.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		u.RawQuery = sortedQuery(q)
	} else {
		u.RawQuery = sortedQuery(u.Query())
	}

	u.Path = collapseTrailingSlash(u.Path)

	return u.String(), nil
}

// stripDefaultPort removes ":80" for http and ":443" for https.
func stripDefaultPort(host, scheme string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

// sortedQuery re-encodes query values with keys in lexicographic order so
// that two URLs differing only in parameter order normalize identically.
func sortedQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		values := q[k]
		sort.Strings(values)
		for j, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			_ = i
			_ = j
		}
	}
	return b.String()
}

// collapseTrailingSlash removes all trailing slashes unless the path is
// the root ("/" or empty); a path made only of slashes becomes "/".
func collapseTrailingSlash(path string) string {
	if path == "" || path == "/" {
		return path
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
