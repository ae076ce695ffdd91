// Package sanitize scrubs merchant-provided strings (order ids, metadata,
// redirect URLs) before they are stored, since dashboards render them.
// bluemonday strips markup; on top of that, dangerous URL schemes and
// inline event-handler fragments are removed repeatedly until the input
// stops changing, so nested malformed tags cannot reassemble.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.StrictPolicy()

	schemeRe  = regexp.MustCompile(`(?i)(javascript|data)\s*:`)
	onEventRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// Clean returns s with all tags stripped, javascript:/data: schemes removed
// case-insensitively, and on* event attributes removed, applied to a
// fixpoint.
func Clean(s string) string {
	for {
		next := policy.Sanitize(s)
		next = schemeRe.ReplaceAllString(next, "")
		next = onEventRe.ReplaceAllString(next, "")
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
}

// CleanMap sanitizes metadata values in place-copy. Keys are sanitized too;
// entries whose key collapses to empty are dropped.
func CleanMap(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		ck := Clean(k)
		if ck == "" {
			continue
		}
		out[ck] = Clean(v)
	}
	return out
}

// CleanURL sanitizes a redirect URL: scrubbed like any string, and only
// http/https schemes survive.
func CleanURL(s string) string {
	s = Clean(s)
	lower := strings.ToLower(strings.TrimSpace(s))
	if s == "" || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return s
	}
	return ""
}
