package dedup

import (
	"net/url"
	"sort"
	"strings"
)

// volatileParams are query parameters that vary per request without changing
// the resource they address.
var volatileParams = map[string]struct{}{
	"timestamp": {},
	"ts":        {},
	"_t":        {},
	"time":      {},
	"rand":      {},
	"random":    {},
}

// NormalizeURL maps every alias of a resource to one canonical string:
// scheme and host lowercased, fragment dropped, volatile query parameters
// removed, remaining parameters sorted by key. normalize(normalize(u)) ==
// normalize(u).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false

	q := u.Query()
	for param := range q {
		if _, volatile := volatileParams[strings.ToLower(param)]; volatile {
			q.Del(param)
		}
	}
	u.RawQuery = encodeSorted(q)
	return u.String(), nil
}

// encodeSorted is url.Values.Encode with values inside a key also sorted,
// so parameter order never distinguishes two URLs.
func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		escapedKey := url.QueryEscape(k)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escapedKey)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
