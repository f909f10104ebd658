package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var datedPathSuffix = regexp.MustCompile(`/(19|20)\d{2}/\d{2}/\d{2}/$`)

var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"mc_cid": {},
	"mc_eid": {},
}

// NormalizeURL standardizes an article URL so the same item seen on two pages
// dedupes to one key. It lowercases the scheme and host, drops a leading
// "www.", removes default ports, fragments and tracking parameters, and
// sorts what is left of the query. Trailing slashes are trimmed unless the path
// ends in a /YYYY/MM/DD/ segment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url: %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	switch {
	case u.Path == "":
		u.Path = "/"
	case u.Path != "/" && !datedPathSuffix.MatchString(u.Path):
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if _, ok := trackingParams[lower]; ok || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
