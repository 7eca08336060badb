package githubapi

import (
	"net/http"
	"strings"
)

// ParseLinkHeader parses RFC 5988 Link header values into relation -> URL.
// A relation listing several names ("next last") maps each name to the URL.
// The first URL seen for a relation wins.
func ParseLinkHeader(values ...string) map[string]string {
	links := make(map[string]string)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}

			urlPart := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
				continue
			}
			target := urlPart[1 : len(urlPart)-1]

			for _, param := range segments[1:] {
				key, raw, found := strings.Cut(strings.TrimSpace(param), "=")
				if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(raw), `"`)) {
					rel = strings.ToLower(rel)
					if _, exists := links[rel]; !exists {
						links[rel] = target
					}
				}
			}
		}
	}
	return links
}

// NextLink returns the rel="next" URL of header, or "" when the collection is exhausted.
func NextLink(header http.Header) string {
	return ParseLinkHeader(header.Values("Link")...)["next"]
}
