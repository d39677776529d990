package pagination

import (
	"net/url"
	"strconv"
	"strings"
)

// PageParam is the query parameter that selects a page.
const PageParam = "page"

// ParseLinks parses an RFC 8288 Link header into a rel -> URL map.
// Targets may contain commas; only commas after the closing '>' and
// outside quoted values separate links. Malformed segments are skipped.
func ParseLinks(header string) map[string]string {
	links := make(map[string]string)
	rest := header
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '>')
		if closing < 0 {
			break
		}
		target := rest[open+1 : open+closing]

		var params string
		params, rest = nextLinkParams(rest[open+closing+1:])

		for _, param := range strings.Split(params, ";")[1:] {
			name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(name) != "rel" {
				continue
			}
			// rel may hold several space separated relation types
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
				links[rel] = target
			}
		}
	}
	return links
}

// nextLinkParams splits s at the first comma outside a quoted string. The
// params part keeps its leading ';' (or is malformed and yields no rel).
func nextLinkParams(s string) (params, rest string) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				return strings.TrimSpace(s[:i]), s[i+1:]
			}
		}
	}
	return strings.TrimSpace(s), ""
}

// PageOf returns the page number carried by a link target, or 0.
func PageOf(target string) int {
	u, err := url.Parse(target)
	if err != nil {
		return 0
	}
	page, err := strconv.Atoi(u.Query().Get(PageParam))
	if err != nil || page < 1 {
		return 0
	}
	return page
}

// TotalPages derives the page count from the Link header of the response
// for page current. The last page carries no rel="last" link, so the
// count never drops below current.
func TotalPages(header string, current int) int {
	total := current
	if total < 1 {
		total = 1
	}
	if last := PageOf(ParseLinks(header)["last"]); last > total {
		total = last
	}
	return total
}
