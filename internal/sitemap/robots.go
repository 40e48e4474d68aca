package sitemap

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/temoto/robotstxt"
)

var sitemapDirective = regexp.MustCompile(`(?im)^\s*sitemap:\s*(\S+)`)

// robotsFile is the parsed robots.txt of the crawled host.
type robotsFile struct {
	sitemaps []string
	group    *robotstxt.Group
}

// parseRobots extracts Sitemap directives and the access group for userAgent.
// Unparseable files still yield their Sitemap lines.
func parseRobots(status int, body []byte, userAgent string) robotsFile {
	var out robotsFile
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return out
	}
	var candidates []string
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err == nil {
		candidates = data.Sitemaps
		out.group = data.FindGroup(userAgent)
	}
	if len(candidates) == 0 {
		for _, m := range sitemapDirective.FindAllSubmatch(body, -1) {
			candidates = append(candidates, string(m[1]))
		}
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !strings.HasPrefix(strings.ToLower(c), "http") {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out.sitemaps = append(out.sitemaps, c)
	}
	return out
}

// allowed reports whether robots permit fetching raw. A missing group allows everything.
func (r robotsFile) allowed(raw string) bool {
	if r.group == nil {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return r.group.Test(path)
}
