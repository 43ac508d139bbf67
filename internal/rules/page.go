package rules

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var patternCache sync.Map // string -> *urlPattern

type urlPattern struct {
	host  *regexp.Regexp
	path  *regexp.Regexp
	query map[string]*regexp.Regexp
	hash  *regexp.Regexp
}

// MatchURL reports whether raw matches at least one include pattern (or
// there are none) and no exclude pattern.
//
// Patterns look like "/app/*", "*.example.com/settings/:tab" or
// "https://app.example.com/list?view=*#top". "*" matches any run of
// characters, ":name" matches one path segment, and a pattern without a host
// matches any host.
func MatchURL(raw string, includes, excludes []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	inc := len(includes) == 0
	for _, p := range includes {
		if matchPattern(u, p) {
			inc = true
			break
		}
	}
	if !inc {
		return false
	}
	for _, p := range excludes {
		if matchPattern(u, p) {
			return false
		}
	}
	return true
}

func matchPattern(u *url.URL, pattern string) bool {
	p := compilePattern(pattern)
	if p == nil {
		return false
	}
	if p.host != nil && !p.host.MatchString(u.Host) {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !p.path.MatchString(path) {
		return false
	}
	if len(p.query) > 0 {
		q := u.Query()
		for k, re := range p.query {
			if !q.Has(k) || !re.MatchString(q.Get(k)) {
				return false
			}
		}
	}
	if p.hash != nil && !p.hash.MatchString(u.Fragment) {
		return false
	}
	return true
}

func compilePattern(pattern string) *urlPattern {
	if v, ok := patternCache.Load(pattern); ok {
		return v.(*urlPattern)
	}
	p := parsePattern(pattern)
	if p != nil {
		patternCache.Store(pattern, p)
	}
	return p
}

func parsePattern(pattern string) *urlPattern {
	rest := strings.TrimSpace(pattern)
	if rest == "" {
		return nil
	}
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}

	var hashPat, queryPat string
	if i := strings.Index(rest, "#"); i >= 0 {
		rest, hashPat = rest[:i], rest[i+1:]
	}
	if i := strings.Index(rest, "?"); i >= 0 {
		rest, queryPat = rest[:i], rest[i+1:]
	}

	hostPat, pathPat := "", rest
	if !strings.HasPrefix(rest, "/") {
		if i := strings.Index(rest, "/"); i >= 0 {
			hostPat, pathPat = rest[:i], rest[i:]
		} else {
			hostPat, pathPat = rest, "/*"
		}
	}
	if pathPat == "" {
		pathPat = "/"
	}

	p := &urlPattern{path: globRegexp(pathPat, true)}
	if hostPat != "" && hostPat != "*" {
		p.host = globRegexp(hostPat, false)
	}
	if queryPat != "" {
		p.query = map[string]*regexp.Regexp{}
		for _, kv := range strings.Split(queryPat, "&") {
			k, v, _ := strings.Cut(kv, "=")
			if k == "" {
				continue
			}
			if v == "" {
				v = "*"
			}
			p.query[k] = globRegexp(v, false)
		}
	}
	if hashPat != "" {
		p.hash = globRegexp(hashPat, false)
	}
	return p
}

// globRegexp turns a glob into an anchored regexp. With segments set,
// ":name" placeholders match a single path segment.
func globRegexp(glob string, segments bool) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		switch {
		case ch == '*':
			b.WriteString(".*")
		case segments && ch == ':' && (i == 0 || glob[i-1] == '/'):
			j := i + 1
			for j < len(glob) && glob[j] != '/' {
				j++
			}
			b.WriteString("[^/]+")
			i = j - 1
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	if segments {
		b.WriteString("/?")
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// MatchTime reports whether now falls inside the configured window.
func MatchTime(now time.Time, d TimeData) bool {
	if d.Start != nil && now.Before(*d.Start) {
		return false
	}
	if d.End != nil && !now.Before(*d.End) {
		return false
	}
	if d.Daily != nil || len(d.Weekdays) > 0 {
		loc := time.UTC
		if d.Daily != nil && d.Daily.Location != "" {
			if l, err := time.LoadLocation(d.Daily.Location); err == nil {
				loc = l
			}
		}
		local := now.In(loc)
		if len(d.Weekdays) > 0 {
			found := false
			for _, wd := range d.Weekdays {
				if wd == local.Weekday() {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if d.Daily != nil {
			from, ok1 := parseClock(d.Daily.From)
			to, ok2 := parseClock(d.Daily.To)
			if !ok1 || !ok2 {
				return false
			}
			m := local.Hour()*60 + local.Minute()
			if from <= to {
				return m >= from && m < to
			}
			return m >= from || m < to
		}
	}
	return true
}

func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
