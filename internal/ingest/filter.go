package ingest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentic-research/harvault/internal/har"
)

// FilterOptions are the raw filter values from flags or config. All
// filters compose conjunctively.
type FilterOptions struct {
	Hosts    []string
	Methods  []string
	Statuses []int
	URLRegex []string
	From     string
	To       string
}

// Filters is the compiled form. Regexes compile once at build time;
// matching is pure.
type Filters struct {
	hosts       []string
	methods     []string
	statuses    []int
	regexes     []*regexp.Regexp
	from        *time.Time
	to          *time.Time
	toExclusive bool
}

// BuildFilters compiles filter options. Invalid regexes and dates are
// usage errors reported up front, before any parsing starts.
func BuildFilters(opts FilterOptions) (*Filters, error) {
	f := &Filters{
		statuses: opts.Statuses,
	}
	for _, h := range opts.Hosts {
		f.hosts = append(f.hosts, strings.ToLower(h))
	}
	for _, m := range opts.Methods {
		f.methods = append(f.methods, strings.ToUpper(m))
	}
	for _, expr := range opts.URLRegex {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid URL regex %q: %w", expr, err)
		}
		f.regexes = append(f.regexes, re)
	}
	if opts.From != "" {
		t, _, err := parseTimeBound(opts.From, false)
		if err != nil {
			return nil, err
		}
		f.from = &t
	}
	if opts.To != "" {
		t, exclusive, err := parseTimeBound(opts.To, true)
		if err != nil {
			return nil, err
		}
		f.to = &t
		f.toExclusive = exclusive
	}
	return f, nil
}

// Match reports whether the entry passes every configured filter. A
// non-match is a skip, never an error; the error return is reserved for
// an unparseable startedDateTime when a date window is active.
func (f *Filters) Match(e *har.Entry) (bool, error) {
	if len(f.hosts) > 0 {
		host := ""
		if u, err := url.Parse(e.Request.URL); err == nil {
			host = strings.ToLower(u.Hostname())
		}
		if !containsString(f.hosts, host) {
			return false, nil
		}
	}

	if len(f.methods) > 0 && !containsString(f.methods, strings.ToUpper(e.Request.Method)) {
		return false, nil
	}

	if len(f.statuses) > 0 {
		found := false
		for _, s := range f.statuses {
			if s == e.Response.Status {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if len(f.regexes) > 0 {
		found := false
		for _, re := range f.regexes {
			if re.MatchString(e.Request.URL) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if f.from != nil || f.to != nil {
		t, err := time.Parse(time.RFC3339, e.StartedDateTime)
		if err != nil {
			return false, fmt.Errorf("invalid entry time %q: %w", e.StartedDateTime, err)
		}
		t = t.UTC()
		if f.from != nil && t.Before(*f.from) {
			return false, nil
		}
		if f.to != nil {
			if f.toExclusive {
				if !t.Before(*f.to) {
					return false, nil
				}
			} else if t.After(*f.to) {
				return false, nil
			}
		}
	}

	return true, nil
}

// parseTimeBound accepts RFC3339 or a bare date. A bare date is taken
// as the inclusive whole day in UTC, so an end date becomes midnight of
// the next day, exclusive.
func parseTimeBound(s string, isEnd bool) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid time bound %q; use RFC3339 or YYYY-MM-DD", s)
	}
	if isEnd {
		return d.AddDate(0, 0, 1), true, nil
	}
	return d, false, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
