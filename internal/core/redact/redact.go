// Package redact strips credentials from URLs before they reach logs, errors
// or the load log.
package redact

import (
	"errors"
	"net/url"
	"strings"
)

// URL drops userinfo, query and fragment. Unparsable input is cut the same way
// by hand so a malformed URL never echoes its secrets.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return cutRaw(raw)
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func cutRaw(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}

	scheme, rest := "", raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme, rest = raw[:i+3], raw[i+3:]
	}
	authority, path := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		authority = authority[i+1:]
	}
	return scheme + authority + path
}

// URLError rewrites the URL of every *url.Error in err's chain with URL.
// net/http and url.Parse both report the full request URL in that field.
func URLError(err error) error {
	for e := err; e != nil; {
		var ue *url.Error
		if !errors.As(e, &ue) {
			break
		}
		ue.URL = URL(ue.URL)
		e = ue.Err
	}
	return err
}
