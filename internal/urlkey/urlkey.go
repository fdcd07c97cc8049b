// Package urlkey derives the stable identities used by the policy stores from
// a page URL: the allow-list key, the domain, and the coarse behavioral
// fingerprint (path prefix and keywords) used for similarity matching.
package urlkey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when a URL cannot be parsed or lacks a scheme or host.
var ErrInvalidURL = errors.New("invalid url")

// stopWords are path tokens too generic to identify a kind of content.
var stopWords = map[string]bool{
	"watch":  true,
	"video":  true,
	"videos": true,
	"post":   true,
	"posts":  true,
	"feed":   true,
	"home":   true,
	"index":  true,
	"v":      true,
	"p":      true,
}

const minKeywordLen = 3

// Fingerprint is the coarse behavioral identity of a URL.
type Fingerprint struct {
	Domain     string
	PathPrefix string
	Keywords   []string
}

// Parse parses raw and requires an absolute URL with a host.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return u, nil
}

// Key returns origin + path + query. The fragment is ignored.
func Key(u *url.URL) string {
	var b strings.Builder
	b.WriteString(origin(u))
	b.WriteString(pathname(u))
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// Domain returns the lower-cased hostname with a leading "www." removed.
func Domain(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// PathPrefix returns "/" followed by the first two non-empty path segments.
func PathPrefix(u *url.URL) string {
	segs := segments(u)
	if len(segs) > 2 {
		segs = segs[:2]
	}
	return "/" + strings.Join(segs, "/")
}

// Keywords extracts deduplicated content tokens from the path segments, in
// first-seen order.
func Keywords(u *url.URL) []string {
	return keywordsFromSegments(segments(u))
}

// Of builds the full fingerprint of u.
func Of(u *url.URL) Fingerprint {
	return Fingerprint{
		Domain:     Domain(u),
		PathPrefix: PathPrefix(u),
		Keywords:   Keywords(u),
	}
}

func keywordsFromSegments(segs []string) []string {
	seen := make(map[string]bool)
	keywords := []string{}
	for _, seg := range segs {
		// Characters outside [a-z0-9-] act as token separators.
		cleaned := strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				return r
			default:
				return '-'
			}
		}, strings.ToLower(seg))
		for _, word := range strings.Split(cleaned, "-") {
			if len(word) < minKeywordLen || stopWords[word] || seen[word] {
				continue
			}
			seen[word] = true
			keywords = append(keywords, word)
		}
	}
	return keywords
}

func segments(u *url.URL) []string {
	var out []string
	for _, s := range strings.Split(pathname(u), "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

func pathname(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}
