// Package source canonicalizes raw recipe-source URLs into a stable identity
// used for cache-key derivation and equality comparison.
package source

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// Query parameters that never carry source identity: generic tracking noise
// plus platform share/session markers (timestamps, share IDs, app markers).
var (
	trackingPrefixes = []string{"utm_"}
	trackingParams   = map[string]struct{}{
		"fbclid":   {},
		"gclid":    {},
		"ref":      {},
		"ref_src":  {},
		"si":       {},
		"feature":  {},
		"t":        {},
		"igsh":     {},
		"igshid":   {},
		"share_id": {},
		"_t":       {},
		"_r":       {},
		"app":      {},
	}

	// Hosts whose video identity lives entirely in the path; the query
	// string is dropped outright for these.
	querylessHosts = map[string]struct{}{
		"tiktok.com":    {},
		"instagram.com": {},
	}

	// Percent-encoded quote/comma artifacts left behind by double-encoded
	// copy-paste.
	encodedArtifacts = []string{"%22", "%27", "%2C", "%2c"}
)

// Normalizer derives canonical source identities and cache keys.
type Normalizer struct {
	hasher extraction.Hasher
}

// New constructs a Normalizer using the given hasher for key derivation.
func New(hasher extraction.Hasher) *Normalizer {
	return &Normalizer{hasher: hasher}
}

// Normalize standardizes a raw URL so that superficially different URLs for
// the same resource compare equal. It never fails: input that cannot be
// parsed as a URL degrades to a lowercased, trimmed copy.
func (n *Normalizer) Normalize(raw string) string {
	s := raw
	// Wrapping quotes and stray trailing punctuation interleave in pasted
	// text, so trim until stable.
	for {
		trimmed := strings.TrimSpace(s)
		trimmed = strings.Trim(trimmed, "\"'`")
		trimmed = strings.TrimRight(trimmed, ",;")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	for _, artifact := range encodedArtifacts {
		s = strings.ReplaceAll(s, artifact, "")
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(s)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	canonicalizePlatform(u)

	if _, ok := querylessHosts[u.Host]; ok {
		u.RawQuery = ""
	} else {
		u.RawQuery = stripTracking(u.Query()).Encode()
	}

	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// CacheKey returns the canonical form of raw and the fixed-length key derived
// from it.
func (n *Normalizer) CacheKey(raw string) (canonical string, key string, err error) {
	canonical = n.Normalize(raw)
	key, err = n.hasher.Hash([]byte(canonical))
	if err != nil {
		return "", "", fmt.Errorf("hash canonical source: %w", err)
	}
	return canonical, key, nil
}

// canonicalizePlatform rewrites known video-platform variants (short links,
// mobile hosts, shorts/embed paths) to their canonical watch form.
func canonicalizePlatform(u *url.URL) {
	switch u.Host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id != "" && !strings.Contains(id, "/") {
			u.Host = "youtube.com"
			u.Path = "/watch"
			q := u.Query()
			q.Set("v", id)
			u.RawQuery = q.Encode()
		}
	case "m.youtube.com":
		u.Host = "youtube.com"
	case "m.tiktok.com", "vm.tiktok.com", "vt.tiktok.com":
		u.Host = "tiktok.com"
	case "m.instagram.com":
		u.Host = "instagram.com"
	}

	if u.Host != "youtube.com" {
		return
	}
	for _, prefix := range []string{"/shorts/", "/embed/"} {
		rest, ok := strings.CutPrefix(u.Path, prefix)
		if !ok {
			continue
		}
		id := strings.Trim(rest, "/")
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		u.Path = "/watch"
		q := u.Query()
		q.Set("v", id)
		u.RawQuery = q.Encode()
		return
	}
}

func stripTracking(q url.Values) url.Values {
	for key := range q {
		lower := strings.ToLower(key)
		if _, ok := trackingParams[lower]; ok {
			q.Del(key)
			continue
		}
		for _, prefix := range trackingPrefixes {
			if strings.HasPrefix(lower, prefix) {
				q.Del(key)
				break
			}
		}
	}
	return q
}
