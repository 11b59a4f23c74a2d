package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer creates store keys from requests.
// Keys are the method and the absolute URL without fragment; headers are never part of a key.
type CacheKeyer struct {
	// Origin that relative URLs are resolved against.
	Origin *url.URL
	// Name of the root document, e.g. "index.html".
	IndexDocument string
}

func NewCacheKeyer(origin *url.URL, indexDocument string) CacheKeyer {
	if indexDocument == "" {
		indexDocument = "index.html"
	}
	return CacheKeyer{
		Origin:        origin,
		IndexDocument: strings.TrimPrefix(indexDocument, "/"),
	}
}

// GetKey returns the store key for a request.
// Only GET requests have keys.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.URLKey(r.URL), nil
}

// URLKey returns the GET key for a possibly relative URL.
// The site root is an alias of the index document, so both share one key.
func (c CacheKeyer) URLKey(u *url.URL) string {
	abs := c.Resolve(u)
	if abs.Path == "" || abs.Path == "/" {
		if c.Origin == nil || abs.Host == c.Origin.Host {
			abs.Path = "/" + c.IndexDocument
		}
	}
	return http.MethodGet + methodSeparator + abs.String()
}

// RawKey returns the GET key for a raw URL string, e.g. a manifest entry.
func (c CacheKeyer) RawKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	return c.URLKey(u), nil
}

// DocumentKey returns the key of a same-origin document such as "index.html".
func (c CacheKeyer) DocumentKey(name string) string {
	return c.URLKey(&url.URL{Path: "/" + strings.TrimPrefix(name, "/")})
}

// IndexKey returns the key of the index document, which answers all root navigations.
func (c CacheKeyer) IndexKey() string {
	return c.DocumentKey(c.IndexDocument)
}

// Resolve makes the URL absolute against the origin and drops the fragment.
// Only scheme, host, path and query survive, so proxy-specific request fields never leak into keys.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	resolved := *u
	if c.Origin != nil && !u.IsAbs() {
		resolved = *c.Origin.ResolveReference(u)
	}
	return &url.URL{
		Scheme:   resolved.Scheme,
		Host:     resolved.Host,
		Path:     resolved.Path,
		RawPath:  resolved.RawPath,
		RawQuery: resolved.RawQuery,
	}
}

// GetURLFromKey recovers the absolute URL of a GET key.
func (c CacheKeyer) GetURLFromKey(key string) (*url.URL, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return url.Parse(rawURL)
}
