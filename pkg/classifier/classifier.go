package classifier

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Kind is the caching policy assigned to an intercepted request.
type Kind int

const (
	// Generic requests are looked up by their literal key and cached when same-origin and successful.
	Generic Kind = iota
	// NeverCache requests go straight to the network without touching the store.
	NeverCache
	// NavigationRoot requests are answered with the index document.
	NavigationRoot
	// SpecialPage requests are answered with their own document and have a custom offline page.
	SpecialPage
)

func (k Kind) String() string {
	switch k {
	case NeverCache:
		return "never-cache"
	case NavigationRoot:
		return "navigation-root"
	case SpecialPage:
		return "special-page"
	default:
		return "generic"
	}
}

// Verdict is produced fresh for every request and never persisted.
type Verdict struct {
	Kind Kind
	// Page is the special page name, set only for SpecialPage verdicts.
	Page string
}

func (v Verdict) String() string {
	if v.Kind == SpecialPage {
		return v.Kind.String() + "(" + v.Page + ")"
	}
	return v.Kind.String()
}

// Descriptor holds the only request attributes the classifier looks at.
type Descriptor struct {
	Method string
	URL    *url.URL
	// Mode is the fetch mode, "navigate" for top-level navigations.
	Mode   string
	Accept string
}

// FromRequest builds a descriptor from an incoming request.
// Browsers send the fetch mode in the Sec-Fetch-Mode header.
func FromRequest(r *http.Request) Descriptor {
	return Descriptor{
		Method: r.Method,
		URL:    r.URL,
		Mode:   r.Header.Get("Sec-Fetch-Mode"),
		Accept: r.Header.Get("Accept"),
	}
}

type Classifier struct {
	// DenyList holds substring patterns matched case-sensitively against the full URL.
	DenyList []string
	// SpecialPages holds page names (e.g. "historial.html") with their own offline fallback.
	SpecialPages []string
	// IndexDocument is the root document name, "index.html" if empty.
	IndexDocument string
}

// Classify assigns a verdict to the request. Rules are evaluated in order, first match wins.
func (c Classifier) Classify(d Descriptor) Verdict {
	if d.Method != http.MethodGet {
		return Verdict{Kind: NeverCache}
	}
	u := d.URL
	if u == nil {
		u = &url.URL{Path: "/"}
	}
	if c.Denied(u.String()) {
		return Verdict{Kind: NeverCache}
	}
	if page, ok := c.specialPage(u.Path); ok {
		return Verdict{Kind: SpecialPage, Page: page}
	}
	if isNavigation(d) && IsRootPath(u.Path, c.indexDocument()) {
		return Verdict{Kind: NavigationRoot}
	}
	return Verdict{Kind: Generic}
}

// Denied reports whether the URL matches any deny list pattern.
func (c Classifier) Denied(rawURL string) bool {
	for _, pattern := range c.DenyList {
		if pattern != "" && strings.Contains(rawURL, pattern) {
			return true
		}
	}
	return false
}

func (c Classifier) indexDocument() string {
	if c.IndexDocument == "" {
		return "index.html"
	}
	return c.IndexDocument
}

func (c Classifier) specialPage(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	base := path.Base(p)
	for _, page := range c.SpecialPages {
		name := strings.TrimPrefix(page, "/")
		if name == "" {
			continue
		}
		if p == "/"+name || base == name {
			return name, true
		}
	}
	return "", false
}

func isNavigation(d Descriptor) bool {
	if d.Mode == "navigate" {
		return true
	}
	// a missing accept header never counts as html
	return d.Method == http.MethodGet && strings.Contains(d.Accept, "text/html")
}

// IsRootPath reports whether the path resolves to the site root document:
// the root itself, the explicit index document, or any path ending in a slash.
func IsRootPath(p, indexDocument string) bool {
	if p == "" || p == "/" {
		return true
	}
	if p == "/"+strings.TrimPrefix(indexDocument, "/") {
		return true
	}
	return strings.HasSuffix(p, "/")
}
