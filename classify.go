package pokeshell

import (
	"net/http"
	"regexp"
	"strings"
)

// ============================================================================
// Request Classifier
// ============================================================================

// DefaultImagePatterns match PokeAPI sprites and common image extensions.
var DefaultImagePatterns = []string{
	`^https?://raw\.githubusercontent\.com/PokeAPI/sprites/`,
	`(?i)\.(png|jpe?g|gif|webp|svg|ico|bmp|avif)$`,
}

// Classifier maps a request to exactly one Domain. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	APIPrefix    string
	StaticPrefix string
	images       []*regexp.Regexp
}

// NewClassifier compiles the image patterns. Empty prefixes default to "/api"
// and "/static".
func NewClassifier(apiPrefix, staticPrefix string, imagePatterns []string) (*Classifier, error) {
	if apiPrefix == "" {
		apiPrefix = "/api"
	}
	if staticPrefix == "" {
		staticPrefix = "/static"
	}
	if imagePatterns == nil {
		imagePatterns = DefaultImagePatterns
	}
	c := &Classifier{
		APIPrefix:    "/" + strings.Trim(apiPrefix, "/"),
		StaticPrefix: "/" + strings.Trim(staticPrefix, "/"),
	}
	for _, p := range imagePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.images = append(c.images, re)
	}
	return c, nil
}

// Classify applies the rules in priority order: API mutation, API read,
// image, static asset, navigation, other.
func (c *Classifier) Classify(r *http.Request) Domain {
	path := r.URL.Path
	if underPrefix(path, c.APIPrefix) {
		if isMutation(r.Method) {
			return DomainAPIMutation
		}
		return DomainAPIRead
	}
	if c.isImage(r) {
		return DomainImage
	}
	if underPrefix(path, c.StaticPrefix) {
		return DomainStaticAsset
	}
	if isNavigation(r) {
		return DomainNavigation
	}
	return DomainOther
}

func (c *Classifier) isImage(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	u := *r.URL
	u.RawQuery, u.Fragment = "", ""
	s := u.String()
	for _, re := range c.images {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
		strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return prefersHTML(r.Header.Get("Accept"))
}

// prefersHTML reports whether text/html is the first listed media type.
func prefersHTML(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	first, _, _ = strings.Cut(first, ";")
	mt := strings.ToLower(strings.TrimSpace(first))
	return mt == "text/html" || mt == "application/xhtml+xml"
}
