package pokeshell

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Domains
// ============================================================================

// Domain is the resource class a request belongs to. Each domain has its own
// caching and failure policy.
type Domain string

const (
	DomainNavigation  Domain = "navigation"
	DomainStaticAsset Domain = "static-asset"
	DomainImage       Domain = "image"
	DomainAPIRead     Domain = "api-read"
	DomainAPIMutation Domain = "api-mutation"
	DomainOther       Domain = "other"
)

// Region purposes. The versioned region ID is built by CacheStore.RegionID.
const (
	RegionAppShell = "app-shell"
	RegionAPIData  = "api-data"
	RegionImages   = "images"
)

// SyncTag names a connectivity-restored signal.
type SyncTag string

const (
	TagBackground SyncTag = "background-sync"
	TagChat       SyncTag = "chat-sync"
)

// Response headers set by the layer.
const (
	HeaderSource      = "X-Pokeshell-Source"
	HeaderStatus      = "X-Pokeshell-Status"
	HeaderPlaceholder = "X-Pokeshell-Placeholder"
	HeaderReplay      = "Idempotency-Key"
)

// ============================================================================
// Request keys
// ============================================================================

// RequestKey identifies a cacheable read: "GET <normalized absolute URL>".
type RequestKey string

// KeyFor returns the cache key for u. HEAD and GET share a key.
func KeyFor(u *url.URL) RequestKey {
	return RequestKey("GET " + NormalizeURL(u))
}

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, maps an empty path to "/" and sorts the query.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			vals := append([]string(nil), q[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		b.WriteByte('?')
		b.WriteString(strings.Join(parts, "&"))
	}
	return b.String()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// ============================================================================
// Stored responses
// ============================================================================

// StoredResponse is a fully buffered response as kept in a cache region.
type StoredResponse struct {
	Status   int         `json:"status" msgpack:"status"`
	Header   http.Header `json:"header" msgpack:"header"`
	Body     []byte      `json:"body" msgpack:"body"`
	URL      string      `json:"url" msgpack:"url"`
	StoredAt time.Time   `json:"storedAt" msgpack:"storedAt"`
}

// Cacheable reports whether a response with this status may be stored.
// Partial content is never cached.
func Cacheable(status int) bool {
	return status >= 200 && status < 300 && status != http.StatusPartialContent
}

// Response materializes a fresh *http.Response for req. The body is a new
// reader each call, so one StoredResponse can serve many requests.
func (s *StoredResponse) Response(req *http.Request) *http.Response {
	h := s.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	body := s.Body
	if req != nil && req.Method == http.MethodHead {
		body = nil
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ============================================================================
// Queued mutations
// ============================================================================

// QueuedMutation is a mutating request that failed for lack of network and
// waits for the next drain. Body holds the original bytes unchanged.
type QueuedMutation struct {
	ID          string    `json:"id" msgpack:"id"`
	URL         string    `json:"url" msgpack:"url"`
	Method      string    `json:"method" msgpack:"method"`
	Body        []byte    `json:"body,omitempty" msgpack:"body"`
	ContentType string    `json:"contentType,omitempty" msgpack:"contentType"`
	EnqueuedAt  time.Time `json:"enqueuedAt" msgpack:"enqueuedAt"`
	Domain      Domain    `json:"domain" msgpack:"domain"`
	Tag         SyncTag   `json:"tag" msgpack:"tag"`
	Attempts    int       `json:"attempts" msgpack:"attempts"`
}

// Request rebuilds the outgoing request for a replay.
func (m QueuedMutation) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, bytes.NewReader(m.Body))
	if err != nil {
		return nil, err
	}
	if m.ContentType != "" {
		req.Header.Set("Content-Type", m.ContentType)
	}
	req.Header.Set(HeaderReplay, m.ID)
	return req, nil
}
