package pokeshell

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// ============================================================================
// Domain Handlers
// ============================================================================

// exchange is one intercepted request with its body already buffered.
type exchange struct {
	req    *http.Request
	body   []byte
	key    RequestKey
	domain Domain
}

// handlerFunc never fails: every path yields a response, degraded states
// are signaled by status and headers.
type handlerFunc func(ctx context.Context, ex *exchange) *http.Response

func (l *Layer) dispatchTable() map[Domain]handlerFunc {
	return map[Domain]handlerFunc{
		DomainNavigation:  l.handleNavigation,
		DomainStaticAsset: l.handleStaticAsset,
		DomainImage:       l.handleImage,
		DomainAPIRead:     l.handleAPIRead,
		DomainAPIMutation: l.handleAPIMutation,
		DomainOther:       l.handleOther,
	}
}

// ── navigation ───────────────────────────────────────────

func (l *Layer) handleNavigation(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.networkFirst(ctx, ex, RegionAppShell)
	if err == nil {
		return resp
	}
	if ctx.Err() != nil {
		return offlinePage(ex.req)
	}
	if hit := l.lookup(ctx, RegionAppShell, ex.key); hit != nil {
		return fromCache(hit, ex.req)
	}
	if hit := l.lookup(ctx, RegionAppShell, KeyFor(rootOf(ex.req.URL))); hit != nil {
		return fromCache(hit, ex.req)
	}
	return offlinePage(ex.req)
}

// ── static assets and images ─────────────────────────────

func (l *Layer) handleStaticAsset(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.cacheFirst(ctx, ex, RegionAppShell)
	if err != nil {
		return unavailable(ex.req)
	}
	return resp
}

func (l *Layer) handleImage(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.cacheFirst(ctx, ex, RegionImages)
	if err != nil {
		return placeholderImage(ex.req)
	}
	return resp
}

// ── API ──────────────────────────────────────────────────

func (l *Layer) handleAPIRead(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.networkFirst(ctx, ex, RegionAPIData)
	if err == nil {
		return resp
	}
	if ctx.Err() == nil && (ex.req.Method == http.MethodGet || ex.req.Method == http.MethodHead) {
		if hit := l.lookup(ctx, RegionAPIData, ex.key); hit != nil {
			return fromCache(hit, ex.req)
		}
	}
	return offlineJSON(ex.req)
}

func (l *Layer) handleAPIMutation(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.net.do(outgoing(ctx, ex.req, ex.body))
	if err == nil {
		return passthrough(resp)
	}
	if ctx.Err() != nil {
		return offlineJSON(ex.req)
	}

	m := QueuedMutation{
		URL:         ex.req.URL.String(),
		Method:      ex.req.Method,
		Body:        ex.body,
		ContentType: ex.req.Header.Get("Content-Type"),
		Domain:      ex.domain,
		Tag:         l.tagFor(ex.req.URL),
	}
	m, qerr := l.queue.Enqueue(context.WithoutCancel(ctx), m)
	if qerr != nil {
		l.log.Error("mutation queued in memory only", Fields{"id": m.ID, "err": qerr})
	}
	l.tracker.Register(m.Tag)
	// Connectivity may have returned since the send failed.
	l.tracker.FirePending()
	l.log.Info("mutation queued", Fields{"id": m.ID, "method": m.Method, "url": m.URL, "tag": string(m.Tag)})
	l.hub.Broadcast(ctx, ViewMessage{Type: MsgMutationQueued, Mutation: refOf(m)})
	return queuedJSON(ex.req, m.ID)
}

// ── other ────────────────────────────────────────────────

func (l *Layer) handleOther(ctx context.Context, ex *exchange) *http.Response {
	resp, err := l.net.do(outgoing(ctx, ex.req, ex.body))
	if err != nil {
		return offlineJSON(ex.req)
	}
	return passthrough(resp)
}

// ============================================================================
// Strategies
// ============================================================================

// networkFirst fetches ex and stores successful GET responses in purpose.
func (l *Layer) networkFirst(ctx context.Context, ex *exchange, purpose string) (*http.Response, error) {
	out := outgoing(ctx, ex.req, ex.body)
	resp, err := l.net.do(out)
	if err != nil {
		return nil, err
	}
	if ex.req.Method != http.MethodGet || !Cacheable(resp.StatusCode) {
		return passthrough(resp), nil
	}
	stored, err := bufferResponse(resp, out)
	if err != nil {
		return nil, err
	}
	l.store(ctx, purpose, ex.key, stored)
	return fromNetwork(stored, ex.req), nil
}

// cacheFirst answers from purpose without touching the network when it can.
// Misses are fetched once per key even under concurrent callers.
func (l *Layer) cacheFirst(ctx context.Context, ex *exchange, purpose string) (*http.Response, error) {
	switch ex.req.Method {
	case http.MethodGet, http.MethodHead:
	default:
		resp, err := l.net.do(outgoing(ctx, ex.req, ex.body))
		if err != nil {
			return nil, err
		}
		return passthrough(resp), nil
	}
	if hit := l.lookup(ctx, purpose, ex.key); hit != nil {
		return fromCache(hit, ex.req), nil
	}

	fetch := outgoing(context.WithoutCancel(ctx), ex.req, nil)
	fetch.Method = http.MethodGet
	stored, err := l.net.fetchShared(fetch, ex.key)
	if err != nil {
		return nil, err
	}
	if Cacheable(stored.Status) {
		l.store(ctx, purpose, ex.key, stored)
	}
	return fromNetwork(stored, ex.req), nil
}

func (l *Layer) lookup(ctx context.Context, purpose string, key RequestKey) *StoredResponse {
	hit, ok, err := l.cache.Match(ctx, purpose, key)
	if err != nil {
		l.log.Warn("cache lookup failed", Fields{"region": purpose, "key": string(key), "err": err})
		return nil
	}
	if !ok {
		return nil
	}
	return hit
}

// store skips requests whose caller already gave up.
func (l *Layer) store(ctx context.Context, purpose string, key RequestKey, stored *StoredResponse) {
	if ctx.Err() != nil {
		return
	}
	if err := l.cache.Put(ctx, purpose, key, stored); err != nil {
		l.log.Warn("cache store failed", Fields{"region": purpose, "key": string(key), "err": err})
	}
}

func (l *Layer) tagFor(u *url.URL) SyncTag {
	for _, re := range l.chatPatterns {
		if re.MatchString(u.Path) {
			return TagChat
		}
	}
	return TagBackground
}

func rootOf(u *url.URL) *url.URL {
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
}

// ============================================================================
// Synthetic responses
// ============================================================================

const offlineHTML = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>PokeChat - Offline</title></head>
<body><h1>You are offline</h1><p>PokeChat will reconnect automatically.</p></body></html>
`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="96" height="96" viewBox="0 0 96 96">` +
	`<circle cx="48" cy="48" r="44" fill="#f2f2f2" stroke="#cccccc" stroke-width="4"/>` +
	`<text x="48" y="56" font-family="sans-serif" font-size="28" text-anchor="middle" fill="#999999">?</text></svg>`

func fromCache(s *StoredResponse, req *http.Request) *http.Response {
	resp := s.Response(req)
	resp.Header.Set(HeaderSource, "cache")
	return resp
}

func fromNetwork(s *StoredResponse, req *http.Request) *http.Response {
	resp := s.Response(req)
	resp.Header.Set(HeaderSource, "network")
	return resp
}

// passthrough marks an unbuffered origin response.
func passthrough(resp *http.Response) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderSource, "network")
	return resp
}

func synthetic(req *http.Request, status int, contentType string, body []byte, pokeStatus string) *http.Response {
	s := &StoredResponse{
		Status: status,
		Header: http.Header{
			"Content-Type":  {contentType},
			"Cache-Control": {"no-store"},
		},
		Body: body,
	}
	resp := s.Response(req)
	if pokeStatus != "" {
		resp.Header.Set(HeaderStatus, pokeStatus)
	}
	return resp
}

func offlineJSON(req *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]string{
		"status":  "offline",
		"message": "You are offline. This request needs a network connection.",
	})
	return synthetic(req, http.StatusServiceUnavailable, "application/json", body, "offline")
}

func queuedJSON(req *http.Request, id string) *http.Response {
	body, _ := json.Marshal(map[string]string{
		"status":  "queued",
		"id":      id,
		"message": "Saved offline. It will be sent when the connection returns.",
	})
	return synthetic(req, http.StatusAccepted, "application/json", body, "queued")
}

func offlinePage(req *http.Request) *http.Response {
	return synthetic(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlineHTML), "offline")
}

func unavailable(req *http.Request) *http.Response {
	text := http.StatusText(http.StatusServiceUnavailable)
	return synthetic(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(text), "offline")
}

func placeholderImage(req *http.Request) *http.Response {
	resp := synthetic(req, http.StatusOK, "image/svg+xml", []byte(placeholderSVG), "offline")
	resp.Header.Set(HeaderPlaceholder, "1")
	return resp
}
