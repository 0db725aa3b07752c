// Package pokeshell is a client-resident interception layer for the PokeChat
// web application. It classifies every outgoing request, serves cached
// content when the network is gone, queues failed mutations durably and
// replays them when connectivity returns.
//
// Usage:
//
//	layer, _ := pokeshell.New("http://localhost:5000",
//		pokeshell.WithLogger(log),
//		pokeshell.WithRegions(regions),
//		pokeshell.WithQueueStore(queue),
//	)
//	defer layer.Close(ctx)
//	_ = layer.Start(ctx)
//	_ = layer.Install(ctx)
//
//	client := &http.Client{Transport: layer}
//	http.ListenAndServe(":8080", pokeshell.NewServeMux(layer, nil))
package pokeshell

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pokechat/pokeshell/codec"
	"github.com/pokechat/pokeshell/storage"
	"github.com/pokechat/pokeshell/storage/memory"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultPrefix  = "pokechat"
	DefaultVersion = "v1.0.0"
	TracerName     = "github.com/pokechat/pokeshell"
)

// DefaultManifest is precached by Install: the shell pages, core scripts and
// styles, and the most requested sprites.
var DefaultManifest = []string{
	"/",
	"/chat",
	"/pokedex",
	"/import",
	"/static/css/style.css",
	"/static/js/common.js",
	"/static/js/chat.js",
	"/static/js/pokedex.js",
	"/static/manifest.json",
	"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/1.png",
	"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/4.png",
	"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/7.png",
	"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/25.png",
	"https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/150.png",
}

// DefaultChatPatterns select mutations replayed under the chat-sync tag.
var DefaultChatPatterns = []string{
	`^/api/pokemon/[^/]+/(send|clear-history)$`,
}

// ============================================================================
// Lifecycle
// ============================================================================

// LifecycleState is the install/activate state of the current version.
type LifecycleState string

const (
	StateNew        LifecycleState = "new"
	StateInstalling LifecycleState = "installing"
	StateWaiting    LifecycleState = "waiting"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
)

// ============================================================================
// Layer
// ============================================================================

// Layer holds every component of the interception layer. It is built once
// by New and is safe for concurrent use.
type Layer struct {
	origin     *url.URL
	classifier *Classifier
	cache      *CacheStore
	queue      *Queue
	net        *network
	tracker    *Tracker
	sync       *SyncCoordinator
	notify     *Dispatcher
	messenger  *Messenger
	hub        *Hub
	handlers   map[Domain]handlerFunc
	log        Logger
	tracer     trace.Tracer

	// set by options
	regions       storage.RegionBackend
	queueStore    storage.QueueStore
	transport     http.RoundTripper
	surface       Surface
	codecName     string
	maxEntry      int
	prefix        string
	version       string
	hotMaxCost    int64
	apiPrefix     string
	staticPrefix  string
	imagePatterns []string
	chatSources   []string
	chatPatterns  []*regexp.Regexp
	manifest      []string
	precacheLimit int
	autoSync      bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu          sync.Mutex
	state       LifecycleState
	skipWaiting bool
	closed      bool
}

// Option configures a Layer.
type Option func(*Layer)

func WithLogger(log Logger) Option { return func(l *Layer) { l.log = log } }

// WithRegions sets the cache backend. Defaults to memory.
func WithRegions(b storage.RegionBackend) Option { return func(l *Layer) { l.regions = b } }

// WithQueueStore sets the queue backend. Defaults to memory.
func WithQueueStore(s storage.QueueStore) Option { return func(l *Layer) { l.queueStore = s } }

// WithTransport sets the upstream transport. Defaults to NewTransport.
func WithTransport(rt http.RoundTripper) Option { return func(l *Layer) { l.transport = rt } }

// WithSurface sets where notifications are shown. Defaults to LogSurface.
func WithSurface(s Surface) Option { return func(l *Layer) { l.surface = s } }

// WithCodec selects the storage codec by name: msgpack, cbor or json.
func WithCodec(name string) Option { return func(l *Layer) { l.codecName = name } }

// WithMaxEntrySize refuses to decode stored entries larger than n bytes.
func WithMaxEntrySize(n int) Option { return func(l *Layer) { l.maxEntry = n } }

// WithVersion sets the cache prefix and version, e.g. "pokechat", "v1.0.0".
func WithVersion(prefix, version string) Option {
	return func(l *Layer) { l.prefix, l.version = prefix, version }
}

// WithHotTier enables the in-memory hot tier bounded to maxCost bytes.
func WithHotTier(maxCost int64) Option { return func(l *Layer) { l.hotMaxCost = maxCost } }

func WithPrefixes(api, static string) Option {
	return func(l *Layer) { l.apiPrefix, l.staticPrefix = api, static }
}

func WithImagePatterns(patterns []string) Option {
	return func(l *Layer) { l.imagePatterns = patterns }
}

func WithChatPatterns(patterns []string) Option {
	return func(l *Layer) { l.chatSources = patterns }
}

// WithManifest sets the URLs precached by Install. Relative URLs resolve
// against the origin.
func WithManifest(urls []string) Option { return func(l *Layer) { l.manifest = urls } }

// WithSkipWaiting activates a freshly installed version even while views
// are open. It is on by default.
func WithSkipWaiting(skip bool) Option { return func(l *Layer) { l.skipWaiting = skip } }

// WithPrecacheConcurrency bounds parallel manifest fetches; n <= 0 keeps the default of 4.
func WithPrecacheConcurrency(n int) Option { return func(l *Layer) { l.precacheLimit = n } }

// WithAutoSync controls whether connectivity-restored signals start a drain.
// With it off, only Sync drains the queue.
func WithAutoSync(on bool) Option { return func(l *Layer) { l.autoSync = on } }

func WithTracer(t trace.Tracer) Option { return func(l *Layer) { l.tracer = t } }

// New builds a Layer in front of origin.
func New(origin string, opts ...Option) (*Layer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin must be absolute, got %q", origin)
	}

	l := &Layer{
		origin:        &url.URL{Scheme: strings.ToLower(u.Scheme), Host: u.Host},
		prefix:        DefaultPrefix,
		version:       DefaultVersion,
		manifest:      DefaultManifest,
		chatSources:   DefaultChatPatterns,
		precacheLimit: 4,
		skipWaiting:   true,
		autoSync:      true,
		state:         StateNew,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.precacheLimit <= 0 {
		l.precacheLimit = 4
	}
	if l.log == nil {
		l.log = NopLogger{}
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer(TracerName)
	}
	if l.regions == nil {
		l.regions = memory.NewRegions()
	}
	if l.queueStore == nil {
		l.queueStore = memory.NewQueue()
	}
	if l.transport == nil {
		t, err := NewTransport(TransportConfig{})
		if err != nil {
			return nil, err
		}
		l.transport = t
	}

	if l.classifier, err = NewClassifier(l.apiPrefix, l.staticPrefix, l.imagePatterns); err != nil {
		return nil, fmt.Errorf("image patterns: %w", err)
	}
	for _, p := range l.chatSources {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("chat pattern %q: %w", p, err)
		}
		l.chatPatterns = append(l.chatPatterns, re)
	}

	respCodec, err := codec.New[StoredResponse](l.codecName)
	if err != nil {
		return nil, err
	}
	mutCodec, err := codec.New[QueuedMutation](l.codecName)
	if err != nil {
		return nil, err
	}
	if l.maxEntry > 0 {
		respCodec = codec.Limit[StoredResponse]{Inner: respCodec, MaxDecode: l.maxEntry}
		mutCodec = codec.Limit[QueuedMutation]{Inner: mutCodec, MaxDecode: l.maxEntry}
	}

	l.cache, err = NewCacheStore(l.regions, respCodec, CacheConfig{
		Prefix:     l.prefix,
		Version:    l.version,
		HotMaxCost: l.hotMaxCost,
	}, l.log)
	if err != nil {
		return nil, err
	}
	l.queue = NewQueue(l.queueStore, mutCodec, l.log)
	l.tracker = NewTracker(l.fireSync, l.log)
	l.net = &network{rt: l.transport, observe: l.tracker.SetOnline}
	l.hub = NewHub(l.log)
	l.notify = NewDispatcher(l.surface, l.hub, l.log)
	l.sync = &SyncCoordinator{
		queue:    l.queue,
		net:      l.net,
		notify:   l.notify,
		views:    l.hub,
		register: l.tracker.Register,
		log:      l.log,
		tracer:   l.tracer,
	}
	l.messenger = &Messenger{layer: l}
	l.hub.SetHandler(func(ctx context.Context, _ *View, msg ControlMessage) (*ViewMessage, error) {
		return l.messenger.Handle(ctx, msg)
	})
	l.handlers = l.dispatchTable()
	l.bgCtx, l.bgCancel = context.WithCancel(context.Background())
	return l, nil
}

// ── accessors ────────────────────────────────────────────

func (l *Layer) Version() string            { return l.cache.Version() }
func (l *Layer) Origin() *url.URL           { return l.origin }
func (l *Layer) Cache() *CacheStore         { return l.cache }
func (l *Layer) Queue() *Queue              { return l.queue }
func (l *Layer) Hub() *Hub                  { return l.hub }
func (l *Layer) Notifications() *Dispatcher { return l.notify }
func (l *Layer) Messenger() *Messenger      { return l.messenger }
func (l *Layer) Tracker() *Tracker          { return l.tracker }
func (l *Layer) Classifier() *Classifier    { return l.classifier }

func (l *Layer) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Layer) setState(s LifecycleState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.log.Debug("lifecycle", Fields{"from": string(prev), "to": string(s), "version": l.Version()})
	}
}

// Status is a point-in-time view of the layer.
type Status struct {
	Version     string         `json:"version"`
	State       LifecycleState `json:"state"`
	Online      bool           `json:"online"`
	Queued      int            `json:"queued"`
	QueueDirty  bool           `json:"queueDirty"`
	Draining    bool           `json:"draining"`
	Views       int            `json:"views"`
	PendingTags []SyncTag      `json:"pendingTags"`
}

func (l *Layer) Status() Status {
	return Status{
		Version:     l.Version(),
		State:       l.State(),
		Online:      l.tracker.Online(),
		Queued:      l.queue.Len(),
		QueueDirty:  l.queue.Dirty(),
		Draining:    l.sync.Draining(),
		Views:       l.hub.Count(),
		PendingTags: l.tracker.Pending(),
	}
}

// ── startup and shutdown ─────────────────────────────────

// Start restores the persisted queue. Restored mutations are registered
// for sync and drained right away when the origin is reachable.
func (l *Layer) Start(ctx context.Context) error {
	if err := l.queue.Load(ctx); err != nil {
		return err
	}
	items := l.queue.All()
	if len(items) == 0 {
		return nil
	}
	for _, m := range items {
		l.tracker.Register(m.Tag)
	}
	l.log.Info("restored queued mutations", Fields{"pending": len(items)})
	l.tracker.FirePending()
	return nil
}

// RunProbe checks origin reachability every interval until ctx is done.
func (l *Layer) RunProbe(ctx context.Context, interval time.Duration) {
	l.tracker.Probe(ctx, l.transport, rootOf(l.origin).String(), interval)
}

// Close stops background drains, flushes the queue and closes both stores.
func (l *Layer) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.bgCancel()
	l.bg.Wait()
	qerr := l.queue.Close(ctx)
	cerr := l.cache.Close(ctx)
	if qerr != nil {
		return qerr
	}
	return cerr
}

// fireSync runs a drain in the background for a connectivity-restored tag.
func (l *Layer) fireSync(tag SyncTag) {
	if !l.autoSync {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.bg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.bg.Done()
		if _, err := l.Sync(l.bgCtx, tag); err != nil {
			l.log.Warn("background sync failed", Fields{"tag": string(tag), "err": err})
		}
	}()
}

// Sync drains the queue for tag. Manual and connectivity-restored triggers
// both end up here.
func (l *Layer) Sync(ctx context.Context, tag SyncTag) (DrainResult, error) {
	if err := l.queue.Flush(ctx); err != nil {
		l.log.Warn("queue still not persisted", Fields{"err": err})
	}
	return l.sync.Drain(ctx, tag)
}

// ── install and activate ─────────────────────────────────

// Install precaches the manifest. It is all or nothing: when any URL fails
// nothing is stored and the state returns to new. On success the version
// waits for activation, unless skip-waiting is set or no view is open.
func (l *Layer) Install(ctx context.Context) error {
	l.setState(StateInstalling)
	ctx, span := l.tracer.Start(ctx, "pokeshell.install", trace.WithAttributes(
		attribute.String("pokeshell.version", l.Version()),
		attribute.Int("pokeshell.manifest_len", len(l.manifest)),
	))
	defer span.End()

	for _, purpose := range []string{RegionAppShell, RegionAPIData, RegionImages} {
		if _, err := l.cache.Open(ctx, purpose); err != nil {
			l.setState(StateNew)
			return err
		}
	}

	type staged struct {
		purpose string
		key     RequestKey
		resp    *StoredResponse
	}
	results := make([]staged, len(l.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.precacheLimit)
	for i, raw := range l.manifest {
		g.Go(func() error {
			u, err := l.origin.Parse(raw)
			if err != nil {
				return fmt.Errorf("manifest entry %q: %w", raw, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := l.net.do(req)
			if err != nil {
				return err
			}
			stored, err := bufferResponse(resp, req)
			if err != nil {
				return err
			}
			if !Cacheable(stored.Status) {
				return fmt.Errorf("precache %s: status %d", u, stored.Status)
			}
			purpose := RegionAppShell
			if l.classifier.Classify(req) == DomainImage {
				purpose = RegionImages
			}
			results[i] = staged{purpose: purpose, key: KeyFor(u), resp: stored}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.setState(StateNew)
		span.RecordError(err)
		return fmt.Errorf("install %s: %w", l.Version(), err)
	}
	for _, s := range results {
		if err := l.cache.Put(ctx, s.purpose, s.key, s.resp); err != nil {
			l.setState(StateNew)
			return fmt.Errorf("install %s: %w", l.Version(), err)
		}
	}

	l.setState(StateWaiting)
	l.log.Info("installed", Fields{"version": l.Version(), "cached": len(results)})
	l.notify.Installed(ctx, l.Version())

	l.mu.Lock()
	skip := l.skipWaiting
	l.mu.Unlock()
	if skip || l.hub.Count() == 0 {
		return l.Activate(ctx)
	}
	return nil
}

// Activate makes the current version active and deletes every region left
// by other versions.
func (l *Layer) Activate(ctx context.Context) error {
	l.setState(StateActivating)
	deleted, err := l.cache.PurgeStale(ctx)
	if err != nil {
		l.setState(StateWaiting)
		return fmt.Errorf("activate %s: %w", l.Version(), err)
	}
	for _, id := range deleted {
		l.log.Info("deleted old cache region", Fields{"region": id})
	}
	l.setState(StateActive)
	l.hub.Broadcast(ctx, ViewMessage{Type: MsgActivated, Version: l.Version()})
	return nil
}

// SkipWaiting activates a waiting version now, bypassing the handoff.
func (l *Layer) SkipWaiting(ctx context.Context) error {
	l.mu.Lock()
	l.skipWaiting = true
	waiting := l.state == StateWaiting
	l.mu.Unlock()
	if !waiting {
		return nil
	}
	return l.Activate(ctx)
}

// ── interception ─────────────────────────────────────────

// RoundTrip intercepts an absolute-URL request. It returns an error only
// when the caller's own context ended; every other failure degrades to a
// fallback response.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	resp := l.intercept(req)
	if err := req.Context().Err(); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (l *Layer) intercept(r *http.Request) *http.Response {
	domain := l.classifier.Classify(r)
	ctx, span := l.tracer.Start(r.Context(), "pokeshell.intercept", trace.WithAttributes(
		attribute.String("pokeshell.domain", string(domain)),
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", r.URL.String()),
	))
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		l.log.Warn("request body unreadable", Fields{"url": r.URL.String(), "err": err})
		return synthetic(r, http.StatusBadRequest, "text/plain; charset=utf-8", []byte("unreadable request body"), "")
	}
	ex := &exchange{req: r, body: body, key: KeyFor(r.URL), domain: domain}
	resp := l.handlers[domain](ctx, ex)

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.String("pokeshell.source", resp.Header.Get(HeaderSource)),
	)
	l.log.Debug("intercepted", Fields{
		"domain": string(domain), "method": r.Method, "url": r.URL.String(),
		"status": resp.StatusCode, "source": resp.Header.Get(HeaderSource),
	})
	return resp
}

// hop-by-hop headers are not forwarded by the proxy.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ServeHTTP proxies a request received from a browser. Origin-relative
// requests go to the configured origin; absolute-form requests keep their
// host.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if !r.URL.IsAbs() {
		u := *l.origin
		u.Path, u.RawPath, u.RawQuery = r.URL.Path, r.URL.RawPath, r.URL.RawQuery
		out.URL = &u
		out.Host = l.origin.Host
	} else {
		out.Host = r.URL.Host
	}
	stripHop(out.Header)

	resp := l.intercept(out)
	defer resp.Body.Close()

	stripHop(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil && r.Context().Err() == nil {
		l.log.Debug("copy response body", Fields{"url": out.URL.String(), "err": err})
	}
}
