package pokeshell

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Connectivity Tracker
// ============================================================================

// Tracker follows whether the origin is reachable and holds the sync tags
// registered while it was not. When connectivity returns, every registered
// tag fires once.
type Tracker struct {
	mu      sync.Mutex
	online  bool
	pending map[SyncTag]struct{}
	fire    func(tag SyncTag)
	log     Logger
}

// NewTracker starts online. fire is called for each registered tag when
// connectivity is restored and must not block.
func NewTracker(fire func(tag SyncTag), log Logger) *Tracker {
	if log == nil {
		log = NopLogger{}
	}
	return &Tracker{online: true, pending: make(map[SyncTag]struct{}), fire: fire, log: log}
}

// Online returns the current network state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// SetOnline updates the network state. The offline to online transition
// fires the registered tags.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	var tags []SyncTag
	if online {
		tags = t.takeLocked()
	}
	t.mu.Unlock()

	if !online {
		t.log.Info("network offline", nil)
		return
	}
	t.log.Info("network online", Fields{"tags": len(tags)})
	t.dispatch(tags)
}

// Register records tag for the next connectivity-restored signal.
func (t *Tracker) Register(tag SyncTag) {
	t.mu.Lock()
	t.pending[tag] = struct{}{}
	t.mu.Unlock()
}

// Pending lists the registered tags, sorted.
func (t *Tracker) Pending() []SyncTag {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SyncTag, 0, len(t.pending))
	for tag := range t.pending {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Tracker) takeLocked() []SyncTag {
	tags := make([]SyncTag, 0, len(t.pending))
	for tag := range t.pending {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	t.pending = make(map[SyncTag]struct{})
	return tags
}

func (t *Tracker) dispatch(tags []SyncTag) {
	if t.fire == nil {
		return
	}
	for _, tag := range tags {
		t.fire(tag)
	}
}

// FirePending fires the registered tags now if the origin is reachable.
func (t *Tracker) FirePending() {
	t.mu.Lock()
	if !t.online {
		t.mu.Unlock()
		return
	}
	tags := t.takeLocked()
	t.mu.Unlock()
	t.dispatch(tags)
}

// Probe checks the origin every interval with a HEAD request until ctx is
// done. Any HTTP response counts as reachable.
func (t *Tracker) Probe(ctx context.Context, rt http.RoundTripper, target string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := probeOnce(ctx, rt, target)
			if ctx.Err() != nil {
				return
			}
			t.SetOnline(ok)
		}
	}
}

func probeOnce(ctx context.Context, rt http.RoundTripper, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
