package pokeshell

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pokechat/pokeshell/storage/memory"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testOrigin = "http://pokechat.test"

type call struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// fakeOrigin is an upstream that can be switched offline. By default it
// answers 200 with "ok <path>".
type fakeOrigin struct {
	mu      sync.Mutex
	offline bool
	calls   []call
	respond func(r *http.Request, body []byte) *http.Response
}

func (f *fakeOrigin) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	f.mu.Lock()
	offline := f.offline
	respond := f.respond
	f.calls = append(f.calls, call{Method: r.Method, URL: r.URL.String(), Body: body, Header: r.Header.Clone()})
	f.mu.Unlock()

	if offline {
		return nil, errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")
	}
	if respond != nil {
		return respond(r, body), nil
	}
	return textResponse(r, http.StatusOK, "ok "+r.URL.Path), nil
}

func (f *fakeOrigin) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeOrigin) SetRespond(fn func(r *http.Request, body []byte) *http.Response) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeOrigin) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeOrigin) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

// recordingSurface remembers shown notifications and opened views.
type recordingSurface struct {
	mu     sync.Mutex
	shown  []NotificationRecord
	opened []string
}

func (s *recordingSurface) Show(_ context.Context, rec NotificationRecord) error {
	s.mu.Lock()
	s.shown = append(s.shown, rec)
	s.mu.Unlock()
	return nil
}

func (s *recordingSurface) OpenView(_ context.Context, u string) error {
	s.mu.Lock()
	s.opened = append(s.opened, u)
	s.mu.Unlock()
	return nil
}

func (s *recordingSurface) Shown() []NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NotificationRecord(nil), s.shown...)
}

func (s *recordingSurface) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// inbox collects frames sent to a registered view.
type inbox struct {
	mu     sync.Mutex
	frames []string
}

func (b *inbox) send(_ context.Context, frame []byte) error {
	b.mu.Lock()
	b.frames = append(b.frames, string(frame))
	b.mu.Unlock()
	return nil
}

func (b *inbox) Frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.frames...)
}

func (b *inbox) has(substr string) bool {
	for _, f := range b.Frames() {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

type testEnv struct {
	layer   *Layer
	origin  *fakeOrigin
	queue   *memory.Queue
	regions *memory.Regions
	surface *recordingSurface
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		origin:  &fakeOrigin{},
		queue:   memory.NewQueue(),
		regions: memory.NewRegions(),
		surface: &recordingSurface{},
	}
	base := []Option{
		WithTransport(env.origin),
		WithQueueStore(env.queue),
		WithRegions(env.regions),
		WithSurface(env.surface),
		WithManifest([]string{"/", "/static/css/style.css"}),
	}
	l, err := New(testOrigin, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	env.layer = l
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string, header ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, testOrigin+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.layer.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip %s %s: %v", method, path, err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
