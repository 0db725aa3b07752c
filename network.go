package pokeshell

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Network
// ============================================================================

// TransportConfig tunes the upstream transport built by NewTransport.
type TransportConfig struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
	InsecureSkipVerify  bool
}

// NewTransport builds the upstream transport: HTTP/1.1 for plain origins
// and HTTP/2 over TLS.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local origins
		},
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return t, nil
}

// network sends upstream requests and coalesces identical reads.
type network struct {
	rt    http.RoundTripper
	group singleflight.Group
	// observe is told whether each attempt reached the origin.
	observe func(reachable bool)
}

// do sends req. Transport failures come back as *NetworkError. A request
// cancelled by its caller returns the context error unchanged.
func (n *network) do(req *http.Request) (*http.Response, error) {
	resp, err := n.rt.RoundTrip(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		n.report(false)
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	n.report(true)
	return resp, nil
}

// fetchShared performs one buffered GET per key at a time; concurrent
// callers with the same key share the result.
func (n *network) fetchShared(req *http.Request, key RequestKey) (*StoredResponse, error) {
	v, err, _ := n.group.Do(string(key), func() (any, error) {
		resp, err := n.do(req)
		if err != nil {
			return nil, err
		}
		return bufferResponse(resp, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StoredResponse), nil
}

func (n *network) report(reachable bool) {
	if n.observe != nil {
		n.observe(reachable)
	}
}

// bufferResponse reads and closes resp.Body. A body cut short by the
// transport is a network failure. sent is used when the transport left
// resp.Request unset.
func bufferResponse(resp *http.Response, sent *http.Request) (*StoredResponse, error) {
	defer resp.Body.Close()
	req := resp.Request
	if req == nil {
		req = sent
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &StoredResponse{
		Status: resp.StatusCode,
		Header: h,
		Body:   body,
		URL:    req.URL.String(),
	}, nil
}

// readBody buffers a request body once so it can be sent and, on failure,
// queued byte for byte.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// outgoing clones r with a fresh reader over body.
func outgoing(ctx context.Context, r *http.Request, body []byte) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	if body == nil {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = nil
		return out
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return out
}
