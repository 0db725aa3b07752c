package pokeshell

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push Receiver
// ============================================================================

// PushState is the push connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// PushConfig configures the push client.
type PushConfig struct {
	// URL of the upstream push endpoint; http(s) is rewritten to ws(s).
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 retries forever
	HTTPClient           *http.Client
}

func (c *PushConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// pushEnvelope is the framed form {"type":"push","payload":{...}}. Bare
// payload objects are accepted too.
type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushClient holds a WebSocket open to the push endpoint and hands every
// push to the Dispatcher. It reconnects with exponential backoff and closes
// connections whose heartbeat ping goes unanswered.
type PushClient struct {
	cfg      PushConfig
	dispatch *Dispatcher
	log      Logger

	mu       sync.Mutex
	state    PushState
	received int
}

func NewPushClient(cfg PushConfig, d *Dispatcher, log Logger) (*PushClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("push url is required")
	}
	if d == nil {
		return nil, fmt.Errorf("push client needs a dispatcher")
	}
	if log == nil {
		log = NopLogger{}
	}
	cfg.defaults()
	return &PushClient{cfg: cfg, dispatch: d, log: log, state: PushDisconnected}, nil
}

// State returns the current connection state.
func (c *PushClient) State() PushState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Received counts pushes dispatched so far.
func (c *PushClient) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *PushClient) setState(s PushState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and keeps the connection alive until ctx is done. It
// returns an error only when MaxReconnectAttempts is exhausted.
func (c *PushClient) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectBaseDelay
	b.MaxInterval = c.cfg.ReconnectMaxDelay

	attempts := 0
	for {
		c.setState(PushConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempts = 0
			b.Reset()
			c.setState(PushConnected)
			c.log.Info("push connected", Fields{"url": c.cfg.URL})
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			c.setState(PushDisconnected)
			return nil
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(PushDisconnected)
			return fmt.Errorf("push: giving up after %d attempts: %w", attempts, err)
		}
		delay := b.NextBackOff()
		c.setState(PushReconnecting)
		c.log.Warn("push disconnected, reconnecting", Fields{"attempt": attempts, "delay": delay.String(), "err": err})

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(PushDisconnected)
			return nil
		case <-t.C:
		}
	}
}

func (c *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("push dial: %w", err)
	}
	return conn, nil
}

// serve reads frames until the connection fails.
func (c *PushClient) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	go c.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

func (c *PushClient) handleFrame(ctx context.Context, data []byte) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		if env.Type != "push" {
			c.log.Debug("ignoring push frame", Fields{"type": env.Type})
			return
		}
		data = env.Payload
	}
	c.dispatch.Push(ctx, data)
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *PushClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
