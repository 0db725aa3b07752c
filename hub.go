package pokeshell

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// View Hub
// ============================================================================

// ViewSender delivers one encoded frame to a view.
type ViewSender func(ctx context.Context, frame []byte) error

// View is an open application view.
type View struct {
	ID   uint64
	URL  string
	send ViewSender
}

// Hub tracks open views. It implements Views for the Dispatcher and accepts
// view connections over WebSocket, passing their control messages to the
// configured handler.
type Hub struct {
	mu     sync.RWMutex
	views  map[uint64]*View
	order  []uint64
	nextID uint64

	handle func(ctx context.Context, v *View, msg ControlMessage) (*ViewMessage, error)
	log    Logger
	// WriteTimeout bounds each frame written to a view.
	WriteTimeout time.Duration
}

func NewHub(log Logger) *Hub {
	if log == nil {
		log = NopLogger{}
	}
	return &Hub{views: make(map[uint64]*View), log: log, WriteTimeout: 5 * time.Second}
}

// SetHandler installs the callback for control messages read from views.
func (h *Hub) SetHandler(fn func(ctx context.Context, v *View, msg ControlMessage) (*ViewMessage, error)) {
	h.mu.Lock()
	h.handle = fn
	h.mu.Unlock()
}

// Register adds a view and returns it with its removal func.
func (h *Hub) Register(url string, send ViewSender) (*View, func()) {
	h.mu.Lock()
	h.nextID++
	v := &View{ID: h.nextID, URL: url, send: send}
	h.views[v.ID] = v
	h.order = append(h.order, v.ID)
	h.mu.Unlock()

	var once sync.Once
	return v, func() { once.Do(func() { h.remove(v.ID) }) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.views, id)
	for i, vid := range h.order {
		if vid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// SetURL records that view id navigated to url.
func (h *Hub) SetURL(id uint64, url string) {
	h.mu.Lock()
	if v, ok := h.views[id]; ok {
		v.URL = url
	}
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// Snapshot returns the open views in registration order.
func (h *Hub) Snapshot() []View {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]View, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.views[id])
	}
	return out
}

func (h *Hub) Broadcast(ctx context.Context, msg ViewMessage) int {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode view message", Fields{"type": msg.Type, "err": err})
		return 0
	}
	delivered := 0
	for _, v := range h.Snapshot() {
		if h.write(ctx, v, frame) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) Focus(ctx context.Context, url string, msg ViewMessage) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode view message", Fields{"type": msg.Type, "err": err})
		return false
	}
	for _, v := range h.Snapshot() {
		if sameView(v.URL, url) && h.write(ctx, v, frame) {
			return true
		}
	}
	return false
}

// Send posts msg to a single view.
func (h *Hub) Send(ctx context.Context, v *View, msg ViewMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, h.WriteTimeout)
	defer cancel()
	return v.send(wctx, frame)
}

func (h *Hub) write(ctx context.Context, v View, frame []byte) bool {
	wctx, cancel := context.WithTimeout(ctx, h.WriteTimeout)
	defer cancel()
	if err := v.send(wctx, frame); err != nil {
		h.log.Debug("view write failed", Fields{"view": v.ID, "err": err})
		return false
	}
	return true
}

// ServeHTTP upgrades a view connection. The view passes its current URL as
// the "url" query parameter and then sends ControlMessage frames; replies
// go back on the same connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("view upgrade failed", Fields{"err": err})
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	var wmu sync.Mutex
	send := func(ctx context.Context, frame []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.Write(ctx, websocket.MessageText, frame)
	}
	v, unregister := h.Register(r.URL.Query().Get("url"), send)
	defer unregister()
	h.log.Debug("view connected", Fields{"view": v.ID, "url": v.URL})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			h.log.Debug("view disconnected", Fields{"view": v.ID, "status": int(status)})
			return
		}
		var msg ControlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == MsgNavigate {
			h.SetURL(v.ID, msg.URL)
			continue
		}
		h.mu.RLock()
		handle := h.handle
		h.mu.RUnlock()
		if handle == nil {
			continue
		}
		reply, err := handle(ctx, v, msg)
		if err != nil {
			h.log.Warn("control message failed", Fields{"type": msg.Type, "err": err})
			continue
		}
		if reply != nil {
			if err := h.Send(ctx, v, *reply); err != nil {
				h.log.Debug("reply write failed", Fields{"view": v.ID, "err": err})
			}
		}
	}
}
