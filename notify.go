package pokeshell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Notifications
// ============================================================================

const (
	ChatEntryPoint    = "/chat"
	DefaultTitle      = "PokeChat"
	DefaultBody       = "You have a new message on PokeChat"
	DefaultTag        = "pokechat"
	notificationIcon  = "/static/icons/icon-192x192.png"
	notificationBadge = "/static/icons/icon-72x72.png"
)

// Action identifiers understood by Click.
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationRecord is an alert to present. It is never persisted.
type NotificationRecord struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Tag     string               `json:"tag"`
	URL     string               `json:"url"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
}

// PushPayload is the upstream push body. Every field is optional.
type PushPayload struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	PokemonID any      `json:"pokemon_id"`
	Message   string   `json:"message"`
	URL       string   `json:"url"`
	Tag       string   `json:"tag"`
	Actions   []string `json:"actions"`
}

// ParsePush decodes a push body. Anything but a JSON object fails with
// ErrMalformedPush.
func ParsePush(data []byte) (PushPayload, error) {
	var p PushPayload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, fmt.Errorf("%w: not a JSON object", ErrMalformedPush)
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return PushPayload{}, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	return p, nil
}

// RecordFromPush applies the push defaults: title "PokeChat", body from
// body or message, deep link "/chat", and the explore/close actions.
func RecordFromPush(p PushPayload, now time.Time) NotificationRecord {
	rec := NotificationRecord{
		Title:   firstNonEmpty(p.Title, DefaultTitle),
		Body:    firstNonEmpty(p.Body, p.Message, DefaultBody),
		Tag:     firstNonEmpty(p.Tag, DefaultTag),
		URL:     firstNonEmpty(p.URL, ChatEntryPoint),
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: []int{100, 50, 100},
		Actions: defaultActions(),
		Data:    map[string]any{"dateOfArrival": now.UnixMilli()},
	}
	if p.PokemonID != nil {
		rec.Data["pokemon_id"] = p.PokemonID
	}
	if p.Message != "" {
		rec.Data["message"] = p.Message
	}
	if len(p.Actions) > 0 {
		rec.Actions = rec.Actions[:0]
		for _, a := range p.Actions {
			rec.Actions = append(rec.Actions, NotificationAction{Action: a, Title: actionTitle(a), Icon: notificationIcon})
		}
	}
	return rec
}

// GenericRecord is shown when a push body cannot be parsed.
func GenericRecord(now time.Time) NotificationRecord {
	return RecordFromPush(PushPayload{}, now)
}

func defaultActions() []NotificationAction {
	return []NotificationAction{
		{Action: ActionExplore, Title: "Open PokeChat", Icon: notificationIcon},
		{Action: ActionClose, Title: "Close", Icon: notificationIcon},
	}
}

func actionTitle(action string) string {
	switch action {
	case ActionExplore:
		return "Open PokeChat"
	case ActionClose:
		return "Close"
	}
	return action
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ============================================================================
// Surfaces and views
// ============================================================================

// Surface is the platform notification area.
type Surface interface {
	Show(ctx context.Context, rec NotificationRecord) error
	// OpenView opens a new application view at url.
	OpenView(ctx context.Context, url string) error
}

// Views is the set of open application views.
type Views interface {
	// Broadcast posts msg to every view and returns how many received it.
	Broadcast(ctx context.Context, msg ViewMessage) int
	// Focus posts msg to the first view showing url. It reports false when
	// no such view is open.
	Focus(ctx context.Context, url string, msg ViewMessage) bool
	Count() int
}

// ViewMessage is the JSON frame posted to application views.
type ViewMessage struct {
	Type         string              `json:"type"`
	Version      string              `json:"version,omitempty"`
	URL          string              `json:"url,omitempty"`
	Action       string              `json:"action,omitempty"`
	Notification *NotificationRecord `json:"notification,omitempty"`
	Mutation     *MutationRef        `json:"mutation,omitempty"`
	Sync         *DrainResult        `json:"sync,omitempty"`
	Status       int                 `json:"status,omitempty"`
	Focus        bool                `json:"focus,omitempty"`
}

// MutationRef identifies a queued mutation without its body.
type MutationRef struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	URL    string  `json:"url"`
	Tag    SyncTag `json:"tag"`
}

func refOf(m QueuedMutation) *MutationRef {
	return &MutationRef{ID: m.ID, Method: m.Method, URL: m.URL, Tag: m.Tag}
}

// View message types.
const (
	MsgNotification      = "notification"
	MsgNotificationClick = "notification-click"
	MsgSyncComplete      = "sync-complete"
	MsgSyncRejected      = "sync-rejected"
	MsgMutationQueued    = "mutation-queued"
	MsgActivated         = "activated"
	MsgVersion           = "version"
)

// LogSurface writes notifications to a Logger. It cannot open views, so
// OpenView only records the request.
type LogSurface struct {
	Log Logger
}

func (s LogSurface) Show(_ context.Context, rec NotificationRecord) error {
	s.logger().Info("notification", Fields{"title": rec.Title, "body": rec.Body, "tag": rec.Tag, "url": rec.URL})
	return nil
}

func (s LogSurface) OpenView(_ context.Context, u string) error {
	s.logger().Info("open view", Fields{"url": u})
	return nil
}

func (s LogSurface) logger() Logger {
	if s.Log == nil {
		return NopLogger{}
	}
	return s.Log
}

// ============================================================================
// Notification Dispatcher
// ============================================================================

// ClickOutcome reports what Click did.
type ClickOutcome string

const (
	ClickDismissed ClickOutcome = "dismissed"
	ClickFocused   ClickOutcome = "focused"
	ClickOpened    ClickOutcome = "opened"
)

// Dispatcher turns push bodies and internal events into notifications, and
// routes notification clicks to views.
type Dispatcher struct {
	surface Surface
	views   Views
	log     Logger
	now     func() time.Time
}

func NewDispatcher(surface Surface, views Views, log Logger) *Dispatcher {
	if log == nil {
		log = NopLogger{}
	}
	if surface == nil {
		surface = LogSurface{Log: log}
	}
	return &Dispatcher{surface: surface, views: views, log: log, now: time.Now}
}

// Push shows the notification for a raw push body. A malformed body still
// produces the generic notification.
func (d *Dispatcher) Push(ctx context.Context, data []byte) NotificationRecord {
	p, err := ParsePush(data)
	var rec NotificationRecord
	if err != nil {
		d.log.Warn("malformed push payload, using generic notification", Fields{"err": err, "bytes": len(data)})
		rec = GenericRecord(d.now())
	} else {
		rec = RecordFromPush(p, d.now())
	}
	d.Show(ctx, rec)
	return rec
}

// Show presents rec on the surface and mirrors it to open views.
func (d *Dispatcher) Show(ctx context.Context, rec NotificationRecord) {
	if err := d.surface.Show(ctx, rec); err != nil {
		d.log.Warn("notification surface failed", Fields{"tag": rec.Tag, "err": err})
	}
	if d.views != nil {
		d.views.Broadcast(ctx, ViewMessage{Type: MsgNotification, Notification: &rec})
	}
}

// Installed announces a completed install.
func (d *Dispatcher) Installed(ctx context.Context, version string) {
	d.Show(ctx, NotificationRecord{
		Title:   DefaultTitle,
		Body:    "PokeChat is ready to use offline",
		Tag:     "installed",
		URL:     "/",
		Icon:    notificationIcon,
		Actions: defaultActions(),
		Data:    map[string]any{"version": version},
	})
}

// Synced confirms a drain that left nothing pending.
func (d *Dispatcher) Synced(ctx context.Context, res DrainResult) {
	d.Show(ctx, NotificationRecord{
		Title:   DefaultTitle,
		Body:    fmt.Sprintf("%d pending change(s) synced", res.Delivered),
		Tag:     "sync-complete",
		URL:     ChatEntryPoint,
		Icon:    notificationIcon,
		Actions: defaultActions(),
		Data:    map[string]any{"tag": string(res.Tag), "delivered": res.Delivered},
	})
}

// Click handles a user action on rec. The close action dismisses. Any other
// action focuses an open view at the target URL, or opens one.
func (d *Dispatcher) Click(ctx context.Context, rec NotificationRecord, action string) ClickOutcome {
	if action == ActionClose {
		d.Dismiss(ctx, rec)
		return ClickDismissed
	}
	target := firstNonEmpty(rec.URL, ChatEntryPoint)
	if d.views != nil && d.views.Focus(ctx, target, ViewMessage{
		Type:         MsgNotificationClick,
		Action:       action,
		URL:          target,
		Notification: &rec,
		Focus:        true,
	}) {
		return ClickFocused
	}
	if err := d.surface.OpenView(ctx, target); err != nil {
		d.log.Warn("open view failed", Fields{"url": target, "err": err})
	}
	return ClickOpened
}

// Dismiss is a no-op apart from logging.
func (d *Dispatcher) Dismiss(_ context.Context, rec NotificationRecord) {
	d.log.Debug("notification dismissed", Fields{"tag": rec.Tag})
}

// sameView reports whether a view at viewURL shows target. Only path and
// query are compared, since views connect through the proxy host.
func sameView(viewURL, target string) bool {
	v, err := url.Parse(viewURL)
	if err != nil {
		return false
	}
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	vp, tp := v.Path, t.Path
	if vp == "" {
		vp = "/"
	}
	if tp == "" {
		tp = "/"
	}
	if strings.TrimSuffix(vp, "/") != strings.TrimSuffix(tp, "/") && vp != tp {
		return false
	}
	return t.RawQuery == "" || v.RawQuery == t.RawQuery
}
