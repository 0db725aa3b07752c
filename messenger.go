package pokeshell

import (
	"context"
	"fmt"
)

// ============================================================================
// Client Messenger
// ============================================================================

// Control message kinds sent by application views.
const (
	CtlSkipWaiting       = "skip-waiting"
	CtlGetVersion        = "get-version"
	CtlRequestSync       = "request-sync"
	CtlNotificationClick = "notification-click"
	CtlNotificationClose = "notification-close"
	// MsgNavigate tells the hub that a view now shows URL.
	MsgNavigate = "navigate"
)

// MsgSyncResult answers a request-sync message.
const MsgSyncResult = "sync-result"

// ControlMessage is a request from an application view.
type ControlMessage struct {
	Type         string              `json:"type"`
	Tag          SyncTag             `json:"tag,omitempty"`
	Action       string              `json:"action,omitempty"`
	URL          string              `json:"url,omitempty"`
	Notification *NotificationRecord `json:"notification,omitempty"`
}

// Messenger executes control messages against a Layer.
type Messenger struct {
	layer *Layer
}

// Handle runs msg and returns the reply to send back, if any. Unknown kinds
// are ignored and return (nil, nil).
func (m *Messenger) Handle(ctx context.Context, msg ControlMessage) (*ViewMessage, error) {
	l := m.layer
	switch msg.Type {
	case CtlGetVersion:
		return &ViewMessage{Type: MsgVersion, Version: l.Version()}, nil

	case CtlSkipWaiting:
		if err := l.SkipWaiting(ctx); err != nil {
			return nil, fmt.Errorf("skip waiting: %w", err)
		}
		return nil, nil

	case CtlRequestSync:
		tag := msg.Tag
		if tag == "" {
			tag = TagBackground
		}
		res, err := l.Sync(ctx, tag)
		if err != nil {
			l.log.Warn("manual sync incomplete", Fields{"tag": string(tag), "err": err})
		}
		return &ViewMessage{Type: MsgSyncResult, Sync: &res}, nil

	case CtlNotificationClick:
		rec := clickedRecord(msg)
		l.notify.Click(ctx, rec, msg.Action)
		return nil, nil

	case CtlNotificationClose:
		l.notify.Dismiss(ctx, clickedRecord(msg))
		return nil, nil

	default:
		l.log.Debug("ignoring control message", Fields{"type": msg.Type})
		return nil, nil
	}
}

func clickedRecord(msg ControlMessage) NotificationRecord {
	var rec NotificationRecord
	if msg.Notification != nil {
		rec = *msg.Notification
	}
	if msg.URL != "" {
		rec.URL = msg.URL
	}
	return rec
}
