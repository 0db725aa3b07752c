package pokeshell

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordFromPushDefaults(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	p, err := ParsePush([]byte(`{"title":"X","message":"hi","pokemon_id":25}`))
	if err != nil {
		t.Fatal(err)
	}
	rec := RecordFromPush(p, now)

	if rec.Title != "X" || rec.Body != "hi" || rec.URL != ChatEntryPoint || rec.Tag != DefaultTag {
		t.Fatalf("record %+v", rec)
	}
	if len(rec.Actions) != 2 || rec.Actions[0].Action != ActionExplore || rec.Actions[1].Action != ActionClose {
		t.Fatalf("actions %+v", rec.Actions)
	}
	if rec.Data["dateOfArrival"] != now.UnixMilli() || rec.Data["message"] != "hi" {
		t.Fatalf("data %+v", rec.Data)
	}
	if id, ok := rec.Data["pokemon_id"].(float64); !ok || id != 25 {
		t.Fatalf("pokemon_id = %#v", rec.Data["pokemon_id"])
	}
	if len(rec.Vibrate) != 3 {
		t.Fatalf("vibrate %v", rec.Vibrate)
	}
}

func TestRecordFromPushBodyPrecedence(t *testing.T) {
	tests := []struct {
		name string
		in   PushPayload
		want string
	}{
		{"body wins", PushPayload{Body: "b", Message: "m"}, "b"},
		{"message fallback", PushPayload{Message: "m"}, "m"},
		{"default", PushPayload{}, DefaultBody},
		{"blank body", PushPayload{Body: "  "}, DefaultBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecordFromPush(tt.in, time.Now()).Body; got != tt.want {
				t.Fatalf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordFromPushCustomActions(t *testing.T) {
	rec := RecordFromPush(PushPayload{URL: "/chat?pokemon=7", Actions: []string{"reply"}}, time.Now())
	if rec.URL != "/chat?pokemon=7" {
		t.Fatalf("url %q", rec.URL)
	}
	if len(rec.Actions) != 1 || rec.Actions[0].Action != "reply" || rec.Actions[0].Title != "reply" {
		t.Fatalf("actions %+v", rec.Actions)
	}
}

func TestParsePushMalformed(t *testing.T) {
	for _, in := range []string{"", "not json", `["a"]`, `{"title":`, `"str"`} {
		if _, err := ParsePush([]byte(in)); !errors.Is(err, ErrMalformedPush) {
			t.Errorf("ParsePush(%q) err = %v, want ErrMalformedPush", in, err)
		}
	}
}

func TestDispatcherPushMalformedShowsGeneric(t *testing.T) {
	env := newTestEnv(t)
	view := &inbox{}
	env.layer.Hub().Register(testOrigin+"/", view.send)

	rec := env.layer.Notifications().Push(context.Background(), []byte("garbage"))
	if rec.Title != DefaultTitle || rec.Body != DefaultBody || rec.URL != ChatEntryPoint {
		t.Fatalf("record %+v", rec)
	}
	if shown := env.surface.Shown(); len(shown) != 1 || shown[0].Body != DefaultBody {
		t.Fatalf("shown %+v", shown)
	}
	if !view.has(`"type":"notification"`) {
		t.Fatalf("view frames %v", view.Frames())
	}
}

func TestClickRouting(t *testing.T) {
	rec := NotificationRecord{Title: "X", URL: "/chat"}

	t.Run("close dismisses", func(t *testing.T) {
		env := newTestEnv(t)
		view := &inbox{}
		env.layer.Hub().Register(testOrigin+"/chat", view.send)
		if got := env.layer.Notifications().Click(context.Background(), rec, ActionClose); got != ClickDismissed {
			t.Fatalf("outcome %s", got)
		}
		if len(view.Frames()) != 0 || len(env.surface.Opened()) != 0 {
			t.Fatal("close must not focus or open")
		}
	})

	t.Run("focuses matching view", func(t *testing.T) {
		env := newTestEnv(t)
		other, chat := &inbox{}, &inbox{}
		env.layer.Hub().Register(testOrigin+"/pokedex", other.send)
		env.layer.Hub().Register(testOrigin+"/chat/", chat.send)
		if got := env.layer.Notifications().Click(context.Background(), rec, ActionExplore); got != ClickFocused {
			t.Fatalf("outcome %s", got)
		}
		if !chat.has(`"type":"notification-click"`) || !chat.has(`"focus":true`) {
			t.Fatalf("chat frames %v", chat.Frames())
		}
		if len(other.Frames()) != 0 {
			t.Fatalf("other view got %v", other.Frames())
		}
		if len(env.surface.Opened()) != 0 {
			t.Fatal("opened a view although one was focused")
		}
	})

	t.Run("opens when no view matches", func(t *testing.T) {
		env := newTestEnv(t)
		env.layer.Hub().Register(testOrigin+"/pokedex", (&inbox{}).send)
		if got := env.layer.Notifications().Click(context.Background(), NotificationRecord{}, ActionExplore); got != ClickOpened {
			t.Fatalf("outcome %s", got)
		}
		if opened := env.surface.Opened(); len(opened) != 1 || opened[0] != ChatEntryPoint {
			t.Fatalf("opened %v", opened)
		}
	})
}

func TestSameView(t *testing.T) {
	tests := []struct {
		view, target string
		want         bool
	}{
		{"http://localhost:8080/chat", "/chat", true},
		{"http://localhost:8080/chat/", "/chat", true},
		{"http://localhost:8080/chat?pokemon=1", "/chat", true},
		{"http://localhost:8080/chat?pokemon=1", "/chat?pokemon=2", false},
		{"http://localhost:8080/", "/chat", false},
		{"http://localhost:8080", "/", true},
	}
	for _, tt := range tests {
		if got := sameView(tt.view, tt.target); got != tt.want {
			t.Errorf("sameView(%q, %q) = %v, want %v", tt.view, tt.target, got, tt.want)
		}
	}
}
