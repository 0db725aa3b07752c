package pokeshell

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	wh, err := NewPushWebhook(testSecret, env.layer.Notifications())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServeMux(env.layer, wh))
	t.Cleanup(srv.Close)
	return srv
}

func TestMuxStatus(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	resp, err := http.Get(srv.URL + ControlPrefix + "status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Version != "pokechat-v1.0.0" || !st.Online {
		t.Fatalf("status %+v", st)
	}
}

func TestMuxMessage(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+ControlPrefix+"message", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := post(`{"type":"get-version"}`)
	var reply ViewMessage
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if reply.Type != MsgVersion || reply.Version != "pokechat-v1.0.0" {
		t.Fatalf("reply %+v", reply)
	}

	resp = post(`{"type":"whatever"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unknown message status %d", resp.StatusCode)
	}

	resp = post(`{not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad message status %d", resp.StatusCode)
	}
}

func TestMuxPushAndProxy(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	body := `{"message":"hello trainer"}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+ControlPrefix+"push", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignPush([]byte(body), testSecret))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push status %d", resp.StatusCode)
	}
	if shown := env.surface.Shown(); len(shown) != 1 || shown[0].Body != "hello trainer" {
		t.Fatalf("shown %+v", shown)
	}

	resp, err = http.Get(srv.URL + "/robots.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(HeaderSource) != "network" {
		t.Fatalf("proxied headers %v", resp.Header)
	}
}

func TestViewSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := newTestServer(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + ControlPrefix + "clients?url=/pokedex"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	eventually(t, "view registered", func() bool { return env.layer.Hub().Count() == 1 })

	write := func(msg ControlMessage) {
		b, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			t.Fatal(err)
		}
	}
	write(ControlMessage{Type: CtlGetVersion})
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var reply ViewMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != MsgVersion || reply.Version != env.layer.Version() {
		t.Fatalf("reply %+v", reply)
	}

	write(ControlMessage{Type: MsgNavigate, URL: "/chat"})
	eventually(t, "view navigated", func() bool {
		views := env.layer.Hub().Snapshot()
		return len(views) == 1 && views[0].URL == "/chat"
	})

	// A click on a chat notification now focuses this view.
	if got := env.layer.Notifications().Click(ctx, NotificationRecord{URL: "/chat"}, ActionExplore); got != ClickFocused {
		t.Fatalf("click outcome %s", got)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"notification-click"`) {
		t.Fatalf("frame %s", data)
	}
}
