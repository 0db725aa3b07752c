package pokeshell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/pokechat/pokeshell/storage/memory"
)

func queueOffline(t *testing.T, env *testEnv, method, path, body string) string {
	t.Helper()
	env.origin.SetOffline(true)
	resp := env.do(t, method, path, body)
	readAll(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("%s %s: status %d, want 202", method, path, resp.StatusCode)
	}
	return resp.Header.Get(HeaderStatus)
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	res, err := env.layer.Sync(context.Background(), TagBackground)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 0 || res.Skipped {
		t.Fatalf("result %+v", res)
	}
	if n := len(env.origin.Calls()); n != 0 {
		t.Fatalf("empty drain made %d network calls", n)
	}
	if n := len(env.surface.Shown()); n != 0 {
		t.Fatalf("empty drain showed %d notifications", n)
	}
}

func TestDrainRoundTripInOrder(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	for i := 0; i < 5; i++ {
		queueOffline(t, env, http.MethodPost, "/api/team/add", fmt.Sprintf(`{"pokemon_id":%d}`, i+1))
	}
	if env.layer.Queue().Len() != 5 {
		t.Fatalf("queued %d, want 5", env.layer.Queue().Len())
	}

	env.origin.SetOffline(false)
	env.origin.Reset()
	res, err := env.layer.Sync(context.Background(), TagBackground)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 5 || res.Remaining != 0 {
		t.Fatalf("result %+v", res)
	}

	calls := env.origin.Calls()
	if len(calls) != 5 {
		t.Fatalf("replayed %d times, want 5", len(calls))
	}
	for i, c := range calls {
		want := fmt.Sprintf(`{"pokemon_id":%d}`, i+1)
		if c.Method != http.MethodPost || string(c.Body) != want {
			t.Fatalf("call %d = %s %q, want %q", i, c.Method, c.Body, want)
		}
		if c.Header.Get(HeaderReplay) == "" {
			t.Fatalf("call %d missing %s", i, HeaderReplay)
		}
	}
	if env.layer.Queue().Len() != 0 || len(persisted(t, env.queue)) != 0 {
		t.Fatal("queue not empty after full drain")
	}

	shown := env.surface.Shown()
	if len(shown) != 1 || shown[0].Tag != "sync-complete" {
		t.Fatalf("notifications %+v", shown)
	}
}

func TestDrainPartitionsOutcomes(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	view := &inbox{}
	env.layer.Hub().Register(testOrigin+"/chat", view.send)

	for _, p := range []string{"/api/team/add", "/api/team/remove", "/api/pokemon/4", "/api/pokemon/7"} {
		method := http.MethodPost
		if strings.HasPrefix(p, "/api/pokemon/") {
			method = http.MethodDelete
		}
		queueOffline(t, env, method, p, `{}`)
	}

	env.origin.SetOffline(false)
	env.origin.SetRespond(func(r *http.Request, _ []byte) *http.Response {
		switch r.URL.Path {
		case "/api/team/remove":
			return textResponse(r, http.StatusServiceUnavailable, "try later")
		case "/api/pokemon/4":
			return textResponse(r, http.StatusNotFound, "gone")
		case "/api/pokemon/7":
			return textResponse(r, http.StatusTooManyRequests, "slow down")
		}
		return textResponse(r, http.StatusCreated, "ok")
	})

	res, err := env.layer.Sync(context.Background(), TagBackground)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 || res.Retried != 2 || res.Rejected != 1 || res.Remaining != 2 {
		t.Fatalf("result %+v", res)
	}

	left := env.layer.Queue().All()
	if len(left) != 2 || !strings.HasSuffix(left[0].URL, "/api/team/remove") || !strings.HasSuffix(left[1].URL, "/api/pokemon/7") {
		t.Fatalf("remaining %v", ids(left))
	}
	for _, m := range left {
		if m.Attempts != 1 {
			t.Fatalf("attempts %d for %s", m.Attempts, m.URL)
		}
	}
	if !view.has(`"type":"sync-rejected"`) || !view.has(`"status":404`) {
		t.Fatalf("rejection not reported: %v", view.Frames())
	}
	if len(env.surface.Shown()) != 0 {
		t.Fatal("confirmation shown although items remain")
	}
	if got := env.layer.Tracker().Pending(); len(got) != 1 || got[0] != TagBackground {
		t.Fatalf("retry tag not re-registered: %v", got)
	}
}

func TestDrainFailureKeepsTailOrderAcrossPasses(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	for i := 0; i < 3; i++ {
		queueOffline(t, env, http.MethodPost, fmt.Sprintf("/api/item/%d", i), "x")
	}
	// Still offline: every replay fails and the order is kept.
	res, err := env.layer.Sync(context.Background(), TagBackground)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 3 || res.Remaining != 3 {
		t.Fatalf("result %+v", res)
	}
	for i, m := range env.layer.Queue().All() {
		if !strings.HasSuffix(m.URL, fmt.Sprintf("/api/item/%d", i)) {
			t.Fatalf("position %d holds %s", i, m.URL)
		}
	}
}

func TestChatSyncPostsSyncComplete(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	view := &inbox{}
	env.layer.Hub().Register(testOrigin+"/chat", view.send)
	queueOffline(t, env, http.MethodPost, "/api/pokemon/25/send", `{"message":"hi"}`)

	env.origin.SetOffline(false)
	if _, err := env.layer.Sync(context.Background(), TagChat); err != nil {
		t.Fatal(err)
	}
	if !view.has(`"type":"sync-complete"`) {
		t.Fatalf("frames %v", view.Frames())
	}
}

func TestDrainsDoNotOverlap(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	queueOffline(t, env, http.MethodPost, "/api/team/add", "{}")

	entered := make(chan struct{})
	release := make(chan struct{})
	env.origin.SetOffline(false)
	env.origin.SetRespond(func(r *http.Request, _ []byte) *http.Response {
		close(entered)
		<-release
		return textResponse(r, http.StatusOK, "ok")
	})

	done := make(chan DrainResult)
	go func() {
		res, _ := env.layer.Sync(context.Background(), TagBackground)
		done <- res
	}()
	<-entered

	res, err := env.layer.Sync(context.Background(), TagChat)
	if err != nil || !res.Skipped {
		t.Fatalf("overlapping drain: %+v err=%v", res, err)
	}
	close(release)
	if first := <-done; first.Delivered != 1 {
		t.Fatalf("first drain %+v", first)
	}
}

func TestConnectivityRestoreDrainsAutomatically(t *testing.T) {
	env := newTestEnv(t)
	queueOffline(t, env, http.MethodPost, "/api/team/add", `{"id":1}`)
	if env.layer.Tracker().Online() {
		t.Fatal("tracker should be offline after a transport failure")
	}

	env.origin.SetOffline(false)
	readAll(t, env.do(t, http.MethodGet, "/robots.txt", ""))

	eventually(t, "automatic drain", func() bool { return env.layer.Queue().Len() == 0 })
}

func TestQueuePersistenceRetriedBeforeDrain(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	env.queue.SetFailure(errors.New("quota exceeded"))
	queueOffline(t, env, http.MethodPost, "/api/team/add", "{}")
	if len(persisted(t, env.queue)) != 0 || env.layer.Queue().Len() != 1 {
		t.Fatal("expected in-memory only mutation")
	}

	env.queue.SetFailure(nil)
	// Still offline: the drain fails but the flush before it persists.
	if _, err := env.layer.Sync(context.Background(), TagBackground); err != nil {
		t.Fatal(err)
	}
	if len(persisted(t, env.queue)) != 1 {
		t.Fatal("mutation not persisted at next opportunity")
	}
}

func TestClassifyReplay(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   Outcome
	}{
		{0, errors.New("connection refused"), OutcomeRetry},
		{200, nil, OutcomeDelivered},
		{204, nil, OutcomeDelivered},
		{302, nil, OutcomeDelivered},
		{400, nil, OutcomeRejected},
		{404, nil, OutcomeRejected},
		{409, nil, OutcomeRejected},
		{408, nil, OutcomeRetry},
		{425, nil, OutcomeRetry},
		{429, nil, OutcomeRetry},
		{500, nil, OutcomeRetry},
		{503, nil, OutcomeRetry},
	}
	for _, tt := range tests {
		if got := ClassifyReplay(tt.status, tt.err); got != tt.want {
			t.Errorf("ClassifyReplay(%d, %v) = %s, want %s", tt.status, tt.err, got, tt.want)
		}
	}
}

func TestSignalDuringDrainRunsAnotherPass(t *testing.T) {
	env := newTestEnv(t, WithAutoSync(false))
	queueOffline(t, env, http.MethodPost, "/api/team/add", `{"n":1}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.origin.SetOffline(false)
	env.origin.SetRespond(func(r *http.Request, _ []byte) *http.Response {
		if r.URL.Path == "/api/team/add" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return textResponse(r, http.StatusOK, "ok")
	})

	done := make(chan DrainResult)
	go func() {
		res, _ := env.layer.Sync(context.Background(), TagBackground)
		done <- res
	}()
	<-entered

	// A second mutation fails while the first replay is in flight, then
	// connectivity returns and its signal lands on the running drain.
	queueOffline(t, env, http.MethodPost, "/api/team/remove", `{"n":2}`)
	env.origin.SetOffline(false)
	res, err := env.layer.Sync(context.Background(), TagBackground)
	if err != nil || !res.Skipped {
		t.Fatalf("overlapping drain: %+v err=%v", res, err)
	}

	close(release)
	first := <-done
	if first.Delivered != 2 || first.Remaining != 0 {
		t.Fatalf("drain result %+v", first)
	}
	if n := env.layer.Queue().Len(); n != 0 {
		t.Fatalf("%d mutation(s) left queued after the drain", n)
	}
	var replayed bool
	for _, c := range env.origin.Calls() {
		if strings.HasSuffix(c.URL, "/api/team/remove") && string(c.Body) == `{"n":2}` && c.Header.Get(HeaderReplay) != "" {
			replayed = true
		}
	}
	if !replayed {
		t.Fatal("mutation queued during the drain was not replayed")
	}
	if env.layer.Status().Draining {
		t.Fatal("coordinator still draining")
	}
}

// flipQueue brings the origin back while a mutation is being persisted.
type flipQueue struct {
	*memory.Queue
	once sync.Once
	flip func()
}

func (q *flipQueue) Save(ctx context.Context, items [][]byte) error {
	err := q.Queue.Save(ctx, items)
	if q.flip != nil {
		q.once.Do(q.flip)
	}
	return err
}

func TestMutationQueuedAsConnectivityReturns(t *testing.T) {
	store := &flipQueue{Queue: memory.NewQueue()}
	env := newTestEnv(t, WithQueueStore(store))
	store.flip = func() {
		env.origin.SetOffline(false)
		env.layer.Tracker().SetOnline(true)
	}

	env.origin.SetOffline(true)
	resp := env.do(t, http.MethodPost, "/api/team/add", `{"id":7}`)
	readAll(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	eventually(t, "queued mutation replayed", func() bool { return env.layer.Queue().Len() == 0 })
}
