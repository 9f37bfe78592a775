package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// feedServer is a minimal change-feed endpoint pushing scripted events.
type feedServer struct {
	srv    *httptest.Server
	events chan Event
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{events: make(chan Event, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for ev := range f.events {
			data, _ := json.Marshal(ev)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestListenerDebouncesEventsIntoOnePull(t *testing.T) {
	feed := newFeedServer(t)
	var pulls atomic.Int32

	l := New(feed.wsURL(), func() string { return "tok" }, func() { pulls.Add(1) })
	l.delay = 30 * time.Millisecond
	l.Start()
	defer l.Stop()

	for i := 0; i < 5; i++ {
		feed.events <- Event{Table: "inventory", ID: "a"}
	}

	waitFor(t, 2*time.Second, func() bool { return pulls.Load() >= 1 })
	// Settle: a burst must collapse into exactly one pull.
	time.Sleep(100 * time.Millisecond)
	if got := pulls.Load(); got != 1 {
		t.Errorf("pulls = %d, want 1", got)
	}
}

func TestListenerStartIsIdempotent(t *testing.T) {
	feed := newFeedServer(t)
	var pulls atomic.Int32

	l := New(feed.wsURL(), func() string { return "" }, func() { pulls.Add(1) })
	l.delay = 20 * time.Millisecond
	l.Start()
	l.Start()
	l.Start()
	defer l.Stop()

	feed.events <- Event{Table: "sales", ID: "s1"}
	waitFor(t, 2*time.Second, func() bool { return pulls.Load() >= 1 })
	time.Sleep(80 * time.Millisecond)
	if got := pulls.Load(); got != 1 {
		t.Errorf("pulls = %d, want 1 despite repeated Start", got)
	}
}

func TestListenerStopCancelsPendingPull(t *testing.T) {
	feed := newFeedServer(t)
	var pulls atomic.Int32

	l := New(feed.wsURL(), func() string { return "" }, func() { pulls.Add(1) })
	l.delay = 50 * time.Millisecond
	l.Start()

	feed.events <- Event{Table: "inventory", ID: "a"}
	// Give the event time to arrive, then stop inside the debounce window.
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	time.Sleep(150 * time.Millisecond)
	if got := pulls.Load(); got != 0 {
		t.Errorf("pulls = %d, want 0 after Stop", got)
	}
}

func TestListenerFallsBackToPollingOnDialFailure(t *testing.T) {
	// No server listening at this address.
	l := New("ws://127.0.0.1:1/changes", func() string { return "" }, func() {})
	l.Start()
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.poller != nil
	})
}

func TestListenerRedialsWhileDegraded(t *testing.T) {
	var accepting atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accepting.Load() {
			http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	l := New("ws"+strings.TrimPrefix(srv.URL, "http"), func() string { return "" }, func() {})
	l.redial = 20 * time.Millisecond
	l.Start()
	defer l.Stop()

	// Rejected dial degrades to polling.
	waitFor(t, 2*time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.poller != nil
	})

	// Once the feed recovers, a re-dial attempt must re-subscribe and stop
	// the polling fallback.
	accepting.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.poller == nil
	})
}

func TestSuspendResume(t *testing.T) {
	feed := newFeedServer(t)
	var pulls atomic.Int32

	l := New(feed.wsURL(), func() string { return "" }, func() { pulls.Add(1) })
	l.delay = 20 * time.Millisecond
	l.Start()
	defer l.Stop()

	l.Suspend()
	before := pulls.Load()

	// Resume performs one immediate catch-up pull and re-subscribes.
	l.Resume()
	if got := pulls.Load(); got != before+1 {
		t.Errorf("pulls = %d, want immediate catch-up pull on resume", got)
	}

	// Repeat the event until the fresh subscription observes it; the stale
	// server handler from before the suspend may swallow the first send.
	waitFor(t, 2*time.Second, func() bool {
		select {
		case feed.events <- Event{Table: "expenses", ID: "e1"}:
		default:
		}
		return pulls.Load() >= before+2
	})
}

func TestResumeWithoutSuspendIsNoop(t *testing.T) {
	var pulls atomic.Int32
	l := New("ws://127.0.0.1:1/changes", func() string { return "" }, func() { pulls.Add(1) })
	l.Resume()
	if pulls.Load() != 0 {
		t.Error("Resume without a prior Suspend must not pull")
	}
}
