// Package notify propagates other devices' writes promptly: it subscribes to
// the server's change feed over a websocket, debounces bursts into a single
// pull, and falls back to fixed-interval polling when the subscription cannot
// be established or drops.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"
)

const (
	// debounceDelay collapses rapid remote changes into one pull.
	debounceDelay = 500 * time.Millisecond

	// pollSpec drives the fallback polling cadence.
	pollSpec = "@every 60s"

	// redialInterval paces websocket re-dial attempts while degraded to
	// polling, so a recovered server promotes the listener back to the feed.
	redialInterval = 60 * time.Second
)

// Event is one change-feed message. The listener only cares that something
// changed; the pull cycle fetches the actual rows.
type Event struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Listener subscribes to the change feed for one account.
type Listener struct {
	feedURL string        // ws(s) endpoint of the change feed
	tokenFn func() string // current access token, re-read on each dial
	onPull  func()        // invoked (debounced) when remote data changed

	mu        sync.Mutex
	running   bool
	suspended bool
	cancel    context.CancelFunc
	poller    *cron.Cron
	debounce  *time.Timer
	delay     time.Duration
	redial    time.Duration
}

// New creates a listener. onPull is called from a background goroutine after
// the debounce window whenever remote changes arrive, and on every polling
// tick while in fallback mode.
func New(feedURL string, tokenFn func() string, onPull func()) *Listener {
	return &Listener{
		feedURL: feedURL,
		tokenFn: tokenFn,
		onPull:  onPull,
		delay:   debounceDelay,
		redial:  redialInterval,
	}
}

// Start begins the subscription. Idempotent; a second Start is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.suspended = false
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop tears down the subscription and any polling fallback.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.cancel = nil
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce = nil
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.stopPolling()
}

// Suspend pauses the subscription while the app is hidden, saving resources.
func (l *Listener) Suspend() {
	l.mu.Lock()
	already := l.suspended || !l.running
	l.suspended = true
	l.mu.Unlock()
	if already {
		return
	}
	l.Stop()
	l.mu.Lock()
	l.suspended = true
	l.mu.Unlock()
	slog.Debug("notify: suspended")
}

// Resume re-subscribes after the app becomes visible again and performs one
// immediate poll so the window catches up right away.
func (l *Listener) Resume() {
	l.mu.Lock()
	wasSuspended := l.suspended
	l.suspended = false
	l.mu.Unlock()
	if !wasSuspended {
		return
	}
	l.onPull()
	l.Start()
	slog.Debug("notify: resumed")
}

// run maintains the subscription until the context is cancelled: dial,
// consume events until the connection drops, then poll while periodically
// re-attempting the dial.
func (l *Listener) run(ctx context.Context) {
	for {
		if done := l.consume(ctx); done {
			return
		}
		l.startPolling()
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.redial):
		}
	}
}

// consume dials the feed and reads events until the connection drops. It
// reports true when the listener is shutting down, false when the
// subscription should be retried after a polling interval.
func (l *Listener) consume(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	opts := &websocket.DialOptions{}
	if tok := l.tokenFn(); tok != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + tok}}
	}
	conn, _, err := websocket.Dial(dialCtx, l.feedURL, opts)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		slog.Warn("notify: subscribe failed, falling back to polling", "err", err)
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	l.stopPolling()
	slog.Debug("notify: subscribed", "url", l.feedURL)

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			slog.Warn("notify: subscription dropped, falling back to polling", "err", err)
			return false
		}
		l.schedulePull()
	}
}

// schedulePull debounces the pull trigger; a newer event resets the timer.
func (l *Listener) schedulePull() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	if l.debounce != nil {
		l.debounce.Reset(l.delay)
		return
	}
	l.debounce = time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		l.debounce = nil
		running := l.running
		l.mu.Unlock()
		if running {
			l.onPull()
		}
	})
}

// startPolling runs the pull on a fixed interval while the subscription is
// unavailable.
func (l *Listener) startPolling() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.poller != nil {
		return
	}
	c := cron.New()
	if _, err := c.AddFunc(pollSpec, l.onPull); err != nil {
		slog.Warn("notify: start polling", "err", err)
		return
	}
	c.Start()
	l.poller = c
}

func (l *Listener) stopPolling() {
	l.mu.Lock()
	poller := l.poller
	l.poller = nil
	l.mu.Unlock()
	if poller != nil {
		poller.Stop()
	}
}
