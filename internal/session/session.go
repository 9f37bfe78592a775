// Package session serializes credential refresh and session bootstrap. An
// in-flight token refresh is shared by all concurrent callers, and session
// start is idempotent so a duplicate signed-in event cannot double-boot the
// sync stack.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marcus/flipstock/internal/config"
	"github.com/marcus/flipstock/internal/remote"
)

// startTimeout bounds the initial full sync at session start. On timeout the
// session is considered started anyway, with a degraded sync status, rather
// than blocking indefinitely.
const startTimeout = 10 * time.Second

// refreshSlack refreshes tokens this long before their expiry.
const refreshSlack = 5 * time.Minute

// ErrSessionInvalid signals a fatal auth failure: sync stops and the user
// must re-authenticate before the offline queue is flushed.
var ErrSessionInvalid = errors.New("session invalid, re-authentication required")

// inflightRefresh is one shared refresh operation.
type inflightRefresh struct {
	done chan struct{}
	err  error
}

// Coordinator guards session lifecycle for one device.
type Coordinator struct {
	client *remote.Client

	mu         sync.Mutex
	creds      *config.Credentials
	refreshing *inflightRefresh
	active     string // account id of the started session, "" when none

	startTimeout time.Duration

	// fullSync runs the initial pull+push at session start; onAuthFailure
	// surfaces the re-authentication prompt. Both wired at construction.
	fullSync      func() error
	onAuthFailure func()
	onDegraded    func(message string)
}

// New creates a coordinator around the remote client and cached credentials.
func New(client *remote.Client, creds *config.Credentials, fullSync func() error, onAuthFailure func()) *Coordinator {
	return &Coordinator{
		client:        client,
		creds:         creds,
		startTimeout:  startTimeout,
		fullSync:      fullSync,
		onAuthFailure: onAuthFailure,
	}
}

// OnDegraded registers a callback invoked when the initial sync times out and
// the session continues with the sync still running in the background.
func (c *Coordinator) OnDegraded(fn func(message string)) {
	c.mu.Lock()
	c.onDegraded = fn
	c.mu.Unlock()
}

// Active returns the account id of the started session, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start bootstraps a session for the account. A second signed-in event for
// an account already active is a no-op. The initial full sync is raced
// against a fixed timeout; the timeout degrades status but does not abort
// the in-flight sync.
func (c *Coordinator) Start(accountID string) error {
	c.mu.Lock()
	if c.active == accountID {
		c.mu.Unlock()
		return nil
	}
	c.active = accountID
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.fullSync() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("session start sync: %w", err)
		}
		return nil
	case <-time.After(c.startTimeout):
		slog.Warn("session: initial sync timed out, session started degraded",
			"account", accountID, "timeout", c.startTimeout)
		c.mu.Lock()
		degraded := c.onDegraded
		c.mu.Unlock()
		if degraded != nil {
			degraded("initial sync timed out")
		}
		return nil
	}
}

// Refresh performs a single-flight token refresh: concurrent callers await
// the same in-flight request instead of issuing their own.
func (c *Coordinator) Refresh() error {
	c.mu.Lock()
	if c.refreshing != nil {
		call := c.refreshing
		c.mu.Unlock()
		<-call.done
		return call.err
	}
	call := &inflightRefresh{done: make(chan struct{})}
	c.refreshing = call
	c.mu.Unlock()

	call.err = c.doRefresh()

	c.mu.Lock()
	c.refreshing = nil
	c.mu.Unlock()
	close(call.done)
	return call.err
}

func (c *Coordinator) doRefresh() error {
	resp, err := c.client.Refresh()
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			c.handleAuthFailure()
			return ErrSessionInvalid
		}
		return fmt.Errorf("refresh token: %w", err)
	}

	c.client.SetToken(resp.Token)
	c.mu.Lock()
	if c.creds != nil {
		c.creds.Token = resp.Token
		c.creds.ExpiresAt = resp.ExpiresAt
		if err := config.SaveAuth(c.creds); err != nil {
			slog.Warn("session: persist refreshed token", "err", err)
		}
	}
	c.mu.Unlock()
	slog.Debug("session: token refreshed", "expires_at", resp.ExpiresAt)
	return nil
}

// EnsureFresh refreshes the token when it is missing an expiry or expires
// within the slack window.
func (c *Coordinator) EnsureFresh() error {
	exp := c.tokenExpiry()
	if exp.IsZero() || time.Until(exp) < refreshSlack {
		return c.Refresh()
	}
	return nil
}

// tokenExpiry reads the expiry claim out of the current token. The token is
// not verified here — the server owns verification; the client only needs
// the timestamp.
func (c *Coordinator) tokenExpiry() time.Time {
	tok := c.client.Token()
	if tok == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// handleAuthFailure stops sync activity and clears the in-memory session.
// The offline queue is left intact for after re-authentication.
func (c *Coordinator) handleAuthFailure() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
	if c.onAuthFailure != nil {
		c.onAuthFailure()
	}
}

// SignOut clears the active session and cached credentials.
func (c *Coordinator) SignOut() error {
	c.mu.Lock()
	c.active = ""
	c.creds = nil
	c.mu.Unlock()
	c.client.SetToken("")
	return config.ClearAuth()
}
