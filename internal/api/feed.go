package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// changeEvent is one change-feed message, sent to every connected device of
// the affected account.
type changeEvent struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// feedHub tracks change-feed subscribers per account.
type feedHub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool // account -> conns
}

func newFeedHub() *feedHub {
	return &feedHub{clients: make(map[string]map[*websocket.Conn]bool)}
}

func (h *feedHub) add(account string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[account] == nil {
		h.clients[account] = make(map[*websocket.Conn]bool)
	}
	h.clients[account][conn] = true
}

func (h *feedHub) remove(account string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[account]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, account)
		}
	}
}

// broadcast sends an event to all subscribers of one account. Subscribers
// that fail to accept the write are dropped.
func (h *feedHub) broadcast(account string, ev changeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("feed: marshal event", "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[account]))
	for conn := range h.clients[account] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.remove(account, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for account, conns := range h.clients {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, account)
	}
}

// handleChanges upgrades the connection and streams change events for the
// authenticated account until the client goes away.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("feed: websocket upgrade failed", "err", err)
		return
	}

	s.feed.add(account, conn)
	slog.Debug("feed: client connected", "account", account)

	// Read loop only detects disconnects; clients never send payloads.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	s.feed.remove(account, conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("feed: client disconnected", "account", account)
}
