// Package api implements the flipstock sync server: one record table per
// collection scoped by account, jwt auth, and a websocket change feed that
// lets other devices pull promptly instead of polling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/remote"
)

// Config holds server settings.
type Config struct {
	ListenAddr string
	JWTSecret  []byte
}

// Server is the HTTP API server.
type Server struct {
	config Config
	http   *http.Server
	store  *Store
	feed   *feedHub
}

// NewServer creates a Server around the given store.
func NewServer(cfg Config, store *Store) *Server {
	s := &Server{
		config: cfg,
		store:  store,
		feed:   newFeedHub(),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.closeAll()
	return s.http.Shutdown(ctx)
}

// Handler exposes the route handler for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Auth
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", s.requireAuth(s.handleRefresh))

	// Records
	mux.HandleFunc("POST /v1/accounts/{account}/{table}/upsert", s.requireAccount(s.handleUpsert))
	mux.HandleFunc("POST /v1/accounts/{account}/{table}/delete", s.requireAccount(s.handleDelete))
	mux.HandleFunc("GET /v1/accounts/{account}/{table}", s.requireAccount(s.handleFetch))

	// Change feed
	mux.HandleFunc("GET /v1/accounts/{account}/changes", s.requireAccount(s.handleChanges))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type upsertRequest struct {
	Records []models.Record `json:"records"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

type batchResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	table := r.PathValue("table")
	if !models.ValidTable(table) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown table")
		return
	}

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}

	now := time.Now().UnixMilli()
	count, err := s.store.Upsert(account, table, req.Records, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	for _, rec := range req.Records {
		s.feed.broadcast(account, changeEvent{Table: table, ID: rec.ID()})
	}
	writeJSON(w, http.StatusOK, batchResponse{Count: count})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	table := r.PathValue("table")
	if !models.ValidTable(table) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown table")
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}

	count, err := s.store.Delete(account, table, req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	for _, id := range req.IDs {
		s.feed.broadcast(account, changeEvent{Table: table, ID: id})
	}
	writeJSON(w, http.StatusOK, batchResponse{Count: count})
}

type fetchResponse struct {
	Rows []remote.Row `json:"rows"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	table := r.PathValue("table")
	if !models.ValidTable(table) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown table")
		return
	}

	var since int64
	if raw := r.URL.Query().Get("updated_after"); raw != "" {
		var err error
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid updated_after")
			return
		}
	}

	rows, err := s.store.FetchSince(account, table, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fetchResponse{Rows: rows})
}
