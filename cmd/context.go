package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/flipstock/internal/config"
	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/queue"
	"github.com/marcus/flipstock/internal/remote"
	"github.com/marcus/flipstock/internal/store"
	flipsync "github.com/marcus/flipstock/internal/sync"
	"github.com/marcus/flipstock/internal/track"
)

// app bundles the wired sync stack for one command invocation. Components
// are constructed in dependency order: store, tracker, queue, engine.
type app struct {
	cfg    *config.Config
	creds  *config.Credentials
	data   *models.Dataset
	store  *store.Store
	track  *track.Tracker
	queue  *queue.Queue
	client *remote.Client
	engine *flipsync.Engine
}

// buildApp wires the stack. Requires cached credentials; commands that work
// without auth should not call this.
func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	creds, err := config.LoadAuth()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil || creds.Token == "" {
		return nil, fmt.Errorf("not logged in (run: flipstock auth login)")
	}

	data := models.NewDataset()
	st := store.Open(getDataDir(), data)
	st.Load()

	tr := track.New(data)
	q, err := queue.Open(st.Conn())
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	serverURL := creds.ServerURL
	if serverURL == "" {
		serverURL = cfg.ServerURL()
	}
	client := remote.New(serverURL, creds.Token)
	engine := flipsync.New(data, st, tr, q, client, creds.AccountID)

	autoDelay := time.Duration(0)
	if raw := cfg.Sync.Auto.Debounce; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid auto-sync debounce %q: %w", raw, err)
		}
		autoDelay = d
	}
	engine.ConfigureAutoPush(cfg.AutoSyncEnabled(), autoDelay)

	return &app{
		cfg:    cfg,
		creds:  creds,
		data:   data,
		store:  st,
		track:  tr,
		queue:  q,
		client: client,
		engine: engine,
	}, nil
}

func (a *app) close() {
	a.store.Close()
}
