package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/flipstock/internal/config"
	"github.com/marcus/flipstock/internal/notify"
	"github.com/marcus/flipstock/internal/output"
	"github.com/marcus/flipstock/internal/session"
	flipsync "github.com/marcus/flipstock/internal/sync"
)

// settleDelay waits out flaky connectivity right after the online
// transition before replaying the offline queue.
const settleDelay = 2 * time.Second

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Short:   "Run the background sync daemon",
	GroupID: "system",
	Long: `Runs the full sync stack: live change-feed subscription (with polling
fallback), debounced auto-push, periodic full sync, and offline queue replay
on reconnect. Logs rotate under the data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetString("full-sync-interval")

		setupDaemonLogging()

		a, err := buildApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if !a.cfg.SyncEnabled() {
			output.Warning("sync is disabled in config (sync.enabled), daemon not started")
			return nil
		}

		coord := session.New(a.client, a.creds, a.engine.FullSync, func() {
			slog.Error("session invalid, sync stopped until re-authentication")
			a.engine.SetOffline(true)
		})
		coord.OnDegraded(a.engine.MarkDegraded)

		a.engine.OnStatus(func(st flipsync.Status) {
			slog.Info("sync status", "state", st.State, "message", st.Message)
		})

		// Session bootstrap: initial full sync, bounded by the coordinator.
		if err := coord.Start(a.creds.AccountID); err != nil {
			slog.Warn("session start", "err", err)
		}

		// Live change feed -> debounced pulls.
		feedURL := config.FeedURL(a.client.BaseURL, a.creds.AccountID)
		listener := notify.New(feedURL, a.client.Token, func() {
			if err := coord.EnsureFresh(); err != nil {
				slog.Warn("token refresh", "err", err)
				return
			}
			if err := a.engine.PullDelta(); err != nil {
				slog.Warn("change-feed pull", "err", err)
			}
		})
		listener.Start()
		defer listener.Stop()

		// Periodic full sync as a safety net behind the change feed.
		c := cron.New()
		if _, err := c.AddFunc("@every "+interval, func() {
			if err := coord.EnsureFresh(); err != nil {
				slog.Warn("token refresh", "err", err)
				return
			}
			if err := a.engine.FullSync(); err != nil {
				slog.Warn("periodic sync", "err", err)
			}
		}); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()

		// Connectivity watcher: on the offline->online transition, wait a
		// short settle delay, then replay the queue if it has entries.
		go watchConnectivity(a)

		slog.Info("daemon running", "account", a.creds.AccountID)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		slog.Info("daemon stopping")
		return nil
	},
}

// watchConnectivity polls server health and drives the engine's offline flag
// and queue replay across transitions.
func watchConnectivity(a *app) {
	online := true
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		_, err := a.client.HealthCheck()
		nowOnline := err == nil

		if nowOnline && !online {
			slog.Info("back online")
			time.Sleep(settleDelay)
			a.engine.SetOffline(false)
			if a.queue.Len() > 0 {
				res := a.engine.ReplayQueue()
				slog.Info("queue replayed",
					"ok", res.OK, "failed", res.Failed, "dropped", res.Dropped)
			}
		} else if !nowOnline && online {
			slog.Warn("connection lost, queueing mutations", "err", err)
			a.engine.SetOffline(true)
		}
		online = nowOnline
	}
}

// setupDaemonLogging routes slog to a rotated file under the data directory.
func setupDaemonLogging() {
	logger := &lumberjack.Logger{
		Filename:   filepath.Join(getDataDir(), "daemon.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logger, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

func init() {
	daemonCmd.Flags().String("full-sync-interval", "5m", "periodic full sync interval")
	rootCmd.AddCommand(daemonCmd)
}
