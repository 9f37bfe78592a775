package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/flipstock/internal/api"
	"github.com/marcus/flipstock/internal/output"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the sync API server",
	GroupID: "system",
	Long: `Runs the HTTP sync server: auth endpoints, per-account upsert/delete/fetch,
and the websocket change feed. Intended for self-hosting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		dbPath, _ := cmd.Flags().GetString("db")
		createEmail, _ := cmd.Flags().GetString("create-account")

		store, err := api.OpenStore(dbPath)
		if err != nil {
			return fmt.Errorf("open server store: %w", err)
		}
		defer store.Close()

		if createEmail != "" {
			acct, err := store.CreateAccount(createEmail)
			if err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			output.Success("account created")
			fmt.Printf("  account id: %s\n  api key:    %s\n", acct.ID, acct.APIKey)
			return nil
		}

		secret, err := serverSecret()
		if err != nil {
			return err
		}
		srv := api.NewServer(api.Config{ListenAddr: listen, JWTSecret: secret}, store)
		if err := srv.Start(); err != nil {
			return err
		}
		output.Info("serving on %s", listen)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

// serverSecret returns the JWT signing secret from the environment, or
// generates an ephemeral one (tokens won't survive a restart).
func serverSecret() ([]byte, error) {
	if s := os.Getenv("FLIPSTOCK_JWT_SECRET"); s != "" {
		return []byte(s), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	output.Warning("FLIPSTOCK_JWT_SECRET not set, using ephemeral secret %s...", hex.EncodeToString(buf[:4]))
	return buf, nil
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "listen address")
	serveCmd.Flags().String("db", "flipstock-server.db", "server database path")
	serveCmd.Flags().String("create-account", "", "create an account for the given email and exit")
	rootCmd.AddCommand(serveCmd)
}
