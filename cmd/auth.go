package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/flipstock/internal/config"
	"github.com/marcus/flipstock/internal/output"
	"github.com/marcus/flipstock/internal/remote"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage authentication with the sync server",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with an API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			output.Error("--api-key is required")
			return fmt.Errorf("missing api key")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if server == "" {
			server = cfg.ServerURL()
		}

		client := remote.New(server, "")
		resp, err := client.Login(apiKey)
		if err != nil {
			output.Error("login failed: %v", err)
			return err
		}

		deviceID, err := config.GetDeviceID()
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}
		creds := &config.Credentials{
			Token:     resp.Token,
			AccountID: resp.AccountID,
			ServerURL: server,
			DeviceID:  deviceID,
			ExpiresAt: resp.ExpiresAt,
		}
		if err := config.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		output.Success("logged in (account %s)", resp.AccountID)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear cached credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearAuth(); err != nil {
			return err
		}
		output.Success("logged out")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !config.IsAuthenticated() {
			output.Info("not logged in")
			return nil
		}
		creds, err := config.LoadAuth()
		if err != nil {
			return err
		}
		output.Info("account:  %s", creds.AccountID)
		output.Info("server:   %s", creds.ServerURL)
		output.Info("device:   %s", creds.DeviceID)
		if exp := creds.TokenExpiry(); !exp.IsZero() {
			if remaining := time.Until(exp); remaining > 0 {
				output.Subtle("token expires in %s", remaining.Round(time.Minute))
			} else {
				output.Warning("token expired %s", exp.Format(time.RFC3339))
			}
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("server", "", "sync server URL")
	authLoginCmd.Flags().String("api-key", "", "account API key")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
