package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version string
	dataDir string
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "flipstock",
	Short: "Offline-first sync engine for a resale inventory tracker",
	Long: `flipstock keeps a local replica of your inventory, sales and expenses
in sync with a multi-device store: delta push/pull with per-record conflict
resolution, a durable offline queue, and a live change feed.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultDataDir returns ~/.local/share/flipstock.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flipstock"
	}
	return filepath.Join(home, ".local", "share", "flipstock")
}

// getDataDir resolves the data directory from the flag or the default.
func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	return defaultDataDir()
}

func init() {
	rootCmd.Version = "dev"
	cobra.OnInitialize(func() {
		if version != "" {
			rootCmd.Version = version
		}
	})
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.local/share/flipstock)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
}
