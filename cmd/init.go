package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/flipstock/internal/config"
	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/output"
	"github.com/marcus/flipstock/internal/store"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local data directory",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getDataDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		data := models.NewDataset()
		st := store.Open(dir, data)
		defer st.Close()
		if !st.Available() {
			output.Warning("store unavailable, falling back to snapshot persistence")
		}
		st.Load()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		output.Success("initialized %s", dir)
		for _, table := range models.Tables {
			fmt.Printf("  %-10s %d records\n", table, data.Len(table))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
