package cmd

import (
	"time"

	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/output"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show local replica and sync state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		for _, table := range models.Tables {
			output.Info("%-10s %d records", table, a.data.Len(table))
		}

		push, pull := a.engine.Watermarks()
		output.Subtle("last push: %s", formatWatermark(push))
		output.Subtle("last pull: %s", formatWatermark(pull))

		if n := a.queue.Len(); n > 0 {
			output.Warning("%d mutations queued offline", n)
		}
		if !a.store.Available() {
			output.Warning("primary storage unavailable, running on fallback")
		}
		return nil
	},
}

func formatWatermark(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
