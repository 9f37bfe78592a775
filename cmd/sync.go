package cmd

import (
	"fmt"

	"github.com/marcus/flipstock/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync local data with the remote store",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		if pushOnly && pullOnly {
			return fmt.Errorf("--push and --pull are mutually exclusive")
		}

		a, err := buildApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if !a.cfg.SyncEnabled() {
			output.Warning("sync is disabled in config (sync.enabled)")
			return nil
		}

		// Deferred mutations go out first so the pull sees their effects.
		if n := a.queue.Len(); n > 0 {
			res := a.engine.ReplayQueue()
			output.Info("queue replay: %d ok, %d failed, %d dropped", res.OK, res.Failed, res.Dropped)
		}

		switch {
		case pushOnly:
			err = a.engine.PushDelta()
		case pullOnly:
			err = a.engine.PullDelta()
		default:
			err = a.engine.FullSync()
		}
		if err != nil {
			output.Error("sync: %v", err)
			return err
		}

		output.Success("sync complete (%d items, %d sales, %d expenses)",
			a.data.Len("inventory"), a.data.Len("sales"), a.data.Len("expenses"))
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "push local changes only")
	syncCmd.Flags().Bool("pull", false, "pull remote changes only")
	rootCmd.AddCommand(syncCmd)
}
