package cmd

import (
	"github.com/marcus/flipstock/internal/output"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect or replay the offline mutation queue",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		replay, _ := cmd.Flags().GetBool("replay")

		a, err := buildApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		n := a.queue.Len()
		if n == 0 {
			output.Info("offline queue is empty")
			return nil
		}
		output.Info("%d entries queued", n)

		if replay {
			res := a.engine.ReplayQueue()
			output.Success("replayed: %d ok, %d failed, %d dropped", res.OK, res.Failed, res.Dropped)
			if res.Failed > 0 {
				output.Warning("%d entries re-queued for a later attempt", res.Failed)
			}
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("replay", false, "replay queued mutations against the remote")
	rootCmd.AddCommand(queueCmd)
}
