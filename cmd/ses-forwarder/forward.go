package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forwardCmd = &cobra.Command{
	Use:   "forward MESSAGE_ID...",
	Short: "Forward stored messages by id",
	Long: `Runs the forwarding pipeline for each message id. The object key is the
configured key prefix followed by the id.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fwd, err := newForwarder(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		outcomes := fwd.ForwardBatch(cmd.Context(), args)

		failed := 0
		for _, out := range outcomes {
			status := "forwarded"
			switch {
			case !out.Forwarded():
				failed++
				status = "failed: " + out.Err.Error()
			case out.DeleteErr != nil:
				status = "forwarded, source kept: " + out.DeleteErr.Error()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.MessageID, status)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d messages not forwarded", failed, len(outcomes))
		}
		return nil
	},
}
