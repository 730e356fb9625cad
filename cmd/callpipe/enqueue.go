package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func enqueueCmd(a *app) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <subject-ref> <audio-url>",
		Short: "Add a transcription job to the queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.queue.Enqueue(ctx, args[0], args[1], priority)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "higher priorities are claimed first")
	return cmd
}
