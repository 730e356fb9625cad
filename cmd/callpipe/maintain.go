package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// maintainCmd exposes the janitor's passes as one-shots for cron or ops use.
func maintainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass",
	}

	var reapTimeout time.Duration
	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Return jobs whose worker stopped reporting to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if reapTimeout <= 0 {
				reapTimeout = a.cfg.Queue.ReapTimeout
			}
			n, err := c.queue.Reap(ctx, reapTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d jobs\n", n)
			return nil
		},
	}
	reapCmd.Flags().DurationVar(&reapTimeout, "timeout", 0, "processing age considered abandoned (default queue.reap_timeout)")

	var staleAfter time.Duration
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail suite runs that stopped reporting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if staleAfter <= 0 {
				staleAfter = a.cfg.Suite.StaleAfter
			}
			ids, err := c.suites.SweepStale(ctx, staleAfter)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale suite runs\n", len(ids))
			return nil
		},
	}
	sweepCmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "running age considered abandoned (default suite.stale_after)")

	cmd.AddCommand(reapCmd, sweepCmd)
	return cmd
}
