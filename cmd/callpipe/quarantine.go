package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

func quarantineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and resolve malformed inbound notifications",
	}

	var (
		status string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			items, err := c.intake.List(ctx, domain.QuarantineStatus(status), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "quarantine is empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tCREATED\tREASON")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Status, it.Source, it.CreatedAt.Format("2006-01-02 15:04:05"), it.Reason)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVar(&status, "status", string(domain.QuarantinePending), "pending, replayed, discarded or empty for all")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum items")

	var payloadFile string
	replayCmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Create a fresh job from a quarantined item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var override []byte
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				override = data
			}

			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			jobID, err := c.intake.Replay(ctx, domain.QuarantineID(args[0]), override)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %s\n", jobID)
			return nil
		},
	}
	replayCmd.Flags().StringVar(&payloadFile, "payload", "", "file with a corrected notification body")

	discardCmd := &cobra.Command{
		Use:   "discard <id>",
		Short: "Close a quarantined item without creating a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.intake.Discard(ctx, domain.QuarantineID(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "discarded")
			return nil
		},
	}

	cmd.AddCommand(listCmd, replayCmd, discardCmd)
	return cmd
}
