package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/services"
)

func suiteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suite",
		Short: "Import, run and report on accuracy test suites",
	}
	cmd.AddCommand(suiteImportCmd(a), suiteRunCmd(a), suiteRunsCmd(a), suiteReportCmd(a))
	return cmd
}

func suiteImportCmd(a *app) *cobra.Command {
	var suiteID string
	cmd := &cobra.Command{
		Use:   "import <file.yaml|file.json>",
		Short: "Load test case fixtures into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixtures: %w", err)
			}
			cases, err := services.ParseSuiteFile(data, suiteID)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := services.ImportTestCases(ctx, c.store, cases)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d test cases\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&suiteID, "suite", "", "suite id for every case (overrides the file)")
	return cmd
}

func suiteRunCmd(a *app) *cobra.Command {
	var (
		concurrency int
		limit       int
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run <suite-id>",
		Short: "Run a suite to completion and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.suites.Run(ctx, args[0], services.RunOptions{Concurrency: concurrency, Limit: limit})
			if err != nil && !errors.Is(err, domain.ErrNoTestCases) {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
				return err
			}
			printRunResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "test cases evaluated at once (default suite.concurrency)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum test cases (default suite.limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printRunResult(out io.Writer, res services.RunResult) {
	fmt.Fprintf(out, "run %s  suite %s  status %s\n", res.Run.ID, res.Run.SuiteID, res.Run.Status)
	if len(res.TestRuns) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CASE\tSTATUS\tWER\tPASSED\tMS")
		for _, tr := range res.TestRuns {
			fmt.Fprintf(tw, "%s\t%s\t%.3f\t%t\t%d\n", tr.TestCaseID, tr.Status, tr.WordErrorRate, tr.Passed, tr.ProcessingMs)
		}
		_ = tw.Flush()
	}
	fmt.Fprintf(out, "total %d  passed %d  failed %d\n", res.Total, res.Passed, res.Failed)
}

func suiteRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <suite-id>",
		Short: "List recent runs of a suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			runs, err := c.store.ListSuiteRuns(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tCASES\tPASSED\tFAILED\tAVG WER")
			for _, r := range runs {
				avg := "-"
				if r.AvgWER != nil {
					avg = fmt.Sprintf("%.3f", *r.AvgWER)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.Run.ID, r.Run.Status, r.Run.StartedAt.Format("2006-01-02 15:04:05"), r.Total, r.Passed, r.Failed, avg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs")
	return cmd
}

func suiteReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <suite-id>",
		Short: "Print accuracy statistics across archived runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if c.archive == nil {
				return errors.New("analytics archive is not available (analytics.duckdb_path)")
			}
			report, err := c.archive.SuiteAccuracy(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "suite %s: %d runs, %d test runs\n", report.SuiteID, report.Runs, report.TestRuns)
			fmt.Fprintf(out, "mean WER   %s\n", pct(report.MeanWER))
			fmt.Fprintf(out, "median WER %s\n", pct(report.MedianWER))
			fmt.Fprintf(out, "p90 WER    %s\n", pct(report.P90WER))
			fmt.Fprintf(out, "pass rate  %s\n", pct(report.PassRate))
			return nil
		},
	}
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}
