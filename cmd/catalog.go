package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"deribitflow/internal/pipeline"
	"deribitflow/internal/validation"
)

// errValidationFailed makes a failed report exit non-zero.
var errValidationFailed = errors.New("validation failed")

var validateFlags struct {
	currencies      []string
	verifyChecksums bool
	json            bool
}

var validateCMD = &cobra.Command{
	Use:   "validate",
	Short: "Check the catalog for gaps, duplicates, ordering and corrupt files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := orch.Validate(cmd.Context(), pipeline.ValidateOptions{
			Currencies:      parseCurrencies(validateFlags.currencies),
			VerifyChecksums: validateFlags.verifyChecksums,
		})
		if err != nil {
			return err
		}
		if validateFlags.json {
			if err := printJSON(cmd, report); err != nil {
				return err
			}
		} else {
			printReport(cmd, report)
		}
		if !report.Passed {
			return errValidationFailed
		}
		return nil
	},
}

func printReport(cmd *cobra.Command, r *validation.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog %s: %d files, %d rows, %d candles in %s\n", r.Catalog, r.Files, r.Rows, r.Candles, r.Duration)
	if len(r.Findings) > 0 {
		tw := newTable(cmd)
		fmt.Fprintln(tw, "SEVERITY\tCATEGORY\tCURRENCY\tFILE\tMESSAGE")
		for _, f := range r.Findings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Severity, f.Category, f.Currency, orNone(f.File), f.Message)
		}
		tw.Flush()
	}
	if r.Suppressed > 0 {
		fmt.Fprintf(out, "%d further findings suppressed\n", r.Suppressed)
	}
	verdict := "PASSED"
	if !r.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(out, "%s (%v)\n", verdict, r.SeverityCounts())
}

var infoFlags struct {
	json bool
}

var infoCMD = &cobra.Command{
	Use:   "info",
	Short: "Describe the catalog contents and run state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := orch.Info(cmd.Context())
		if err != nil {
			return err
		}
		if infoFlags.json {
			return printJSON(cmd, info)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "catalog %s\n\n", info.Catalog)
		tw := newTable(cmd)
		fmt.Fprintln(tw, "CURRENCY\tPARTITIONS\tFIRST\tLAST\tROWS\tBYTES\tDVOL CANDLES\tDVOL RANGE")
		for _, c := range info.Currencies {
			dvolRange := "-"
			if c.DVOLCandles > 0 {
				dvolRange = c.DVOLStart.Format("2006-01-02T15") + ".." + c.DVOLEnd.Format("2006-01-02T15")
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				c.Currency, c.Partitions, orNone(c.FirstDate), orNone(c.LastDate), c.Rows, c.Bytes, c.DVOLCandles, dvolRange)
		}
		tw.Flush()

		if len(info.Checkpoints) > 0 {
			fmt.Fprintln(out)
			tw = newTable(cmd)
			fmt.Fprintln(tw, "CHECKPOINT\tPARTITION\tROWS\tCOMPLETED\tUPDATED")
			for _, cp := range info.Checkpoints {
				fmt.Fprintf(tw, "%s/%s\t%s\t%d\t%t\t%s\n",
					cp.Currency, cp.Kind, orNone(cp.Partition), cp.RowsCommitted, cp.Completed, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			tw.Flush()
		}

		fmt.Fprintf(out, "\nmanifest: %d files, %d rows, %d bytes\n", info.Manifest.Files, info.Manifest.Rows, info.Manifest.Bytes)
		fmt.Fprintf(out, "dead letters: %d in %d files %v\n", info.DeadLetters.Total, info.DeadLetters.Files, info.DeadLetters.ByReason)
		fmt.Fprintf(out, "audit: %d events over %d runs, last %s\n", info.Audit.Events, info.Audit.Runs, info.Audit.LastEvent.Format("2006-01-02 15:04:05"))
		if len(info.RecentEvents) > 0 {
			fmt.Fprintln(out)
			tw = newTable(cmd)
			fmt.Fprintln(tw, "TIME\tEVENT\tPAIR\tPARTITION\tMESSAGE")
			for _, ev := range info.RecentEvents {
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\n",
					ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Kind, orNone(ev.Currency), orNone(string(ev.DataKind)), orNone(ev.Partition), ev.Message)
			}
			tw.Flush()
		}
		return nil
	},
}

var reconcileFlags struct {
	currency string
	start    string
	end      string
	sample   int
	json     bool
}

var reconcileCMD = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare local daily trade counts with the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDate("start", reconcileFlags.start)
		if err != nil {
			return err
		}
		to, err := parseDate("end", reconcileFlags.end)
		if err != nil {
			return err
		}
		if from.IsZero() {
			from = cfg.StartTime()
		}
		if to.IsZero() {
			to = pipeline.EndOfYesterday(timeNow())
		}

		report, err := orch.Reconcile(cmd.Context(), pipeline.ReconcileOptions{
			Currency: reconcileFlags.currency,
			From:     from,
			To:       to,
			Sample:   reconcileFlags.sample,
		})
		if err != nil {
			return err
		}
		if reconcileFlags.json {
			return printJSON(cmd, report)
		}

		tw := newTable(cmd)
		fmt.Fprintln(tw, "DATE\tLOCAL\tAPI\tDIFF\tDIFF %\tSTATUS")
		for _, d := range report.Days {
			status := d.Status
			if d.Error != "" {
				status += ": " + d.Error
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%s\n", d.Date, d.LocalCount, d.APICount, d.Difference, d.DifferencePct, status)
		}
		tw.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "%d matched, %d incomplete, %d missing, %d errors; completeness %.2f%%\n",
			report.Matched, report.Incomplete, report.Missing, report.Errors, report.CompletenessPct())
		return nil
	},
}

func init() {
	validateCMD.Flags().StringSliceVar(&validateFlags.currencies, "currency", nil, "currencies to validate (default all)")
	validateCMD.Flags().BoolVar(&validateFlags.verifyChecksums, "verify-checksums", false, "verify every file against the manifest")
	validateCMD.Flags().BoolVar(&validateFlags.json, "json", false, "print the report as JSON")

	infoCMD.Flags().BoolVar(&infoFlags.json, "json", false, "print as JSON")

	reconcileCMD.Flags().StringVar(&reconcileFlags.currency, "currency", "", "currency to reconcile, e.g. BTC")
	reconcileCMD.Flags().StringVar(&reconcileFlags.start, "start", "", "first day, YYYY-MM-DD (default ingest.start_date)")
	reconcileCMD.Flags().StringVar(&reconcileFlags.end, "end", "", "last day, YYYY-MM-DD (default yesterday)")
	reconcileCMD.Flags().IntVar(&reconcileFlags.sample, "sample", 0, "check this many random days instead of all")
	reconcileCMD.Flags().BoolVar(&reconcileFlags.json, "json", false, "print as JSON")
	reconcileCMD.MarkFlagRequired("currency")
}
