package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deribitflow/internal/pipeline"
)

var backfillFlags struct {
	currencies []string
	start      string
	end        string
	resume     bool
	verify     bool
	json       bool
}

var backfillCMD = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest the option trade history of a date range",
	Long: `Fetch every option trade between --start and --end (end of yesterday by
default) into daily partitions. With --resume the run continues from the
last committed checkpoint.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDate("start", backfillFlags.start)
		if err != nil {
			return err
		}
		end, err := parseEndDate("end", backfillFlags.end)
		if err != nil {
			return err
		}
		results, err := orch.Backfill(cmd.Context(), pipeline.BackfillOptions{
			Currencies: parseCurrencies(backfillFlags.currencies),
			Start:      start,
			End:        end,
			Resume:     backfillFlags.resume,
			Verify:     backfillFlags.verify,
		})
		printRuns(cmd, results, backfillFlags.json)
		return err
	},
}

var syncFlags struct {
	currencies []string
	json       bool
}

var syncCMD = &cobra.Command{
	Use:   "sync",
	Short: "Bring the trade partitions up to now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := orch.Sync(cmd.Context(), parseCurrencies(syncFlags.currencies))
		printRuns(cmd, results, syncFlags.json)
		return err
	},
}

var dvolFlags struct {
	currency string
	start    string
	json     bool
}

var dvolCMD = &cobra.Command{
	Use:   "dvol",
	Short: "Ingest the DVOL volatility index candles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		currencies := parseCurrencies([]string{dvolFlags.currency})
		if len(currencies) != 1 {
			return errors.New("--currency takes exactly one currency")
		}
		start, err := parseDate("start", dvolFlags.start)
		if err != nil {
			return err
		}
		res, err := orch.DVOL(cmd.Context(), currencies[0], start)
		if res != nil {
			printRuns(cmd, []*pipeline.RunResult{res}, dvolFlags.json)
		}
		return err
	},
}

func init() {
	f := backfillCMD.Flags()
	f.StringSliceVar(&backfillFlags.currencies, "currency", nil, "currencies to ingest, e.g. BTC,ETH (default from config)")
	f.StringVar(&backfillFlags.start, "start", "", "first day, YYYY-MM-DD (default ingest.start_date)")
	f.StringVar(&backfillFlags.end, "end", "", "last day, YYYY-MM-DD (default yesterday)")
	f.BoolVar(&backfillFlags.resume, "resume", true, "continue from the last checkpoint")
	f.BoolVar(&backfillFlags.verify, "verify", false, "validate the catalog after the backfill")
	f.BoolVar(&backfillFlags.json, "json", false, "print results as JSON")

	syncCMD.Flags().StringSliceVar(&syncFlags.currencies, "currency", nil, "currencies to sync (default from config)")
	syncCMD.Flags().BoolVar(&syncFlags.json, "json", false, "print results as JSON")

	dvolCMD.Flags().StringVar(&dvolFlags.currency, "currency", "", "currency of the index, e.g. BTC")
	dvolCMD.Flags().StringVar(&dvolFlags.start, "start", "", "first day, YYYY-MM-DD (default after the checkpoint)")
	dvolCMD.Flags().BoolVar(&dvolFlags.json, "json", false, "print results as JSON")
	dvolCMD.MarkFlagRequired("currency")
}

func printRuns(cmd *cobra.Command, results []*pipeline.RunResult, asJSON bool) {
	if asJSON {
		printJSON(cmd, results)
		return
	}
	tw := newTable(cmd)
	fmt.Fprintln(tw, "CURRENCY\tKIND\tSTATE\tPAGES\tACCEPTED\tDEAD\tDUPES\tROWS\tFILES\tLAST PARTITION\tDURATION")
	for _, r := range results {
		state := r.State
		switch {
		case r.UpToDate:
			state = "up-to-date"
		case r.Truncated:
			state = "truncated"
		case r.Completed:
			state = "completed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Currency, r.Kind, state, r.Pages, r.Accepted, r.DeadLettered, r.Duplicates,
			r.RowsCommitted, r.FilesWritten, orNone(r.LastPartition), r.Duration.Round(time.Millisecond))
	}
	tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
