package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deribitflow/config"
	"deribitflow/internal/pipeline"
	"deribitflow/logger"
	"deribitflow/models"
)

var (
	configPath  string
	catalogPath string
	logLevel    string

	cfg  *config.Config
	orch *pipeline.Orchestrator

	timeNow = time.Now
)

var rootCMD = &cobra.Command{
	Use:   "deribitflow",
	Short: "Resumable Deribit options history ingestion",
	Long: `deribitflow downloads the Deribit option trade history and the DVOL
volatility index into a partitioned parquet catalog. Runs are checkpointed
and resume from the last committed partition after a failure.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCMD.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file (default "+config.DefaultPath+")")
	rootCMD.PersistentFlags().StringVar(&catalogPath, "catalog", "", "catalog directory, overrides catalog.path")
	rootCMD.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides logging.level")

	rootCMD.AddCommand(backfillCMD, syncCMD, dvolCMD, validateCMD, infoCMD, reconcileCMD, resetCMD)
}

// Execute runs the command line and exits non-zero on failure. Ctrl-C
// cancels the running command; committed partitions stay in place.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCMD.ExecuteContext(ctx)
	teardown(ctx)
	if err == nil {
		return
	}
	reportFailure(err)
	stop()
	os.Exit(1)
}

func setup(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if catalogPath != "" {
		loaded.Catalog.Path = catalogPath
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	cfg = loaded

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(cmd.Context(), log, interval)
	}

	log.WithComponent("main").WithEnv("AWS_REGION").WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"command": cmd.Name(),
		"catalog": cfg.Catalog.Path,
		"env":     config.AppEnvironment(),
	}).Info("starting deribitflow")

	orch, err = pipeline.New(cmd.Context(), cfg)
	return err
}

func teardown(ctx context.Context) {
	if orch == nil {
		return
	}
	// metrics still go out after an interrupt
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := orch.Close(closeCtx); err != nil {
		logger.GetLogger().WithComponent("main").WithError(err).Warn("shutdown incomplete")
	}
}

// reportFailure prints the reason and, for ingestion runs, the last
// committed partition each pair can resume from.
func reportFailure(err error) {
	runErrs := pipeline.RunErrors(err)
	if len(runErrs) == 0 {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	for _, re := range runErrs {
		last := re.LastPartition
		if last == "" {
			last = "none"
		}
		reason := "failed"
		if errors.Is(re, context.Canceled) {
			reason = "cancelled"
		}
		fmt.Fprintf(os.Stderr, "%s %s %s: %v\n", re.Currency, re.Kind, reason, re.Err)
		fmt.Fprintf(os.Stderr, "  last committed partition: %s\n", last)
		if re.CursorMs > 0 {
			fmt.Fprintf(os.Stderr, "  resume cursor: %s\n", time.UnixMilli(re.CursorMs).UTC().Format(time.RFC3339Nano))
		}
	}
}

func parseCurrencies(values []string) []string {
	var out []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// parseDate reads a YYYY-MM-DD flag as UTC midnight. An empty value is the
// zero time.
func parseDate(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return t.UTC(), nil
}

// parseEndDate reads a YYYY-MM-DD flag as the last millisecond of that day.
func parseEndDate(name, value string) (time.Time, error) {
	t, err := parseDate(name, value)
	if err != nil || t.IsZero() {
		return t, err
	}
	return t.Add(24*time.Hour - time.Millisecond), nil
}
