package metrics

import "deribitflow/logger"

// RunStats summarises one pipeline run.
type RunStats struct {
	Currency      string
	Kind          string
	PagesFetched  int64
	RowsCommitted int64
	FilesWritten  int64
	BytesWritten  int64
	DeadLetters   int64
	Duplicates    int64
	Retries       int64
}

// ReportRun emits the run summary as metric lines, which the logger also
// forwards to CloudWatch when enabled.
func ReportRun(log *logger.Log, component string, stats RunStats) {
	l := log.WithComponent(component)
	dims := func() logger.Fields {
		return logger.Fields{"currency": stats.Currency, "kind": stats.Kind}
	}

	seen := stats.RowsCommitted + stats.DeadLetters + stats.Duplicates
	deadLetterRate := float64(0)
	if seen > 0 {
		deadLetterRate = float64(stats.DeadLetters) / float64(seen)
	}
	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	l.LogMetric(component, "pages_fetched", stats.PagesFetched, "counter", dims())
	l.LogMetric(component, "rows_committed", stats.RowsCommitted, "counter", dims())
	l.LogMetric(component, "files_written", stats.FilesWritten, "counter", dims())
	l.LogMetric(component, "bytes_written", stats.BytesWritten, "counter", dims())
	l.LogMetric(component, "dead_letters", stats.DeadLetters, "counter", dims())
	l.LogMetric(component, "duplicates_skipped", stats.Duplicates, "counter", dims())
	l.LogMetric(component, "fetch_retries", stats.Retries, "counter", dims())
	l.LogMetric(component, "dead_letter_rate", deadLetterRate, "gauge", dims())
	l.LogMetric(component, "avg_bytes_per_file", avgBytesPerFile, "gauge", dims())

	entry := l.WithFields(logger.Fields{
		"currency":           stats.Currency,
		"kind":               stats.Kind,
		"pages_fetched":      stats.PagesFetched,
		"rows_committed":     stats.RowsCommitted,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"dead_letters":       stats.DeadLetters,
		"duplicates_skipped": stats.Duplicates,
		"fetch_retries":      stats.Retries,
		"dead_letter_rate":   deadLetterRate,
		"avg_bytes_per_file": avgBytesPerFile,
	})

	if stats.DeadLetters > 0 {
		entry.Warn(component + " run metrics")
		return
	}

	entry.Info(component + " run metrics")
}
