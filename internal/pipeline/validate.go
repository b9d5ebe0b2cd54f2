package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"deribitflow/internal/validation"
	"deribitflow/models"
)

// ValidateOptions selects the currencies of a validation pass.
type ValidateOptions struct {
	Currencies      []string
	VerifyChecksums bool
}

// Validate runs the read-only validation engine over the catalog.
func (o *Orchestrator) Validate(ctx context.Context, opts ValidateOptions) (*validation.Report, error) {
	currencies := make([]string, 0, len(opts.Currencies))
	for _, c := range opts.Currencies {
		currencies = append(currencies, strings.ToUpper(c))
	}

	engine := validation.NewEngine(o.cfg.Catalog.Path, validation.ThresholdsFrom(o.cfg.Validation),
		validation.WithManifest(o.manifest),
		validation.WithReadChunk(o.cfg.Catalog.ReadChunk),
	)
	report, err := engine.Run(ctx, validation.Options{
		Currencies:      currencies,
		VerifyChecksums: opts.VerifyChecksums,
	})
	if err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}

	counts := report.SeverityCounts()
	o.metrics.Findings(counts)
	o.audit.Record(models.AuditEvent{
		RunID:     uuid.NewString(),
		Kind:      models.EventValidationRun,
		Operation: "validate",
		Currency:  strings.Join(report.Currencies, ","),
		Rows:      report.Rows,
		Message:   fmt.Sprintf("%d findings, passed=%t", len(report.Findings), report.Passed),
		Details: map[string]any{
			"files":            report.Files,
			"candles":          report.Candles,
			"by_severity":      counts,
			"verify_checksums": opts.VerifyChecksums,
			"passed":           report.Passed,
		},
	})
	return report, nil
}
