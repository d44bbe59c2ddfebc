package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/importer"
	"github.com/tbourn/go-planwatch/internal/metrics"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/sysutil"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Per-record import outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// SourceResult counts the record outcomes of one source in a run.
type SourceResult struct {
	Source    string     `json:"source"`
	Since     *time.Time `json:"since,omitempty"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Skipped   int        `json:"skipped"`
	Errors    int        `json:"errors"`
	// Err is the error that aborted the source, if any. The cursor is only
	// saved when it is empty and Errors is zero.
	Err string `json:"error,omitempty"`
}

// ImportResult is the outcome of one ingestion run.
type ImportResult struct {
	RunID   string         `json:"run_id"`
	Started time.Time      `json:"started"`
	Sources []SourceResult `json:"sources"`
}

// Failed reports whether any source aborted.
func (r *ImportResult) Failed() bool {
	for _, s := range r.Sources {
		if s.Err != "" {
			return true
		}
	}
	return false
}

// ImportService drives the importer adapters through the upsert engine.
type ImportService struct {
	DB        *gorm.DB
	Sources   []importer.Adapter
	Proposals *ProposalService

	Now func() time.Time
}

func (s *ImportService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Run ingests every source. Each source resumes from its stored cursor
// unless since overrides it. A record that fails validation or upsert is
// logged and counted; it never stops the source. A transport error stops the
// source, and the remaining sources still run. The cursor of a source is
// advanced to the run start time only when the source finished and no record
// failed to store. Records skipped by validation do not hold it back.
func (s *ImportService) Run(ctx context.Context, since *time.Time) (*ImportResult, error) {
	tr := otel.Tracer("services/ImportService")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(attribute.Int("run.sources", len(s.Sources))),
	)
	defer span.End()

	defer metrics.ObserveRun("import", time.Now())

	res := &ImportResult{RunID: uuid.NewString(), Started: s.now(), Sources: []SourceResult{}}
	ctx = sysutil.WithRun(ctx, "import", res.RunID)
	for _, src := range s.Sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sr := s.runSource(ctx, res.Started, src, since)
		res.Sources = append(res.Sources, sr)
	}
	span.SetAttributes(attribute.Bool("run.failed", res.Failed()))
	return res, nil
}

func (s *ImportService) runSource(ctx context.Context, started time.Time, src importer.Adapter, override *time.Time) SourceResult {
	name := src.Name()
	logger := sysutil.Ctx(ctx).With().Str("source", name).Logger()
	sr := SourceResult{Source: name}

	cursor := override
	if cursor == nil {
		last, err := repo.GetImporterState(ctx, s.DB, name)
		if err != nil {
			sr.Err = err.Error()
			logger.Error().Err(err).Msg("load importer cursor failed")
			return sr
		}
		cursor = last
	}
	sr.Since = cursor
	logger.Info().Interface("since", cursor).Msg("import started")

	for rec, err := range src.FetchSince(ctx, cursor) {
		if err != nil {
			sr.Err = err.Error()
			logger.Warn().Err(err).Bool("retryable", importer.IsRetryable(err)).Msg("import aborted")
			break
		}
		outcome := s.apply(ctx, rec)
		metrics.ObserveImportRecord(name, outcome)
		switch outcome {
		case OutcomeCreated:
			sr.Created++
		case OutcomeUpdated:
			sr.Updated++
		case OutcomeUnchanged:
			sr.Unchanged++
		case OutcomeSkipped:
			sr.Skipped++
		default:
			sr.Errors++
		}
		logger.Debug().Str("record", rec.Key()).Str("outcome", outcome).Msg("record applied")
	}

	switch {
	case sr.Err == "" && sr.Errors > 0:
		// Failed records are only fetched again from the old cursor.
		logger.Warn().Int("errors", sr.Errors).Msg("records failed, importer cursor kept")
	case sr.Err == "":
		if err := repo.SaveImporterState(ctx, s.DB, name, started); err != nil {
			sr.Err = err.Error()
			logger.Error().Err(err).Msg("save importer cursor failed")
		}
	}
	logger.Info().
		Int("created", sr.Created).
		Int("updated", sr.Updated).
		Int("unchanged", sr.Unchanged).
		Int("skipped", sr.Skipped).
		Int("errors", sr.Errors).
		Msg("import finished")
	return sr
}

func (s *ImportService) apply(ctx context.Context, rec importer.CanonicalRecord) string {
	created, _, cs, err := s.Proposals.CreateOrUpdate(ctx, rec)
	switch {
	case IsValidation(err):
		sysutil.Ctx(ctx).Info().Err(err).Str("record", rec.Key()).Msg("record skipped")
		return OutcomeSkipped
	case err != nil:
		sysutil.Ctx(ctx).Warn().Err(err).Str("record", rec.Key()).Msg("record failed")
		return OutcomeError
	case created:
		return OutcomeCreated
	case cs != nil:
		return OutcomeUpdated
	}
	return OutcomeUnchanged
}
