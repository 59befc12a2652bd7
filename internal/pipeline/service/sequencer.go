package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	"github.com/ledgerline/ledgerline/internal/clock"
	"github.com/ledgerline/ledgerline/internal/config"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	"github.com/ledgerline/ledgerline/internal/observability"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
	"github.com/ledgerline/ledgerline/internal/pipeline/lock"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"github.com/ledgerline/ledgerline/pkg/correlation"
	"github.com/ledgerline/ledgerline/pkg/tenantctx"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// defaultBackfillDays bounds the range of a first-ever run.
	defaultBackfillDays = 30

	// maxStepAttempts bounds the retry of a failed step. Only the step
	// retries, never the whole pipeline.
	maxStepAttempts = 3
	stepBackoff     = 500 * time.Millisecond
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Runners  normalizerdomain.Registry
	Ledger   ledgerdomain.Service
	Repo     pipelinedomain.Repository
	Lock     lock.WriteLock
	Audit    auditdomain.Service
	Metrics  *observability.PipelineMetrics
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	runners normalizerdomain.Registry
	ledger  ledgerdomain.Service
	repo    pipelinedomain.Repository
	lock    lock.WriteLock
	audit   auditdomain.Service
	metrics *observability.PipelineMetrics

	sleep func(time.Duration)
}

func NewService(p Params) pipelinedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("pipeline.sequencer"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		runners: p.Runners,
		ledger:  p.Ledger,
		repo:    p.Repo,
		lock:    p.Lock,
		audit:   p.Audit,
		metrics: p.Metrics,
		sleep:   time.Sleep,
	}
}

func (s *Service) Trigger(ctx context.Context, req pipelinedomain.TriggerRequest) (*pipelinedomain.RunView, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, pipelinedomain.ErrInvalidTenant
	}
	runner, err := s.runners.Runner(req.Domain)
	if err != nil {
		return nil, pipelinedomain.ErrUnknownDomain
	}

	start, end, err := s.resolveRange(ctx, snowflake.ID(tenantID), req)
	if err != nil {
		return nil, err
	}

	ctx, cid := correlation.EnsureCorrelationID(ctx)

	now := s.clock.Now()
	run := &pipelinedomain.PipelineRun{
		ID:            s.genID.Generate(),
		TenantID:      snowflake.ID(tenantID),
		Domain:        req.Domain,
		Status:        pipelinedomain.StatusQueued,
		RangeStart:    start,
		RangeEnd:      end,
		CredentialID:  req.CredentialID,
		CorrelationID: &cid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, run); err != nil {
		return nil, err
	}

	// The run id is minted exactly once, at the RUNNING transition.
	// Every downstream call receives this one value; no step may mint
	// its own.
	runID := ulid.Make().String()
	startedAt := s.clock.Now()
	run.RunID = &runID
	run.Status = pipelinedomain.StatusRunning
	run.StartedAt = &startedAt
	run.UpdatedAt = startedAt
	if err := s.repo.Update(ctx, s.db, run); err != nil {
		return nil, err
	}

	s.execute(ctx, run, runner, runID)

	return runView(run), nil
}

// execute drives the run to its terminal state. The ledger write lock
// is released on every path out of the merge step, including
// cancellation, so an abandoned run never blocks its tenant.
func (s *Service) execute(ctx context.Context, run *pipelinedomain.PipelineRun, runner normalizerdomain.Runner, runID string) {
	tenantDataset := fmt.Sprintf("tenant_%d", run.TenantID)

	var credentialID snowflake.ID
	if run.CredentialID != nil {
		credentialID = *run.CredentialID
	}

	var result *normalizerdomain.Result
	err := s.retryStep(ctx, run, "normalize", func() error {
		var stepErr error
		result, stepErr = runner.Run(ctx,
			s.cfg.AppName, tenantDataset,
			run.RangeStart, run.RangeEnd,
			run.ID.String(), credentialID, runID,
		)
		return stepErr
	})
	if err != nil {
		s.finish(ctx, run, err)
		return
	}
	run.RowsRead = result.RowsRead
	run.RowsNormalized = result.RowsWritten

	if err := s.checkCancelled(ctx); err != nil {
		s.finish(ctx, run, err)
		return
	}

	lockStart := s.clock.Now()
	release, err := s.lock.Acquire(ctx, run.TenantID)
	if err != nil {
		s.finish(ctx, run, err)
		return
	}
	s.metrics.LockWait.Observe(s.clock.Now().Sub(lockStart).Seconds())
	defer release()

	var summary *ledgerdomain.MergeSummary
	err = s.retryStep(ctx, run, "merge", func() error {
		var stepErr error
		summary, stepErr = s.ledger.Merge(ctx, run.Domain, run.RangeStart, run.RangeEnd, runID)
		return stepErr
	})
	if err != nil {
		s.finish(ctx, run, err)
		return
	}
	run.RowsMerged = summary.RowsMerged
	s.metrics.MergedRows.WithLabelValues(run.Domain).Add(float64(summary.RowsMerged))

	s.finish(ctx, run, nil)
}

func (s *Service) resolveRange(ctx context.Context, tenantID snowflake.ID, req pipelinedomain.TriggerRequest) (time.Time, time.Time, error) {
	today := truncateDay(s.clock.Now())

	end := today
	if req.End != nil {
		end = truncateDay(*req.End)
	}

	var start time.Time
	switch {
	case req.Start != nil:
		start = truncateDay(*req.Start)
	default:
		lastEnd, err := s.repo.LastSuccessEnd(ctx, s.db, tenantID, req.Domain)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if lastEnd != nil {
			start = truncateDay(*lastEnd).AddDate(0, 0, 1)
			// The last success already covers today; re-process the
			// final day rather than reject, merges are idempotent.
			if start.After(end) {
				start = end
			}
		} else {
			start = end.AddDate(0, 0, -defaultBackfillDays)
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, pipelinedomain.ErrInvalidDateRange
	}
	return start, end, nil
}

// retryStep retries only the failed step with a bounded backoff.
// Validation, auth and contention failures surface immediately.
func (s *Service) retryStep(ctx context.Context, run *pipelinedomain.PipelineRun, step string, fn func() error) error {
	backoff := stepBackoff
	var lastErr error
	for attempt := 1; attempt <= maxStepAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < maxStepAttempts {
			s.log.Warn("pipeline step failed, retrying",
				zap.String("domain", run.Domain),
				zap.String("step", step),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			s.sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

func retryable(err error) bool {
	for _, sentinel := range []error{
		normalizerdomain.ErrAuthProvider,
		normalizerdomain.ErrDiscountExceedsUnitPrice,
		normalizerdomain.ErrMissingRunID,
		normalizerdomain.ErrInvalidDateRange,
		normalizerdomain.ErrUnknownDomain,
		ledgerdomain.ErrUnknownDomain,
		ledgerdomain.ErrInvalidDateRange,
		hierarchydomain.ErrUnknownEntity,
		vaultdomain.ErrNotFound,
		vaultdomain.ErrExpired,
		vaultdomain.ErrFormat,
		vaultdomain.ErrEncryption,
		lock.ErrContention,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	return true
}

func (s *Service) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Service) finish(ctx context.Context, run *pipelinedomain.PipelineRun, runErr error) {
	now := s.clock.Now()
	run.FinishedAt = &now
	run.UpdatedAt = now

	if runErr == nil {
		run.Status = pipelinedomain.StatusSucceeded
	} else {
		run.Status = pipelinedomain.StatusFailed
		message := sanitizeError(runErr)
		run.Error = &message
		s.log.Error("pipeline run failed",
			zap.String("domain", run.Domain),
			zap.Stringer("pipeline_id", run.ID),
			zap.Error(runErr),
		)
	}

	if err := s.repo.Update(ctx, s.db, run); err != nil {
		s.log.Error("failed to persist terminal run state",
			zap.Stringer("pipeline_id", run.ID),
			zap.Error(err),
		)
	}

	s.metrics.RunsTotal.WithLabelValues(run.Domain, string(run.Status)).Inc()
	if run.StartedAt != nil {
		s.metrics.RunDuration.WithLabelValues(run.Domain).Observe(now.Sub(*run.StartedAt).Seconds())
	}

	action := "pipeline.run_succeeded"
	if runErr != nil {
		action = "pipeline.run_failed"
	}
	var target *string
	if run.RunID != nil {
		target = run.RunID
	}
	s.audit.Record(ctx, &run.TenantID, action, "pipeline_run", target, map[string]any{
		"domain":      run.Domain,
		"rows_merged": run.RowsMerged,
	})
}

// sanitizeError maps credential failures to actionable, secret-free
// messages. Everything else keeps its category text; callers pair it
// with the correlation id for support lookup.
func sanitizeError(err error) string {
	switch {
	case errors.Is(err, vaultdomain.ErrExpired):
		return "credential expired, please re-authorize"
	case errors.Is(err, vaultdomain.ErrNotFound):
		return "no active credential for this provider"
	case errors.Is(err, vaultdomain.ErrFormat), errors.Is(err, vaultdomain.ErrEncryption):
		return "credential unusable, please re-authorize"
	case errors.Is(err, normalizerdomain.ErrAuthProvider):
		return "provider rejected the credential, please re-authorize"
	case errors.Is(err, lock.ErrContention):
		return "ledger busy for this tenant, retry later"
	case errors.Is(err, context.Canceled):
		return "run cancelled"
	default:
		return err.Error()
	}
}

func (s *Service) Status(ctx context.Context, runID string) (*pipelinedomain.RunView, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, pipelinedomain.ErrInvalidTenant
	}
	if strings.TrimSpace(runID) == "" {
		return nil, pipelinedomain.ErrRunNotFound
	}
	run, err := s.repo.FindByRunID(ctx, s.db, snowflake.ID(tenantID), runID)
	if err != nil {
		return nil, err
	}
	return runView(run), nil
}

func (s *Service) List(ctx context.Context, domain string, limit int) ([]*pipelinedomain.RunView, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return nil, pipelinedomain.ErrInvalidTenant
	}
	if domain != "" {
		if _, err := s.runners.Runner(domain); err != nil {
			return nil, pipelinedomain.ErrUnknownDomain
		}
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	runs, err := s.repo.ListByTenant(ctx, s.db, snowflake.ID(tenantID), domain, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*pipelinedomain.RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	return views, nil
}

func runView(run *pipelinedomain.PipelineRun) *pipelinedomain.RunView {
	view := &pipelinedomain.RunView{
		Domain:         run.Domain,
		Status:         run.Status,
		RangeStart:     run.RangeStart.Format("2006-01-02"),
		RangeEnd:       run.RangeEnd.Format("2006-01-02"),
		RowsRead:       run.RowsRead,
		RowsNormalized: run.RowsNormalized,
		RowsMerged:     run.RowsMerged,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
	if run.RunID != nil {
		view.RunID = *run.RunID
	}
	if run.Error != nil {
		view.Error = *run.Error
	}
	if run.CorrelationID != nil {
		view.CorrelationID = *run.CorrelationID
	}
	return view
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
