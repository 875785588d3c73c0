package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dealflow/internal/analytics"
	"dealflow/internal/domain"
	"dealflow/internal/repo"
)

// recomputeStats rescans the pipeline's deals and stores the fresh snapshot.
func (e Engine) recomputeStats(ctx context.Context, rr repo.Repo, pipelineID string) error {
	deals, err := rr.ListDeals(ctx, repo.DealFilters{PipelineID: pipelineID})
	if err != nil {
		return err
	}
	return rr.UpdatePipelineStats(ctx, pipelineID, analytics.PipelineStats(deals))
}

// RecalculatePipelineStats rebuilds a pipeline's stored stats from its deals.
func (e Engine) RecalculatePipelineStats(ctx context.Context, pipelineID string) (domain.PipelineStats, error) {
	var stats domain.PipelineStats
	err := e.inTx(ctx, "pipeline.recalculate", func(_ *sql.Tx, rr repo.Repo) error {
		if _, err := rr.GetPipeline(ctx, pipelineID); err != nil {
			return lookup(err, "pipeline", pipelineID)
		}
		deals, err := rr.ListDeals(ctx, repo.DealFilters{PipelineID: pipelineID})
		if err != nil {
			return err
		}
		stats = analytics.PipelineStats(deals)
		return rr.UpdatePipelineStats(ctx, pipelineID, stats)
	})
	return stats, err
}

// GetForecast projects revenue from the tenant's open deals, optionally
// limited to one pipeline. Stage names come from that pipeline, or from the
// tenant default when no pipeline is given.
func (e Engine) GetForecast(ctx context.Context, tenantID, pipelineID string) (f domain.Forecast, err error) {
	defer observe("forecast.get", time.Now(), &err)
	var stages []domain.Stage
	if pipelineID != "" {
		p, err := e.Repo.GetPipeline(ctx, pipelineID)
		if err != nil {
			return f, lookup(err, "pipeline", pipelineID)
		}
		if p.TenantID != tenantID {
			return f, notFound("pipeline", pipelineID)
		}
		stages = p.Stages
	} else {
		p, err := e.Repo.GetDefaultPipeline(ctx, tenantID)
		switch {
		case err == nil:
			stages = p.Stages
		case !errors.Is(err, repo.ErrNotFound):
			return f, err
		}
	}
	open, err := e.Repo.ListDeals(ctx, repo.DealFilters{TenantID: tenantID, PipelineID: pipelineID, Status: domain.StatusOpen})
	if err != nil {
		return f, err
	}
	return analytics.Forecast(open, stages, e.Config.WorstCaseProbability()), nil
}

// GetStats aggregates every deal of the tenant.
func (e Engine) GetStats(ctx context.Context, tenantID string) (s domain.TenantStats, err error) {
	defer observe("stats.get", time.Now(), &err)
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{TenantID: tenantID})
	if err != nil {
		return s, err
	}
	n, err := e.Repo.CountPipelines(ctx, tenantID)
	if err != nil {
		return s, err
	}
	return analytics.TenantStats(deals, n), nil
}
