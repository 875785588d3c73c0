package repo

import (
	"context"
	"database/sql"
	"fmt"

	"dealflow/internal/domain"
)

const pipelineColumns = `id,tenant_id,name,COALESCE(description,''),is_default,currency,
	total_deals,total_value,open_deals,won_deals,lost_deals,avg_deal_size,avg_cycle_time,win_rate,
	created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var p domain.Pipeline
	var isDefault int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &isDefault, &p.Currency,
		&p.Stats.TotalDeals, &p.Stats.TotalValue, &p.Stats.OpenDeals, &p.Stats.WonDeals, &p.Stats.LostDeals,
		&p.Stats.AvgDealSize, &p.Stats.AvgCycleTime, &p.Stats.WinRate, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsDefault = isDefault == 1
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertPipeline(ctx context.Context, p domain.Pipeline) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO pipelines(id,tenant_id,name,description,is_default,currency,
		total_deals,total_value,open_deals,won_deals,lost_deals,avg_deal_size,avg_cycle_time,win_rate,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, nullable(p.Description), boolInt(p.IsDefault), p.Currency,
		p.Stats.TotalDeals, p.Stats.TotalValue, p.Stats.OpenDeals, p.Stats.WonDeals, p.Stats.LostDeals,
		p.Stats.AvgDealSize, p.Stats.AvgCycleTime, p.Stats.WinRate,
		FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return r.ReplaceStages(ctx, p.ID, p.Stages)
}

// UpdatePipeline rewrites the pipeline's scalar fields. Stages and stats have their own writers.
func (r Repo) UpdatePipeline(ctx context.Context, p domain.Pipeline) error {
	res, err := r.q().ExecContext(ctx, `UPDATE pipelines SET name=?,description=?,is_default=?,currency=?,updated_at=? WHERE id=?`,
		p.Name, nullable(p.Description), boolInt(p.IsDefault), p.Currency, FormatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePipelineStats(ctx context.Context, pipelineID string, s domain.PipelineStats) error {
	_, err := r.q().ExecContext(ctx, `UPDATE pipelines SET total_deals=?,total_value=?,open_deals=?,won_deals=?,lost_deals=?,
		avg_deal_size=?,avg_cycle_time=?,win_rate=? WHERE id=?`,
		s.TotalDeals, s.TotalValue, s.OpenDeals, s.WonDeals, s.LostDeals, s.AvgDealSize, s.AvgCycleTime, s.WinRate, pipelineID)
	if err != nil {
		return fmt.Errorf("update pipeline stats: %w", err)
	}
	return nil
}

// ClearDefault unsets the default flag on every pipeline of the tenant except keepID.
func (r Repo) ClearDefault(ctx context.Context, tenantID, keepID string) error {
	_, err := r.q().ExecContext(ctx, `UPDATE pipelines SET is_default=0 WHERE tenant_id=? AND id<>? AND is_default=1`, tenantID, keepID)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	p, err := scanPipeline(r.q().QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	if p.Stages, err = r.ListStages(ctx, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetDefaultPipeline(ctx context.Context, tenantID string) (domain.Pipeline, error) {
	p, err := scanPipeline(r.q().QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE tenant_id=? AND is_default=1 ORDER BY created_at LIMIT 1`, tenantID))
	if err != nil {
		return p, err
	}
	if p.Stages, err = r.ListStages(ctx, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// ListPipelines returns the tenant's pipelines, default first.
func (r Repo) ListPipelines(ctx context.Context, tenantID string) ([]domain.Pipeline, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE tenant_id=? ORDER BY is_default DESC, created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	var res []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// stages are loaded after the cursor is released; the pool has a single connection
	for i := range res {
		if res[i].Stages, err = r.ListStages(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) CountPipelines(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM pipelines WHERE tenant_id=?`, tenantID).Scan(&n)
	return n, err
}

func (r Repo) DeletePipeline(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM pipelines WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListStages(ctx context.Context, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,name,position,probability,COALESCE(color,''),rotten_days,is_won,is_lost
		FROM stages WHERE pipeline_id=? ORDER BY position ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Stage{}
	for rows.Next() {
		var s domain.Stage
		var rotten sql.NullInt64
		var isWon, isLost int
		if err := rows.Scan(&s.ID, &s.Name, &s.Order, &s.Probability, &s.Color, &rotten, &isWon, &isLost); err != nil {
			return nil, err
		}
		if rotten.Valid {
			v := int(rotten.Int64)
			s.RottenDays = &v
		}
		s.IsWon = isWon == 1
		s.IsLost = isLost == 1
		res = append(res, s)
	}
	return res, rows.Err()
}

// ReplaceStages rewrites a pipeline's stage list; position follows slice order.
func (r Repo) ReplaceStages(ctx context.Context, pipelineID string, stages []domain.Stage) error {
	if _, err := r.q().ExecContext(ctx, `DELETE FROM stages WHERE pipeline_id=?`, pipelineID); err != nil {
		return fmt.Errorf("clear stages: %w", err)
	}
	for i, s := range stages {
		if _, err := r.q().ExecContext(ctx, `INSERT INTO stages(pipeline_id,id,name,position,probability,color,rotten_days,is_won,is_lost)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			pipelineID, s.ID, s.Name, i, s.Probability, nullable(s.Color), nullableIntPtr(s.RottenDays), boolInt(s.IsWon), boolInt(s.IsLost)); err != nil {
			return fmt.Errorf("insert stage %s: %w", s.ID, err)
		}
	}
	return nil
}

func (r Repo) CountDealsInPipeline(ctx context.Context, pipelineID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM deals WHERE pipeline_id=?`, pipelineID).Scan(&n)
	return n, err
}

func (r Repo) CountDealsInStage(ctx context.Context, pipelineID, stageID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM deals WHERE pipeline_id=? AND stage_id=?`, pipelineID, stageID).Scan(&n)
	return n, err
}
