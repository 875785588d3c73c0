package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dealflow/internal/domain"
)

// DealFilters narrows ListDeals. Zero values are ignored.
type DealFilters struct {
	TenantID          string
	PipelineID        string
	StageID           string
	Status            domain.DealStatus
	OwnerID           string
	ContactID         string
	CompanyID         string
	MinAmount         *float64
	MaxAmount         *float64
	Priority          domain.Priority
	Tags              []string
	CreatedFrom       *time.Time
	CreatedTo         *time.Time
	ExpectedCloseFrom *time.Time
	ExpectedCloseTo   *time.Time
	Search            string
}

const dealColumns = `id,tenant_id,name,COALESCE(description,''),pipeline_id,stage_id,stage_moved_at,amount,currency,probability,
	status,COALESCE(lost_reason,''),COALESCE(owner_id,''),collaborators_json,tags_json,custom_fields_json,
	COALESCE(contact_id,''),COALESCE(company_id,''),COALESCE(source,''),COALESCE(campaign,''),score,
	last_activity_at,next_activity_at,COALESCE(next_activity_type,''),priority,expected_close_date,actual_close_date,
	created_at,updated_at`

func scanDeal(row rowScanner) (domain.Deal, error) {
	var d domain.Deal
	var stageMovedAt, createdAt, updatedAt string
	var collaborators, tags string
	var customFields, lastActivity, nextActivity, expectedClose, actualClose sql.NullString
	var score sql.NullInt64
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Description, &d.PipelineID, &d.StageID, &stageMovedAt, &d.Amount, &d.Currency, &d.Probability,
		&d.Status, &d.LostReason, &d.OwnerID, &collaborators, &tags, &customFields,
		&d.ContactID, &d.CompanyID, &d.Source, &d.Campaign, &score,
		&lastActivity, &nextActivity, &d.NextActivityType, &d.Priority, &expectedClose, &actualClose,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if score.Valid {
		v := int(score.Int64)
		d.Score = &v
	}
	if d.Collaborators, err = unmarshalStrings(collaborators); err != nil {
		return d, fmt.Errorf("deal %s collaborators: %w", d.ID, err)
	}
	if d.Tags, err = unmarshalStrings(tags); err != nil {
		return d, fmt.Errorf("deal %s tags: %w", d.ID, err)
	}
	if d.CustomFields, err = unmarshalObject(customFields); err != nil {
		return d, fmt.Errorf("deal %s custom fields: %w", d.ID, err)
	}
	if d.StageMovedAt, err = parseTime(stageMovedAt); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return d, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&d.LastActivityAt, lastActivity},
		{&d.NextActivityAt, nextActivity},
		{&d.ExpectedCloseDate, expectedClose},
		{&d.ActualCloseDate, actualClose},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return d, err
		}
	}
	return d, nil
}

func dealArgs(d domain.Deal) ([]any, error) {
	collaborators, err := marshalStrings(d.Collaborators)
	if err != nil {
		return nil, err
	}
	tags, err := marshalStrings(d.Tags)
	if err != nil {
		return nil, err
	}
	custom, err := marshalObject(d.CustomFields)
	if err != nil {
		return nil, err
	}
	return []any{
		d.TenantID, d.Name, nullable(d.Description), d.PipelineID, d.StageID, FormatTime(d.StageMovedAt), d.Amount, d.Currency, d.Probability,
		string(d.Status), nullable(d.LostReason), nullable(d.OwnerID), collaborators, tags, custom,
		nullable(d.ContactID), nullable(d.CompanyID), nullable(d.Source), nullable(d.Campaign), nullableIntPtr(d.Score),
		formatTimePtr(d.LastActivityAt), formatTimePtr(d.NextActivityAt), nullable(d.NextActivityType), string(d.Priority),
		formatTimePtr(d.ExpectedCloseDate), formatTimePtr(d.ActualCloseDate),
		FormatTime(d.CreatedAt), FormatTime(d.UpdatedAt),
	}, nil
}

func (r Repo) InsertDeal(ctx context.Context, d domain.Deal) error {
	args, err := dealArgs(d)
	if err != nil {
		return err
	}
	args = append([]any{d.ID}, args...)
	_, err = r.q().ExecContext(ctx, `INSERT INTO deals(id,tenant_id,name,description,pipeline_id,stage_id,stage_moved_at,amount,currency,probability,
		status,lost_reason,owner_id,collaborators_json,tags_json,custom_fields_json,contact_id,company_id,source,campaign,score,
		last_activity_at,next_activity_at,next_activity_type,priority,expected_close_date,actual_close_date,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

// UpdateDeal rewrites every mutable column of the deal.
func (r Repo) UpdateDeal(ctx context.Context, d domain.Deal) error {
	args, err := dealArgs(d)
	if err != nil {
		return err
	}
	args = append(args, d.ID)
	res, err := r.q().ExecContext(ctx, `UPDATE deals SET tenant_id=?,name=?,description=?,pipeline_id=?,stage_id=?,stage_moved_at=?,amount=?,currency=?,probability=?,
		status=?,lost_reason=?,owner_id=?,collaborators_json=?,tags_json=?,custom_fields_json=?,contact_id=?,company_id=?,source=?,campaign=?,score=?,
		last_activity_at=?,next_activity_at=?,next_activity_type=?,priority=?,expected_close_date=?,actual_close_date=?,created_at=?,updated_at=?
		WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	return scanDeal(r.q().QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id))
}

func (r Repo) DeleteDeal(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM deals WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeals returns every deal matching the filters in creation order.
// Sorting and pagination are left to the caller.
func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	clauses := []string{"1=1"}
	var args []any
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	eq("tenant_id", f.TenantID)
	eq("pipeline_id", f.PipelineID)
	eq("stage_id", f.StageID)
	eq("status", string(f.Status))
	eq("owner_id", f.OwnerID)
	eq("contact_id", f.ContactID)
	eq("company_id", f.CompanyID)
	eq("priority", string(f.Priority))
	if f.MinAmount != nil {
		clauses = append(clauses, "amount>=?")
		args = append(args, *f.MinAmount)
	}
	if f.MaxAmount != nil {
		clauses = append(clauses, "amount<=?")
		args = append(args, *f.MaxAmount)
	}
	if len(f.Tags) > 0 {
		clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(deals.tags_json) WHERE json_each.value IN (%s))", placeholders(len(f.Tags))))
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, "created_at>=?")
		args = append(args, FormatTime(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, "created_at<=?")
		args = append(args, FormatTime(*f.CreatedTo))
	}
	if f.ExpectedCloseFrom != nil {
		clauses = append(clauses, "expected_close_date IS NOT NULL AND expected_close_date>=?")
		args = append(args, FormatTime(*f.ExpectedCloseFrom))
	}
	if f.ExpectedCloseTo != nil {
		clauses = append(clauses, "expected_close_date IS NOT NULL AND expected_close_date<=?")
		args = append(args, FormatTime(*f.ExpectedCloseTo))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + escapeLike(strings.ToLower(s)) + "%"
		clauses = append(clauses, `(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(COALESCE(description,'')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	query := `SELECT ` + dealColumns + ` FROM deals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
