package repo

import (
	"context"
	"database/sql"
	"fmt"

	"dealflow/internal/domain"
)

func (r Repo) InsertActivity(ctx context.Context, a domain.DealActivity) error {
	meta, err := marshalObject(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO deal_activities(id,deal_id,type,description,metadata_json,created_at,created_by) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.DealID, string(a.Type), a.Description, meta, FormatTime(a.CreatedAt), a.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the newest activities of a deal first.
func (r Repo) ListActivities(ctx context.Context, dealID string, limit int) ([]domain.DealActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q().QueryContext(ctx, `SELECT id,deal_id,type,description,metadata_json,created_at,created_by
		FROM deal_activities WHERE deal_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, dealID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DealActivity{}
	for rows.Next() {
		var a domain.DealActivity
		var meta sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.DealID, &a.Type, &a.Description, &meta, &createdAt, &a.CreatedBy); err != nil {
			return nil, err
		}
		if a.Metadata, err = unmarshalObject(meta); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
