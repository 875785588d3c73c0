package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dealflow/internal/config"
	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/metrics"
	"dealflow/internal/repo"
)

// Engine runs the pipeline, deal, activity and task operations. Every mutation
// commits its rows, the owning pipeline's stats and the outbox event together.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// inTx runs fn in a single transaction and records the outcome under op.
// Reads inside fn must go through rr; the store allows one connection.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx, rr repo.Repo) error) (err error) {
	defer observe(op, time.Now(), &err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err = fn(tx, e.Repo.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveOperation(op, start, *err)
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, tenantID, entityKind, entityID, actorID, payload)
}

// appendActivity records an activity at the given time and stamps the deal's
// lastActivityAt. The caller persists d afterwards.
func (e Engine) appendActivity(ctx context.Context, rr repo.Repo, d *domain.Deal, at time.Time, typ domain.ActivityType, description string, metadata map[string]any, actorID string) (domain.DealActivity, error) {
	if actorID == "" {
		actorID = "system"
	}
	a := domain.DealActivity{
		ID:          uuid.NewString(),
		DealID:      d.ID,
		Type:        typ,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   at,
		CreatedBy:   actorID,
	}
	d.LastActivityAt = &a.CreatedAt
	return a, rr.InsertActivity(ctx, a)
}

func newID() string { return uuid.NewString() }
