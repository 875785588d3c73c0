package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/repo"
)

// CreatePipelineOptions are parameters for creating a pipeline.
// Stage IDs are generated when empty; Order is taken from slice position.
type CreatePipelineOptions struct {
	TenantID    string
	Name        string
	Description string
	Stages      []domain.Stage
	Currency    string
	IsDefault   bool
	ActorID     string
}

func (e Engine) CreatePipeline(ctx context.Context, opts CreatePipelineOptions) (domain.Pipeline, error) {
	if strings.TrimSpace(opts.TenantID) == "" {
		return domain.Pipeline{}, invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Pipeline{}, invalid("name", "is required")
	}
	stages := make([]domain.Stage, len(opts.Stages))
	copy(stages, opts.Stages)
	for i := range stages {
		if stages[i].ID == "" {
			stages[i].ID = newID()
		}
	}
	stages = renumber(stages)
	if err := validateStages(stages); err != nil {
		return domain.Pipeline{}, err
	}
	now := e.now()
	p := domain.Pipeline{
		ID:          newID(),
		TenantID:    opts.TenantID,
		Name:        opts.Name,
		Description: opts.Description,
		IsDefault:   opts.IsDefault,
		Stages:      stages,
		Currency:    opts.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Currency == "" {
		p.Currency = e.Config.Currency()
	}
	err := e.inTx(ctx, "pipeline.create", func(tx *sql.Tx, rr repo.Repo) error {
		if p.IsDefault {
			if err := rr.ClearDefault(ctx, p.TenantID, p.ID); err != nil {
				return err
			}
		}
		if err := rr.InsertPipeline(ctx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PipelineCreated, p.TenantID, "pipeline", p.ID, opts.ActorID, events.EventPayload{
			"name":       p.Name,
			"is_default": p.IsDefault,
			"stages":     len(p.Stages),
		})
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

func (e Engine) GetPipeline(ctx context.Context, id string) (p domain.Pipeline, err error) {
	defer observe("pipeline.get", time.Now(), &err)
	p, err = e.Repo.GetPipeline(ctx, id)
	return p, lookup(err, "pipeline", id)
}

// ListPipelines returns the tenant's pipelines with the default first.
func (e Engine) ListPipelines(ctx context.Context, tenantID string) (ps []domain.Pipeline, err error) {
	defer observe("pipeline.list", time.Now(), &err)
	ps, err = e.Repo.ListPipelines(ctx, tenantID)
	if ps == nil && err == nil {
		ps = []domain.Pipeline{}
	}
	return ps, err
}

func (e Engine) GetDefaultPipeline(ctx context.Context, tenantID string) (p domain.Pipeline, err error) {
	defer observe("pipeline.default", time.Now(), &err)
	p, err = e.Repo.GetDefaultPipeline(ctx, tenantID)
	return p, lookup(err, "default pipeline for tenant", tenantID)
}

// PipelineUpdate holds the pipeline fields to change; nil leaves a field as is.
type PipelineUpdate struct {
	Name        *string
	Description *string
	Currency    *string
	IsDefault   *bool
	ActorID     string
}

func (e Engine) UpdatePipeline(ctx context.Context, id string, upd PipelineUpdate) (domain.Pipeline, error) {
	var p domain.Pipeline
	err := e.inTx(ctx, "pipeline.update", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if p, err = rr.GetPipeline(ctx, id); err != nil {
			return lookup(err, "pipeline", id)
		}
		changed := events.EventPayload{}
		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return invalid("name", "must not be empty")
			}
			p.Name = *upd.Name
			changed["name"] = p.Name
		}
		if upd.Description != nil {
			p.Description = *upd.Description
			changed["description"] = p.Description
		}
		if upd.Currency != nil {
			if *upd.Currency == "" {
				return invalid("currency", "must not be empty")
			}
			p.Currency = *upd.Currency
			changed["currency"] = p.Currency
		}
		if upd.IsDefault != nil {
			if *upd.IsDefault && !p.IsDefault {
				if err := rr.ClearDefault(ctx, p.TenantID, p.ID); err != nil {
					return err
				}
			}
			p.IsDefault = *upd.IsDefault
			changed["is_default"] = p.IsDefault
		}
		p.UpdatedAt = e.now()
		if err := rr.UpdatePipeline(ctx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PipelineUpdated, p.TenantID, "pipeline", p.ID, upd.ActorID, changed)
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// DeletePipeline removes a pipeline and its stages. Pipelines still holding
// deals are refused with a DependencyError.
func (e Engine) DeletePipeline(ctx context.Context, id, actorID string) error {
	return e.inTx(ctx, "pipeline.delete", func(tx *sql.Tx, rr repo.Repo) error {
		p, err := rr.GetPipeline(ctx, id)
		if err != nil {
			return lookup(err, "pipeline", id)
		}
		n, err := rr.CountDealsInPipeline(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return DependencyError{Entity: "pipeline", ID: id, Dependents: n}
		}
		if err := rr.DeletePipeline(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PipelineDeleted, p.TenantID, "pipeline", p.ID, actorID, events.EventPayload{"name": p.Name})
	})
}

// AddStage appends a stage at the end of the pipeline.
func (e Engine) AddStage(ctx context.Context, pipelineID string, stage domain.Stage, actorID string) (domain.Pipeline, error) {
	if stage.ID == "" {
		stage.ID = newID()
	}
	return e.mutateStages(ctx, "stage.add", pipelineID, actorID, events.EventPayload{"action": "added", "stage_id": stage.ID},
		func(p domain.Pipeline) ([]domain.Stage, error) {
			if _, ok := p.Stage(stage.ID); ok {
				return nil, invalid("id", "stage %s already exists", stage.ID)
			}
			return append(p.Stages, stage), nil
		})
}

// StageUpdate holds the stage fields to change. A non-positive RottenDays
// clears the staleness threshold.
type StageUpdate struct {
	Name        *string
	Probability *int
	Color       *string
	RottenDays  *int
	IsWon       *bool
	IsLost      *bool
}

func (e Engine) UpdateStage(ctx context.Context, pipelineID, stageID string, upd StageUpdate, actorID string) (domain.Pipeline, error) {
	return e.mutateStages(ctx, "stage.update", pipelineID, actorID, events.EventPayload{"action": "updated", "stage_id": stageID},
		func(p domain.Pipeline) ([]domain.Stage, error) {
			stages := p.Stages
			i := stageIndex(stages, stageID)
			if i < 0 {
				return nil, notFound("stage", stageID)
			}
			s := &stages[i]
			if upd.Name != nil {
				s.Name = *upd.Name
			}
			if upd.Probability != nil {
				s.Probability = *upd.Probability
			}
			if upd.Color != nil {
				s.Color = *upd.Color
			}
			if upd.RottenDays != nil {
				if *upd.RottenDays > 0 {
					v := *upd.RottenDays
					s.RottenDays = &v
				} else {
					s.RottenDays = nil
				}
			}
			if upd.IsWon != nil {
				s.IsWon = *upd.IsWon
			}
			if upd.IsLost != nil {
				s.IsLost = *upd.IsLost
			}
			return stages, nil
		})
}

// ReorderStages places the listed stages first, in the given order. Unknown
// IDs are ignored, repeated IDs keep their first position, and stages left
// out follow in their previous relative order.
func (e Engine) ReorderStages(ctx context.Context, pipelineID string, stageIDs []string, actorID string) (domain.Pipeline, error) {
	return e.mutateStages(ctx, "stage.reorder", pipelineID, actorID, events.EventPayload{"action": "reordered", "order": stageIDs},
		func(p domain.Pipeline) ([]domain.Stage, error) {
			return reorder(p.Stages, stageIDs), nil
		})
}

// DeleteStage removes an empty stage. A stage still holding deals is refused
// and the pipeline is left untouched.
func (e Engine) DeleteStage(ctx context.Context, pipelineID, stageID, actorID string) (domain.Pipeline, error) {
	return e.mutateStages(ctx, "stage.delete", pipelineID, actorID, events.EventPayload{"action": "deleted", "stage_id": stageID},
		func(p domain.Pipeline) ([]domain.Stage, error) {
			i := stageIndex(p.Stages, stageID)
			if i < 0 {
				return nil, notFound("stage", stageID)
			}
			return append(p.Stages[:i:i], p.Stages[i+1:]...), nil
		}, func(ctx context.Context, rr repo.Repo) error {
			n, err := rr.CountDealsInStage(ctx, pipelineID, stageID)
			if err != nil {
				return err
			}
			if n > 0 {
				return DependencyError{Entity: "stage", ID: stageID, Dependents: n}
			}
			return nil
		})
}

// mutateStages loads the pipeline, applies fn, validates and stores the
// renumbered result. Optional checks run inside the transaction first.
func (e Engine) mutateStages(ctx context.Context, op, pipelineID, actorID string, payload events.EventPayload,
	fn func(domain.Pipeline) ([]domain.Stage, error), checks ...func(context.Context, repo.Repo) error) (domain.Pipeline, error) {
	var p domain.Pipeline
	err := e.inTx(ctx, op, func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if p, err = rr.GetPipeline(ctx, pipelineID); err != nil {
			return lookup(err, "pipeline", pipelineID)
		}
		for _, check := range checks {
			if err := check(ctx, rr); err != nil {
				return err
			}
		}
		stages, err := fn(p)
		if err != nil {
			return err
		}
		stages = renumber(stages)
		if err := validateStages(stages); err != nil {
			return err
		}
		if err := rr.ReplaceStages(ctx, p.ID, stages); err != nil {
			return err
		}
		p.Stages = stages
		p.UpdatedAt = e.now()
		if err := rr.UpdatePipeline(ctx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.PipelineStagesChanged, p.TenantID, "pipeline", p.ID, actorID, payload)
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// validateStages enforces the stage-set rules every stored pipeline satisfies.
func validateStages(stages []domain.Stage) error {
	seen := make(map[string]struct{}, len(stages))
	var won, lost int
	for _, s := range stages {
		if strings.TrimSpace(s.ID) == "" {
			return invalid("stages", "stage id must not be empty")
		}
		if _, dup := seen[s.ID]; dup {
			return invalid("stages", "duplicate stage id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.Name) == "" {
			return invalid("stages", "stage %s has no name", s.ID)
		}
		if s.Probability < 0 || s.Probability > 100 {
			return invalid("stages", "stage %s probability %d outside 0..100", s.ID, s.Probability)
		}
		if s.IsWon && s.IsLost {
			return invalid("stages", "stage %s cannot be both won and lost", s.ID)
		}
		if s.IsWon {
			won++
		}
		if s.IsLost {
			lost++
		}
	}
	if won > 1 {
		return invalid("stages", "at most one won stage allowed, got %d", won)
	}
	if lost > 1 {
		return invalid("stages", "at most one lost stage allowed, got %d", lost)
	}
	return nil
}

func renumber(stages []domain.Stage) []domain.Stage {
	for i := range stages {
		stages[i].Order = i
	}
	return stages
}

func stageIndex(stages []domain.Stage, id string) int {
	for i, s := range stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func reorder(stages []domain.Stage, ids []string) []domain.Stage {
	byID := make(map[string]domain.Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}
	out := make([]domain.Stage, 0, len(stages))
	placed := make(map[string]bool, len(stages))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok || placed[id] {
			continue
		}
		placed[id] = true
		out = append(out, s)
	}
	for _, s := range stages {
		if !placed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// defaultStages is the stage set of a pipeline provisioned on first use.
func defaultStages() []domain.Stage {
	return []domain.Stage{
		{ID: "lead", Name: "Lead", Probability: 20, Color: "#94a3b8"},
		{ID: "qualified", Name: "Qualified", Probability: 40, Color: "#3b82f6"},
		{ID: "proposal", Name: "Proposal", Probability: 60, Color: "#eab308"},
		{ID: "negotiation", Name: "Negotiation", Probability: 80, Color: "#a855f7"},
		{ID: "won", Name: "Won", Probability: 100, Color: "#22c55e", IsWon: true},
		{ID: "lost", Name: "Lost", Probability: 0, Color: "#ef4444", IsLost: true},
	}
}

// provisionPipeline stores the default six-stage pipeline under id. It only
// becomes the tenant default when the tenant has none yet.
func (e Engine) provisionPipeline(ctx context.Context, tx *sql.Tx, rr repo.Repo, tenantID, id, actorID string) (domain.Pipeline, error) {
	now := e.now()
	p := domain.Pipeline{
		ID:          id,
		TenantID:    tenantID,
		Name:        "Default Pipeline",
		Description: "Default sales pipeline",
		Stages:      renumber(defaultStages()),
		Currency:    e.Config.Currency(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := rr.GetDefaultPipeline(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return p, err
		}
		p.IsDefault = true
	}
	if err := rr.InsertPipeline(ctx, p); err != nil {
		return p, err
	}
	e.logger().Info("provisioned default pipeline", "tenant_id", tenantID, "pipeline_id", id)
	return p, e.emit(ctx, tx, events.PipelineCreated, tenantID, "pipeline", p.ID, actorID, events.EventPayload{
		"name":        p.Name,
		"is_default":  p.IsDefault,
		"stages":      len(p.Stages),
		"provisioned": true,
	})
}
