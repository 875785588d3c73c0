package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"dealflow/internal/analytics"
	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/metrics"
	"dealflow/internal/repo"
)

// CreateDealOptions are parameters for creating a deal.
type CreateDealOptions struct {
	TenantID          string
	PipelineID        string
	StageID           string
	Name              string
	Description       string
	Amount            float64
	Currency          string
	Probability       *int
	ExpectedCloseDate *time.Time
	ContactID         string
	CompanyID         string
	OwnerID           string
	Collaborators     []string
	Tags              []string
	CustomFields      map[string]any
	Priority          domain.Priority
	Source            string
	Campaign          string
	Score             *int
	ActorID           string
}

func (e Engine) CreateDeal(ctx context.Context, opts CreateDealOptions) (domain.Deal, error) {
	if strings.TrimSpace(opts.TenantID) == "" {
		return domain.Deal{}, invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(opts.PipelineID) == "" {
		return domain.Deal{}, invalid("pipeline_id", "is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Deal{}, invalid("name", "is required")
	}
	if opts.Amount < 0 {
		return domain.Deal{}, invalid("amount", "must not be negative")
	}
	if opts.Probability != nil {
		if err := checkProbability(*opts.Probability); err != nil {
			return domain.Deal{}, err
		}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Deal{}, invalid("priority", "unknown priority %q", opts.Priority)
	}
	var d domain.Deal
	err := e.inTx(ctx, "deal.create", func(tx *sql.Tx, rr repo.Repo) error {
		p, err := rr.GetPipeline(ctx, opts.PipelineID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if !e.Config.AutoProvision() {
				return notFound("pipeline", opts.PipelineID)
			}
			if p, err = e.provisionPipeline(ctx, tx, rr, opts.TenantID, opts.PipelineID, opts.ActorID); err != nil {
				return err
			}
		case err != nil:
			return err
		case p.TenantID != opts.TenantID:
			return notFound("pipeline", opts.PipelineID)
		}
		if len(p.Stages) == 0 {
			return InvariantError{Message: fmt.Sprintf("pipeline %s has no stages", p.ID)}
		}
		stage := p.Stages[0]
		if opts.StageID != "" {
			var ok bool
			if stage, ok = p.Stage(opts.StageID); !ok {
				return invalid("stage_id", "stage %s is not part of pipeline %s", opts.StageID, p.ID)
			}
		}
		now := e.now()
		d = domain.Deal{
			ID:                newID(),
			TenantID:          opts.TenantID,
			Name:              opts.Name,
			Description:       opts.Description,
			PipelineID:        p.ID,
			StageID:           stage.ID,
			StageMovedAt:      now,
			Amount:            opts.Amount,
			Currency:          opts.Currency,
			Probability:       stage.Probability,
			Status:            domain.StatusOpen,
			OwnerID:           opts.OwnerID,
			Collaborators:     nonNil(opts.Collaborators),
			Tags:              nonNil(opts.Tags),
			CustomFields:      opts.CustomFields,
			ContactID:         opts.ContactID,
			CompanyID:         opts.CompanyID,
			Source:            opts.Source,
			Campaign:          opts.Campaign,
			Score:             opts.Score,
			Priority:          opts.Priority,
			ExpectedCloseDate: opts.ExpectedCloseDate,
			LastActivityAt:    &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if opts.Probability != nil {
			d.Probability = *opts.Probability
		}
		if d.Currency == "" {
			d.Currency = p.Currency
		}
		// a deal born in a terminal stage is already closed
		if stage.IsWon {
			d.Status = domain.StatusWon
			d.ActualCloseDate = &now
		} else if stage.IsLost {
			d.Status = domain.StatusLost
			d.ActualCloseDate = &now
		}
		if err := rr.InsertDeal(ctx, d); err != nil {
			return err
		}
		if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityStageChange, "Deal created in stage: "+stage.Name,
			map[string]any{"stageId": stage.ID}, opts.ActorID); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.DealCreated, d.TenantID, "deal", d.ID, opts.ActorID, events.EventPayload{
			"dealId":     d.ID,
			"tenantId":   d.TenantID,
			"pipelineId": d.PipelineID,
		}); err != nil {
			return err
		}
		if d.Status != domain.StatusOpen {
			evt := events.DealWon
			if d.Status == domain.StatusLost {
				evt = events.DealLost
			}
			if err := e.emitClosed(ctx, tx, evt, d, opts.ActorID); err != nil {
				return err
			}
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// DealUpdate holds the deal fields to change; nil leaves a field as is.
// Status may only be set to archived; the other transitions have their own operations.
type DealUpdate struct {
	Name              *string
	Description       *string
	Amount            *float64
	Currency          *string
	Probability       *int
	OwnerID           *string
	Collaborators     *[]string
	Tags              *[]string
	CustomFields      map[string]any
	Priority          *domain.Priority
	ExpectedCloseDate *time.Time
	ContactID         *string
	CompanyID         *string
	Source            *string
	Campaign          *string
	Score             *int
	Status            *domain.DealStatus
	ActorID           string
}

func (e Engine) UpdateDeal(ctx context.Context, id string, upd DealUpdate) (domain.Deal, error) {
	var d domain.Deal
	err := e.inTx(ctx, "deal.update", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if d, err = rr.GetDeal(ctx, id); err != nil {
			return lookup(err, "deal", id)
		}
		changed := []string{}
		setStr := func(field string, dst *string, v *string) {
			if v != nil {
				*dst = *v
				changed = append(changed, field)
			}
		}
		if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
			return invalid("name", "must not be empty")
		}
		setStr("name", &d.Name, upd.Name)
		setStr("description", &d.Description, upd.Description)
		setStr("currency", &d.Currency, upd.Currency)
		setStr("owner_id", &d.OwnerID, upd.OwnerID)
		setStr("contact_id", &d.ContactID, upd.ContactID)
		setStr("company_id", &d.CompanyID, upd.CompanyID)
		setStr("source", &d.Source, upd.Source)
		setStr("campaign", &d.Campaign, upd.Campaign)
		if upd.Probability != nil {
			if err := checkProbability(*upd.Probability); err != nil {
				return err
			}
			d.Probability = *upd.Probability
			changed = append(changed, "probability")
		}
		if upd.Collaborators != nil {
			d.Collaborators = nonNil(*upd.Collaborators)
			changed = append(changed, "collaborators")
		}
		if upd.Tags != nil {
			d.Tags = nonNil(*upd.Tags)
			changed = append(changed, "tags")
		}
		if upd.CustomFields != nil {
			d.CustomFields = upd.CustomFields
			changed = append(changed, "custom_fields")
		}
		if upd.Priority != nil {
			if !upd.Priority.Valid() {
				return invalid("priority", "unknown priority %q", *upd.Priority)
			}
			d.Priority = *upd.Priority
			changed = append(changed, "priority")
		}
		if upd.ExpectedCloseDate != nil {
			v := upd.ExpectedCloseDate.UTC()
			d.ExpectedCloseDate = &v
			changed = append(changed, "expected_close_date")
		}
		if upd.Score != nil {
			v := *upd.Score
			d.Score = &v
			changed = append(changed, "score")
		}
		now := e.now()
		if upd.Status != nil && *upd.Status != d.Status {
			if *upd.Status != domain.StatusArchived {
				return invalid("status", "only archived can be set directly; use move, close or reopen")
			}
			d.Status = domain.StatusArchived
			if d.ActualCloseDate == nil {
				d.ActualCloseDate = &now
			}
			changed = append(changed, "status")
		}
		if upd.Amount != nil && *upd.Amount != d.Amount {
			if *upd.Amount < 0 {
				return invalid("amount", "must not be negative")
			}
			if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityValueChange,
				fmt.Sprintf("Deal value changed from %s to %s", formatAmount(d.Amount), formatAmount(*upd.Amount)),
				map[string]any{"previousValue": d.Amount, "newValue": *upd.Amount}, upd.ActorID); err != nil {
				return err
			}
			d.Amount = *upd.Amount
			changed = append(changed, "amount")
		}
		d.UpdatedAt = now
		if err := rr.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.DealUpdated, d.TenantID, "deal", d.ID, upd.ActorID, events.EventPayload{
			"dealId": d.ID,
			"fields": changed,
			"status": d.Status,
		}); err != nil {
			return err
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return e.withDuration(d), nil
}

// MoveDealToStage moves a deal within its pipeline. Entering a won or lost
// stage closes the deal; any other stage keeps its current status.
func (e Engine) MoveDealToStage(ctx context.Context, id, stageID, actorID string) (domain.Deal, error) {
	var d domain.Deal
	err := e.inTx(ctx, "deal.move", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if d, err = rr.GetDeal(ctx, id); err != nil {
			return lookup(err, "deal", id)
		}
		p, err := rr.GetPipeline(ctx, d.PipelineID)
		if err != nil {
			return lookup(err, "pipeline", d.PipelineID)
		}
		next, ok := p.Stage(stageID)
		if !ok {
			return notFound("stage", stageID)
		}
		prevName := d.StageID
		if prev, ok := p.Stage(d.StageID); ok {
			prevName = prev.Name
		}
		prevStage := d.StageID
		now := e.now()
		d.StageID = next.ID
		d.Probability = next.Probability
		d.StageMovedAt = now
		d.UpdatedAt = now
		var closedAs string
		switch {
		case next.IsWon:
			d.Status = domain.StatusWon
			d.ActualCloseDate = &now
			d.LostReason = ""
			closedAs = events.DealWon
		case next.IsLost:
			d.Status = domain.StatusLost
			d.ActualCloseDate = &now
			closedAs = events.DealLost
		}
		if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityStageChange, fmt.Sprintf("Moved from %s to %s", prevName, next.Name),
			map[string]any{"previousStage": prevStage, "newStage": next.ID}, actorID); err != nil {
			return err
		}
		if err := rr.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.DealStageChanged, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId":        d.ID,
			"previousStage": prevStage,
			"newStage":      next.ID,
			"status":        d.Status,
		}); err != nil {
			return err
		}
		if closedAs != "" {
			if err := e.emitClosed(ctx, tx, closedAs, d, actorID); err != nil {
				return err
			}
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return e.withDuration(d), nil
}

// CloseDeal marks a deal won or lost regardless of its stage. When the
// pipeline has a matching terminal stage the deal is moved there too.
func (e Engine) CloseDeal(ctx context.Context, id string, outcome domain.DealStatus, actorID, lostReason string) (domain.Deal, error) {
	if outcome != domain.StatusWon && outcome != domain.StatusLost {
		return domain.Deal{}, invalid("outcome", "must be won or lost, got %q", outcome)
	}
	var d domain.Deal
	err := e.inTx(ctx, "deal.close", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if d, err = rr.GetDeal(ctx, id); err != nil {
			return lookup(err, "deal", id)
		}
		p, err := rr.GetPipeline(ctx, d.PipelineID)
		if err != nil {
			return lookup(err, "pipeline", d.PipelineID)
		}
		prevStatus := d.Status
		now := e.now()
		d.Status = outcome
		d.ActualCloseDate = &now
		d.UpdatedAt = now
		terminal, ok := p.WonStage()
		description := "Deal won!"
		evt := events.DealWon
		if outcome == domain.StatusLost {
			terminal, ok = p.LostStage()
			d.LostReason = lostReason
			reason := lostReason
			if reason == "" {
				reason = "No reason provided"
			}
			description = "Deal lost: " + reason
			evt = events.DealLost
		} else {
			d.LostReason = ""
		}
		if ok && d.StageID != terminal.ID {
			d.StageID = terminal.ID
			d.Probability = terminal.Probability
			d.StageMovedAt = now
		}
		meta := map[string]any{"previousStatus": prevStatus, "newStatus": d.Status}
		if d.LostReason != "" {
			meta["lostReason"] = d.LostReason
		}
		if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityStatusChange, description, meta, actorID); err != nil {
			return err
		}
		if err := rr.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := e.emitClosed(ctx, tx, evt, d, actorID); err != nil {
			return err
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return e.withDuration(d), nil
}

// ReopenDeal returns a closed or archived deal to open, placing it in the
// pipeline's first non-terminal stage when there is one.
func (e Engine) ReopenDeal(ctx context.Context, id, actorID string) (domain.Deal, error) {
	var d domain.Deal
	err := e.inTx(ctx, "deal.reopen", func(tx *sql.Tx, rr repo.Repo) error {
		var err error
		if d, err = rr.GetDeal(ctx, id); err != nil {
			return lookup(err, "deal", id)
		}
		p, err := rr.GetPipeline(ctx, d.PipelineID)
		if err != nil {
			return lookup(err, "pipeline", d.PipelineID)
		}
		prevStatus := d.Status
		now := e.now()
		d.Status = domain.StatusOpen
		d.ActualCloseDate = nil
		d.LostReason = ""
		d.UpdatedAt = now
		if s, ok := p.FirstOpenStage(); ok {
			d.StageID = s.ID
			d.Probability = s.Probability
			d.StageMovedAt = now
		}
		if _, err := e.appendActivity(ctx, rr, &d, now, domain.ActivityStatusChange, "Deal reopened",
			map[string]any{"previousStatus": prevStatus, "newStatus": d.Status}, actorID); err != nil {
			return err
		}
		if err := rr.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.DealReopened, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId":         d.ID,
			"previousStatus": prevStatus,
			"stageId":        d.StageID,
		}); err != nil {
			return err
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
	if err != nil {
		return domain.Deal{}, err
	}
	return e.withDuration(d), nil
}

// DeleteDeal removes a deal together with its activities and tasks.
func (e Engine) DeleteDeal(ctx context.Context, id, actorID string) error {
	return e.inTx(ctx, "deal.delete", func(tx *sql.Tx, rr repo.Repo) error {
		d, err := rr.GetDeal(ctx, id)
		if err != nil {
			return lookup(err, "deal", id)
		}
		if err := rr.DeleteDeal(ctx, id); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, events.DealDeleted, d.TenantID, "deal", d.ID, actorID, events.EventPayload{
			"dealId":     d.ID,
			"pipelineId": d.PipelineID,
			"amount":     d.Amount,
		}); err != nil {
			return err
		}
		return e.recomputeStats(ctx, rr, d.PipelineID)
	})
}

func (e Engine) GetDeal(ctx context.Context, id string) (d domain.Deal, err error) {
	defer observe("deal.get", time.Now(), &err)
	d, err = e.Repo.GetDeal(ctx, id)
	if err != nil {
		return d, lookup(err, "deal", id)
	}
	return e.withDuration(d), nil
}

// SortField names a sortable deal attribute.
type SortField string

const (
	SortCreatedAt         SortField = "createdAt"
	SortUpdatedAt         SortField = "updatedAt"
	SortAmount            SortField = "amount"
	SortName              SortField = "name"
	SortProbability       SortField = "probability"
	SortExpectedCloseDate SortField = "expectedCloseDate"
	SortStageMovedAt      SortField = "stageMovedAt"
)

var dealComparators = map[SortField]func(a, b domain.Deal) int{
	SortCreatedAt:   func(a, b domain.Deal) int { return a.CreatedAt.Compare(b.CreatedAt) },
	SortUpdatedAt:   func(a, b domain.Deal) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
	SortAmount:      func(a, b domain.Deal) int { return cmpFloat(a.Amount, b.Amount) },
	SortName:        func(a, b domain.Deal) int { return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) },
	SortProbability: func(a, b domain.Deal) int { return a.Probability - b.Probability },
	// deals without an expected close date sort after those with one
	SortExpectedCloseDate: func(a, b domain.Deal) int {
		switch {
		case a.ExpectedCloseDate == nil && b.ExpectedCloseDate == nil:
			return 0
		case a.ExpectedCloseDate == nil:
			return 1
		case b.ExpectedCloseDate == nil:
			return -1
		}
		return a.ExpectedCloseDate.Compare(*b.ExpectedCloseDate)
	},
	SortStageMovedAt: func(a, b domain.Deal) int { return a.StageMovedAt.Compare(b.StageMovedAt) },
}

func (f SortField) Valid() bool {
	_, ok := dealComparators[f]
	return ok
}

// DealQuery combines filters, ordering and pagination for ListDeals.
type DealQuery struct {
	repo.DealFilters
	SortBy    SortField
	Ascending bool
	Offset    int
	Limit     int
}

// DealPage is one page of deals plus the count of all matches.
type DealPage struct {
	Items []domain.Deal `json:"items"`
	Total int           `json:"total"`
}

// ListDeals filters the tenant's deals, sorts them and cuts one page.
func (e Engine) ListDeals(ctx context.Context, q DealQuery) (page DealPage, err error) {
	defer observe("deal.list", time.Now(), &err)
	if strings.TrimSpace(q.TenantID) == "" {
		return page, invalid("tenant_id", "is required")
	}
	if q.SortBy == "" {
		q.SortBy = SortCreatedAt
	}
	cmp, ok := dealComparators[q.SortBy]
	if !ok {
		return page, invalid("sort_by", "unknown sort field %q", q.SortBy)
	}
	if q.Offset < 0 {
		return page, invalid("offset", "must not be negative")
	}
	if q.Limit <= 0 {
		q.Limit = e.Config.ListLimit()
	}
	deals, err := e.Repo.ListDeals(ctx, q.DealFilters)
	if err != nil {
		return page, err
	}
	slices.SortFunc(deals, func(a, b domain.Deal) int {
		c := cmp(a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if !q.Ascending {
			c = -c
		}
		return c
	})
	page.Total = len(deals)
	start := min(q.Offset, len(deals))
	end := start + min(q.Limit, len(deals)-start)
	page.Items = deals[start:end]
	for i := range page.Items {
		page.Items[i] = e.withDuration(page.Items[i])
	}
	return page, nil
}

// ListRottingDeals returns open deals that have sat in their stage longer
// than the stage's rotten-days threshold.
func (e Engine) ListRottingDeals(ctx context.Context, tenantID, pipelineID string) (res []domain.Deal, err error) {
	defer observe("deal.rotting", time.Now(), &err)
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{TenantID: tenantID, PipelineID: pipelineID, Status: domain.StatusOpen})
	if err != nil {
		return nil, err
	}
	pipelines, err := e.Repo.ListPipelines(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}
	now := e.now()
	res = []domain.Deal{}
	for _, d := range deals {
		s, ok := byID[d.PipelineID].Stage(d.StageID)
		if ok && analytics.Rotting(d, s, now) {
			res = append(res, e.withDuration(d))
		}
	}
	return res, nil
}

func (e Engine) emitClosed(ctx context.Context, tx *sql.Tx, evt string, d domain.Deal, actorID string) error {
	metrics.DealsClosed.WithLabelValues(string(d.Status)).Inc()
	payload := events.EventPayload{
		"dealId":   d.ID,
		"amount":   d.Amount,
		"tenantId": d.TenantID,
	}
	if d.LostReason != "" {
		payload["lostReason"] = d.LostReason
	}
	return e.emit(ctx, tx, evt, d.TenantID, "deal", d.ID, actorID, payload)
}

func (e Engine) withDuration(d domain.Deal) domain.Deal {
	d.StageDuration = analytics.StageDays(d.StageMovedAt, e.now())
	return d
}

func checkProbability(p int) error {
	if p < 0 || p > 100 {
		return invalid("probability", "must be within 0..100, got %d", p)
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
