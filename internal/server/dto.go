package server

import (
	"encoding/json"
	"time"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
)

// Request payloads

type StageRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Probability int    `json:"probability" minimum:"0" maximum:"100"`
	Color       string `json:"color,omitempty"`
	RottenDays  *int   `json:"rotten_days,omitempty"`
	IsWon       bool   `json:"is_won,omitempty"`
	IsLost      bool   `json:"is_lost,omitempty"`
}

func (s StageRequest) stage() domain.Stage {
	return domain.Stage{
		ID:          s.ID,
		Name:        s.Name,
		Probability: s.Probability,
		Color:       s.Color,
		RottenDays:  s.RottenDays,
		IsWon:       s.IsWon,
		IsLost:      s.IsLost,
	}
}

type CreatePipelineRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stages      []StageRequest `json:"stages,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	IsDefault   bool           `json:"is_default,omitempty"`
}

type UpdatePipelineRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	IsDefault   *bool   `json:"is_default,omitempty"`
}

type UpdateStageRequest struct {
	Name        *string `json:"name,omitempty"`
	Probability *int    `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Color       *string `json:"color,omitempty"`
	RottenDays  *int    `json:"rotten_days,omitempty"`
	IsWon       *bool   `json:"is_won,omitempty"`
	IsLost      *bool   `json:"is_lost,omitempty"`
}

type ReorderStagesRequest struct {
	StageIDs []string `json:"stage_ids"`
}

type CreateDealRequest struct {
	PipelineID        string          `json:"pipeline_id"`
	StageID           string          `json:"stage_id,omitempty"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Amount            float64         `json:"amount" minimum:"0"`
	Currency          string          `json:"currency,omitempty"`
	Probability       *int            `json:"probability,omitempty" minimum:"0" maximum:"100"`
	ExpectedCloseDate *time.Time      `json:"expected_close_date,omitempty"`
	ContactID         string          `json:"contact_id,omitempty"`
	CompanyID         string          `json:"company_id,omitempty"`
	OwnerID           string          `json:"owner_id,omitempty"`
	Collaborators     []string        `json:"collaborators,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	CustomFields      map[string]any  `json:"custom_fields,omitempty"`
	Priority          domain.Priority `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Source            string          `json:"source,omitempty"`
	Campaign          string          `json:"campaign,omitempty"`
	Score             *int            `json:"score,omitempty"`
}

type UpdateDealRequest struct {
	Name              *string          `json:"name,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Amount            *float64         `json:"amount,omitempty" minimum:"0"`
	Currency          *string          `json:"currency,omitempty"`
	Probability       *int             `json:"probability,omitempty" minimum:"0" maximum:"100"`
	OwnerID           *string          `json:"owner_id,omitempty"`
	Collaborators     *[]string        `json:"collaborators,omitempty"`
	Tags              *[]string        `json:"tags,omitempty"`
	CustomFields      map[string]any   `json:"custom_fields,omitempty"`
	Priority          *domain.Priority `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date,omitempty"`
	ContactID         *string          `json:"contact_id,omitempty"`
	CompanyID         *string          `json:"company_id,omitempty"`
	Source            *string          `json:"source,omitempty"`
	Campaign          *string          `json:"campaign,omitempty"`
	Score             *int             `json:"score,omitempty"`
	Status            *string          `json:"status,omitempty" enum:"archived"`
}

func (r UpdateDealRequest) update(actorID string) engine.DealUpdate {
	upd := engine.DealUpdate{
		Name:              r.Name,
		Description:       r.Description,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Probability:       r.Probability,
		OwnerID:           r.OwnerID,
		Collaborators:     r.Collaborators,
		Tags:              r.Tags,
		CustomFields:      r.CustomFields,
		Priority:          r.Priority,
		ExpectedCloseDate: r.ExpectedCloseDate,
		ContactID:         r.ContactID,
		CompanyID:         r.CompanyID,
		Source:            r.Source,
		Campaign:          r.Campaign,
		Score:             r.Score,
		ActorID:           actorID,
	}
	if r.Status != nil {
		s := domain.DealStatus(*r.Status)
		upd.Status = &s
	}
	return upd
}

type MoveDealRequest struct {
	StageID string `json:"stage_id"`
}

type CloseDealRequest struct {
	Outcome    string `json:"outcome" enum:"won,lost"`
	LostReason string `json:"lost_reason,omitempty"`
}

type RecordActivityRequest struct {
	Type        domain.ActivityType `json:"type" enum:"note,call,email,meeting,task,stage_change,value_change,status_change"`
	Description string              `json:"description"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

type CreateTaskRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Type        domain.TaskType     `json:"type,omitempty" enum:"call,email,meeting,follow_up,other"`
	DueDate     time.Time           `json:"due_date"`
	Priority    domain.TaskPriority `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  string              `json:"assignee_id,omitempty"`
}

// Response payloads

type PipelineList struct {
	Items []domain.Pipeline `json:"items"`
	Total int               `json:"total"`
}

type DealList struct {
	Items []domain.Deal `json:"items"`
	Total int           `json:"total"`
}

type ActivityList struct {
	Items []domain.DealActivity `json:"items"`
	Total int                   `json:"total"`
}

type TaskList struct {
	Items []domain.DealTask `json:"items"`
	Total int               `json:"total"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	TenantID    string         `json:"tenant_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt *string        `json:"published_at,omitempty" format:"date-time"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		TenantID:    evt.TenantID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		PublishedAt: evt.PublishedAt,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
