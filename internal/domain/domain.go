package domain

import "time"

type DealStatus string

const (
	StatusOpen     DealStatus = "open"
	StatusWon      DealStatus = "won"
	StatusLost     DealStatus = "lost"
	StatusArchived DealStatus = "archived"
)

func (s DealStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusWon, StatusLost, StatusArchived:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type ActivityType string

const (
	ActivityNote         ActivityType = "note"
	ActivityCall         ActivityType = "call"
	ActivityEmail        ActivityType = "email"
	ActivityMeeting      ActivityType = "meeting"
	ActivityTask         ActivityType = "task"
	ActivityStageChange  ActivityType = "stage_change"
	ActivityValueChange  ActivityType = "value_change"
	ActivityStatusChange ActivityType = "status_change"
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityNote, ActivityCall, ActivityEmail, ActivityMeeting, ActivityTask,
		ActivityStageChange, ActivityValueChange, ActivityStatusChange:
		return true
	}
	return false
}

type TaskType string

const (
	TaskCall     TaskType = "call"
	TaskEmail    TaskType = "email"
	TaskMeeting  TaskType = "meeting"
	TaskFollowUp TaskType = "follow_up"
	TaskOther    TaskType = "other"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskCall, TaskEmail, TaskMeeting, TaskFollowUp, TaskOther:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskOverdue   TaskStatus = "overdue"
)

type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}

type Stage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Order       int    `json:"order"`
	Probability int    `json:"probability" minimum:"0" maximum:"100"`
	Color       string `json:"color,omitempty"`
	RottenDays  *int   `json:"rotten_days,omitempty"`
	IsWon       bool   `json:"is_won,omitempty"`
	IsLost      bool   `json:"is_lost,omitempty"`
}

// Terminal reports whether entering the stage closes a deal.
func (s Stage) Terminal() bool { return s.IsWon || s.IsLost }

type PipelineStats struct {
	TotalDeals   int     `json:"total_deals"`
	TotalValue   float64 `json:"total_value"`
	OpenDeals    int     `json:"open_deals"`
	WonDeals     int     `json:"won_deals"`
	LostDeals    int     `json:"lost_deals"`
	AvgDealSize  float64 `json:"avg_deal_size"`
	AvgCycleTime int     `json:"avg_cycle_time"`
	WinRate      int     `json:"win_rate"`
}

type Pipeline struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	IsDefault   bool          `json:"is_default"`
	Stages      []Stage       `json:"stages"`
	Currency    string        `json:"currency"`
	Stats       PipelineStats `json:"stats"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (p Pipeline) Stage(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

func (p Pipeline) WonStage() (Stage, bool) {
	for _, s := range p.Stages {
		if s.IsWon {
			return s, true
		}
	}
	return Stage{}, false
}

func (p Pipeline) LostStage() (Stage, bool) {
	for _, s := range p.Stages {
		if s.IsLost {
			return s, true
		}
	}
	return Stage{}, false
}

// FirstOpenStage returns the lowest-ordered stage that is neither won nor lost.
func (p Pipeline) FirstOpenStage() (Stage, bool) {
	for _, s := range p.Stages {
		if !s.Terminal() {
			return s, true
		}
	}
	return Stage{}, false
}

type Deal struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	PipelineID        string         `json:"pipeline_id"`
	StageID           string         `json:"stage_id"`
	StageMovedAt      time.Time      `json:"stage_moved_at"`
	StageDuration     int            `json:"stage_duration"`
	Amount            float64        `json:"amount"`
	Currency          string         `json:"currency"`
	Probability       int            `json:"probability"`
	Status            DealStatus     `json:"status" enum:"open,won,lost,archived"`
	LostReason        string         `json:"lost_reason,omitempty"`
	OwnerID           string         `json:"owner_id,omitempty"`
	Collaborators     []string       `json:"collaborators"`
	Tags              []string       `json:"tags"`
	CustomFields      map[string]any `json:"custom_fields,omitempty"`
	ContactID         string         `json:"contact_id,omitempty"`
	CompanyID         string         `json:"company_id,omitempty"`
	Source            string         `json:"source,omitempty"`
	Campaign          string         `json:"campaign,omitempty"`
	Score             *int           `json:"score,omitempty"`
	LastActivityAt    *time.Time     `json:"last_activity_at,omitempty"`
	NextActivityAt    *time.Time     `json:"next_activity_at,omitempty"`
	NextActivityType  string         `json:"next_activity_type,omitempty"`
	Priority          Priority       `json:"priority" enum:"low,medium,high,urgent"`
	ExpectedCloseDate *time.Time     `json:"expected_close_date,omitempty"`
	ActualCloseDate   *time.Time     `json:"actual_close_date,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type DealActivity struct {
	ID          string         `json:"id"`
	DealID      string         `json:"deal_id"`
	Type        ActivityType   `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by"`
}

type DealTask struct {
	ID          string       `json:"id"`
	DealID      string       `json:"deal_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Type        TaskType     `json:"type" enum:"call,email,meeting,follow_up,other"`
	DueDate     time.Time    `json:"due_date"`
	Status      TaskStatus   `json:"status" enum:"pending,completed,overdue"`
	Priority    TaskPriority `json:"priority" enum:"low,medium,high"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CreatedBy   string       `json:"created_by"`
}

type StageForecast struct {
	StageID   string  `json:"stage_id"`
	StageName string  `json:"stage_name"`
	Count     int     `json:"count"`
	Value     float64 `json:"value"`
	Weighted  float64 `json:"weighted"`
}

type MonthForecast struct {
	Month    string  `json:"month"`
	Expected float64 `json:"expected"`
	Weighted float64 `json:"weighted"`
}

type Forecast struct {
	Weighted  float64         `json:"weighted"`
	BestCase  float64         `json:"best_case"`
	WorstCase float64         `json:"worst_case"`
	ByStage   []StageForecast `json:"by_stage"`
	ByMonth   []MonthForecast `json:"by_month"`
}

type TenantStats struct {
	PipelineStats
	WonValue       float64 `json:"won_value"`
	ArchivedDeals  int     `json:"archived_deals"`
	TotalPipelines int     `json:"total_pipelines"`
}

type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type"`
	TenantID    string  `json:"tenant_id"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    string  `json:"entity_id"`
	ActorID     string  `json:"actor_id"`
	Payload     string  `json:"payload,omitempty"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}
