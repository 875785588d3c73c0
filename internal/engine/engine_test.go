package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/migrate"
	"dealflow/internal/repo"
)

const tenant = "tenant-1"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default(tenant)
	eng := engine.New(conn, cfg)
	clock := t0
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

// salesPipeline is Lead(10%) -> Won -> Lost.
func salesPipeline(t *testing.T, env testEnv) domain.Pipeline {
	t.Helper()
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID: tenant,
		Name:     "Sales",
		Stages: []domain.Stage{
			{ID: "lead", Name: "Lead", Probability: 10},
			{ID: "won", Name: "Won", Probability: 100, IsWon: true},
			{ID: "lost", Name: "Lost", Probability: 0, IsLost: true},
		},
		IsDefault: true,
		ActorID:   "u1",
	})
	require.NoError(t, err)
	return p
}

func createDeal(t *testing.T, env testEnv, pipelineID, name string, amount float64) domain.Deal {
	t.Helper()
	d, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{
		TenantID:   tenant,
		PipelineID: pipelineID,
		Name:       name,
		Amount:     amount,
		ActorID:    "u1",
	})
	require.NoError(t, err)
	return d
}

func eventsOfType(t *testing.T, env testEnv, typ string) []domain.Event {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 100, 0, repo.EventFilters{TenantID: tenant, Type: typ})
	require.NoError(t, err)
	return evts
}

func requireStatsIdentity(t *testing.T, s domain.PipelineStats) {
	t.Helper()
	require.LessOrEqual(t, s.OpenDeals+s.WonDeals+s.LostDeals, s.TotalDeals)
	require.GreaterOrEqual(t, s.WinRate, 0)
	require.LessOrEqual(t, s.WinRate, 100)
}

func TestCreatePipelineAssignsDenseOrderAndSingleDefault(t *testing.T) {
	env := newTestEnv(t)
	first := salesPipeline(t, env)
	for i, s := range first.Stages {
		require.Equal(t, i, s.Order)
	}
	require.Equal(t, config.DefaultCurrency, first.Currency)

	env.advance(time.Minute)
	second, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID:  tenant,
		Name:      "Renewals",
		Stages:    []domain.Stage{{Name: "Open", Probability: 50}},
		Currency:  "EUR",
		IsDefault: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.Stages[0].ID)

	def, err := env.Engine.GetDefaultPipeline(env.Ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, second.ID, def.ID)

	list, err := env.Engine.ListPipelines(env.Ctx, tenant)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.False(t, list[1].IsDefault)

	require.Len(t, eventsOfType(t, env, "pipeline.created"), 2)
}

func TestCreatePipelineRejectsInvalidStageSets(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string][]domain.Stage{
		"two won":       {{Name: "A", IsWon: true}, {Name: "B", IsWon: true}},
		"two lost":      {{Name: "A", IsLost: true}, {Name: "B", IsLost: true}},
		"won and lost":  {{Name: "A", IsWon: true, IsLost: true}},
		"probability":   {{Name: "A", Probability: 101}},
		"empty name":    {{Name: " "}},
		"duplicate ids": {{ID: "x", Name: "A"}, {ID: "x", Name: "B"}},
	}
	for name, stages := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{TenantID: tenant, Name: "bad", Stages: stages})
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	list, err := env.Engine.ListPipelines(env.Ctx, tenant)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestUpdatePipelineMovesDefault(t *testing.T) {
	env := newTestEnv(t)
	a := salesPipeline(t, env)
	b, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{TenantID: tenant, Name: "B"})
	require.NoError(t, err)
	yes := true
	name := "Enterprise"
	b, err = env.Engine.UpdatePipeline(env.Ctx, b.ID, engine.PipelineUpdate{Name: &name, IsDefault: &yes})
	require.NoError(t, err)
	require.Equal(t, "Enterprise", b.Name)
	require.True(t, b.IsDefault)

	a, err = env.Engine.GetPipeline(env.Ctx, a.ID)
	require.NoError(t, err)
	require.False(t, a.IsDefault)

	_, err = env.Engine.UpdatePipeline(env.Ctx, "missing", engine.PipelineUpdate{Name: &name})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReorderStagesIsIdempotentAndKeepsEveryStage(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID: tenant,
		Name:     "Flow",
		Stages:   []domain.Stage{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}},
	})
	require.NoError(t, err)

	ids := func(p domain.Pipeline) []string {
		out := []string{}
		for i, s := range p.Stages {
			require.Equal(t, i, s.Order)
			out = append(out, s.ID)
		}
		return out
	}
	p, err = env.Engine.ReorderStages(env.Ctx, p.ID, []string{"c", "ghost", "a", "c"}, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(p))

	p, err = env.Engine.ReorderStages(env.Ctx, p.ID, []string{"c", "ghost", "a", "c"}, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(p))

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(stored))
}

func TestAddAndUpdateStageKeepSetValid(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	p, err := env.Engine.AddStage(env.Ctx, p.ID, domain.Stage{ID: "demo", Name: "Demo", Probability: 30}, "u1")
	require.NoError(t, err)
	require.Len(t, p.Stages, 4)
	require.Equal(t, 3, p.Stages[3].Order)

	_, err = env.Engine.AddStage(env.Ctx, p.ID, domain.Stage{Name: "Won again", IsWon: true}, "u1")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	prob := 35
	days := 7
	p, err = env.Engine.UpdateStage(env.Ctx, p.ID, "demo", engine.StageUpdate{Probability: &prob, RottenDays: &days}, "u1")
	require.NoError(t, err)
	s, ok := p.Stage("demo")
	require.True(t, ok)
	require.Equal(t, 35, s.Probability)
	require.Equal(t, 7, *s.RottenDays)

	_, err = env.Engine.UpdateStage(env.Ctx, p.ID, "nope", engine.StageUpdate{Probability: &prob}, "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NotEmpty(t, eventsOfType(t, env, "pipeline.stages-changed"))
}

func TestDeleteStageCompactsOrRefuses(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID: tenant,
		Name:     "Flow",
		Stages:   []domain.Stage{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}},
	})
	require.NoError(t, err)
	d := createDeal(t, env, p.ID, "Acme", 100)
	require.Equal(t, "a", d.StageID)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, "a", "u1")
	var dep engine.DependencyError
	require.ErrorAs(t, err, &dep)
	require.Equal(t, 1, dep.Dependents)
	require.ErrorIs(t, err, engine.ErrConflict)

	unchanged, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, unchanged.Stages, 3)

	p, err = env.Engine.DeleteStage(env.Ctx, p.ID, "b", "u1")
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	require.Equal(t, "a", p.Stages[0].ID)
	require.Equal(t, 0, p.Stages[0].Order)
	require.Equal(t, "c", p.Stages[1].ID)
	require.Equal(t, 1, p.Stages[1].Order)
}

func TestDeletePipelineRequiresNoDeals(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)

	err := env.Engine.DeletePipeline(env.Ctx, p.ID, "u1")
	require.ErrorIs(t, err, engine.ErrConflict)

	require.NoError(t, env.Engine.DeleteDeal(env.Ctx, d.ID, "u1"))
	require.NoError(t, env.Engine.DeletePipeline(env.Ctx, p.ID, "u1"))
	_, err = env.Engine.GetPipeline(env.Ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.Len(t, eventsOfType(t, env, "pipeline.deleted"), 1)
}

func TestCreateDealProvisionsFallbackPipeline(t *testing.T) {
	env := newTestEnv(t)
	d := createDeal(t, env, "pl-auto", "Acme", 500)
	require.Equal(t, "lead", d.StageID)
	require.Equal(t, 20, d.Probability)
	require.Equal(t, domain.StatusOpen, d.Status)
	require.Equal(t, config.DefaultCurrency, d.Currency)
	require.Equal(t, domain.PriorityMedium, d.Priority)

	p, err := env.Engine.GetPipeline(env.Ctx, "pl-auto")
	require.NoError(t, err)
	require.Equal(t, "Default Pipeline", p.Name)
	require.True(t, p.IsDefault)
	require.Len(t, p.Stages, 6)
	won, ok := p.WonStage()
	require.True(t, ok)
	require.Equal(t, "won", won.ID)
	require.Equal(t, 1, p.Stats.TotalDeals)

	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, domain.ActivityStageChange, acts[0].Type)
	require.Equal(t, "Deal created in stage: Lead", acts[0].Description)

	created := eventsOfType(t, env, "deal.created")
	require.Len(t, created, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(created[0].Payload), &payload))
	require.Equal(t, "pl-auto", payload["pipelineId"])

	// a second provisioned pipeline does not take over the default
	createDeal(t, env, "pl-other", "Globex", 10)
	other, err := env.Engine.GetPipeline(env.Ctx, "pl-other")
	require.NoError(t, err)
	require.False(t, other.IsDefault)
}

func TestCreateDealWithoutAutoProvisionFails(t *testing.T) {
	env := newTestEnv(t)
	off := false
	env.Engine.Config.Deals.AutoProvisionPipeline = &off
	_, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: "missing", Name: "x"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateDealRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	_, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "name", verr.Field)

	_, err = env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, Name: "x", StageID: "nowhere"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "stage_id", verr.Field)

	empty, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{TenantID: tenant, Name: "Empty"})
	require.NoError(t, err)
	_, err = env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: empty.ID, Name: "x"})
	var inv engine.InvariantError
	require.ErrorAs(t, err, &inv)
	require.ErrorIs(t, err, engine.ErrConflict)
}

func TestCreateDealProbabilityAndTerminalStage(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	prob := 45
	d, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, Name: "x", Amount: 1, Probability: &prob, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, 45, d.Probability)
	require.Equal(t, "USD", d.Currency)

	won, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, StageID: "won", Name: "y", Amount: 1})
	require.NoError(t, err)
	require.Equal(t, domain.StatusWon, won.Status)
	require.NotNil(t, won.ActualCloseDate)
	require.Len(t, eventsOfType(t, env, "deal.won"), 1)

	lost, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, StageID: "lost", Name: "z", Amount: 1})
	require.NoError(t, err)
	require.Equal(t, domain.StatusLost, lost.Status)
	closed := eventsOfType(t, env, "deal.lost")
	require.Len(t, closed, 1)
	require.Equal(t, lost.ID, closed[0].EntityID)
	require.Empty(t, eventsOfType(t, env, "deal.stage-changed"))
}

func TestLifecycleOperationsStampLastActivity(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)
	require.NotNil(t, d.LastActivityAt)
	require.Equal(t, t0, *mustGetDeal(t, env, d.ID).LastActivityAt)

	env.advance(time.Hour)
	amount := 250.0
	_, err := env.Engine.UpdateDeal(env.Ctx, d.ID, engine.DealUpdate{Amount: &amount, ActorID: "u1"})
	require.NoError(t, err)
	require.Equal(t, *env.clock, *mustGetDeal(t, env, d.ID).LastActivityAt)

	env.advance(time.Hour)
	moved, err := env.Engine.MoveDealToStage(env.Ctx, d.ID, "won", "u1")
	require.NoError(t, err)
	require.Equal(t, *env.clock, *moved.LastActivityAt)
	require.Equal(t, *env.clock, *mustGetDeal(t, env, d.ID).LastActivityAt)

	env.advance(time.Hour)
	_, err = env.Engine.ReopenDeal(env.Ctx, d.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, *env.clock, *mustGetDeal(t, env, d.ID).LastActivityAt)

	env.advance(time.Hour)
	_, err = env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusLost, "u1", "budget")
	require.NoError(t, err)
	require.Equal(t, *env.clock, *mustGetDeal(t, env, d.ID).LastActivityAt)
}

func TestMoveDealToWonStage(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 1000)
	require.Equal(t, 10, d.Probability)
	require.Equal(t, domain.StatusOpen, d.Status)

	env.advance(48 * time.Hour)
	d, err := env.Engine.MoveDealToStage(env.Ctx, d.ID, "won", "u1")
	require.NoError(t, err)
	require.Equal(t, 100, d.Probability)
	require.Equal(t, domain.StatusWon, d.Status)
	require.NotNil(t, d.ActualCloseDate)
	require.Equal(t, *env.clock, d.StageMovedAt)
	require.Equal(t, 0, d.StageDuration)

	require.Len(t, eventsOfType(t, env, "deal.won"), 1)
	changed := eventsOfType(t, env, "deal.stage-changed")
	require.Len(t, changed, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(changed[0].Payload), &payload))
	require.Equal(t, "lead", payload["previousStage"])
	require.Equal(t, "won", payload["newStage"])

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Stats.WonDeals)
	require.Equal(t, 2, stored.Stats.AvgCycleTime)
	require.Equal(t, 100, stored.Stats.WinRate)
	requireStatsIdentity(t, stored.Stats)

	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "Moved from Lead to Won", acts[0].Description)

	_, err = env.Engine.MoveDealToStage(env.Ctx, d.ID, "ghost", "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMoveDealToOpenStageKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID: tenant,
		Name:     "Flow",
		Stages:   []domain.Stage{{ID: "a", Name: "A", Probability: 10}, {ID: "b", Name: "B", Probability: 60}},
	})
	require.NoError(t, err)
	d := createDeal(t, env, p.ID, "Acme", 100)
	env.advance(72 * time.Hour)
	require.Equal(t, 3, mustGetDeal(t, env, d.ID).StageDuration)

	d, err = env.Engine.MoveDealToStage(env.Ctx, d.ID, "b", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, d.Status)
	require.Equal(t, 60, d.Probability)
	require.Nil(t, d.ActualCloseDate)
	require.Empty(t, eventsOfType(t, env, "deal.won"))
}

func mustGetDeal(t *testing.T, env testEnv, id string) domain.Deal {
	t.Helper()
	d, err := env.Engine.GetDeal(env.Ctx, id)
	require.NoError(t, err)
	return d
}

func TestCloseDealLostWithReason(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 750)

	d, err := env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusLost, "u1", "Budget cut")
	require.NoError(t, err)
	require.Equal(t, domain.StatusLost, d.Status)
	require.Equal(t, "Budget cut", d.LostReason)
	require.Equal(t, "lost", d.StageID)
	require.Equal(t, 0, d.Probability)
	require.NotNil(t, d.ActualCloseDate)

	lost := eventsOfType(t, env, "deal.lost")
	require.Len(t, lost, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(lost[0].Payload), &payload))
	require.Equal(t, d.ID, payload["dealId"])
	require.Equal(t, 750.0, payload["amount"])
	require.Equal(t, tenant, payload["tenantId"])

	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Equal(t, domain.ActivityStatusChange, acts[0].Type)
	require.Equal(t, "Deal lost: Budget cut", acts[0].Description)
	require.Equal(t, "open", acts[0].Metadata["previousStatus"])

	// closing as won afterwards clears the reason
	d, err = env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusWon, "u1", "")
	require.NoError(t, err)
	require.Empty(t, d.LostReason)
	require.Equal(t, "won", d.StageID)

	_, err = env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusArchived, "u1", "")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCloseDealWithoutReasonDescribesIt(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 1)
	_, err := env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusLost, "u1", "")
	require.NoError(t, err)
	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, "Deal lost: No reason provided", acts[0].Description)
}

func TestReopenDeal(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)
	_, err := env.Engine.CloseDeal(env.Ctx, d.ID, domain.StatusLost, "u1", "Timing")
	require.NoError(t, err)

	d, err = env.Engine.ReopenDeal(env.Ctx, d.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, d.Status)
	require.Equal(t, "lead", d.StageID)
	require.Equal(t, 10, d.Probability)
	require.Empty(t, d.LostReason)
	require.Nil(t, d.ActualCloseDate)
	require.Len(t, eventsOfType(t, env, "deal.reopened"), 1)

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Stats.OpenDeals)
	require.Equal(t, 0, stored.Stats.LostDeals)
}

func TestUpdateDealAmountRecordsValueChange(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 1000)

	env.advance(time.Hour)
	amount := 2500.0
	tags := []string{"enterprise"}
	d, err := env.Engine.UpdateDeal(env.Ctx, d.ID, engine.DealUpdate{Amount: &amount, Tags: &tags, ActorID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 2500.0, d.Amount)
	require.Equal(t, []string{"enterprise"}, d.Tags)
	require.Equal(t, *env.clock, d.UpdatedAt)

	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	require.Equal(t, domain.ActivityValueChange, acts[0].Type)
	require.Equal(t, "Deal value changed from 1000 to 2500", acts[0].Description)
	require.Equal(t, 1000.0, acts[0].Metadata["previousValue"])
	require.Equal(t, 2500.0, acts[0].Metadata["newValue"])

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2500.0, stored.Stats.TotalValue)

	// unchanged amount adds no activity
	name := "Acme Corp"
	_, err = env.Engine.UpdateDeal(env.Ctx, d.ID, engine.DealUpdate{Name: &name, Amount: &amount})
	require.NoError(t, err)
	acts, err = env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
}

func TestUpdateDealStatusOnlyArchives(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)

	won := domain.StatusWon
	_, err := env.Engine.UpdateDeal(env.Ctx, d.ID, engine.DealUpdate{Status: &won})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	archived := domain.StatusArchived
	d, err = env.Engine.UpdateDeal(env.Ctx, d.ID, engine.DealUpdate{Status: &archived})
	require.NoError(t, err)
	require.Equal(t, domain.StatusArchived, d.Status)
	require.NotNil(t, d.ActualCloseDate)

	stats, err := env.Engine.GetStats(env.Ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalDeals)
	require.Equal(t, 1, stats.ArchivedDeals)
	require.Equal(t, 0, stats.WinRate)

	_, err = env.Engine.UpdateDeal(env.Ctx, "missing", engine.DealUpdate{Status: &archived})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPipelineStatsFollowMutations(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	a := createDeal(t, env, p.ID, "A", 1000)
	b := createDeal(t, env, p.ID, "B", 2000)
	createDeal(t, env, p.ID, "C", 3000)

	_, err := env.Engine.CloseDeal(env.Ctx, a.ID, domain.StatusWon, "u1", "")
	require.NoError(t, err)
	_, err = env.Engine.CloseDeal(env.Ctx, b.ID, domain.StatusLost, "u1", "")
	require.NoError(t, err)

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PipelineStats{
		TotalDeals:  3,
		TotalValue:  6000,
		OpenDeals:   1,
		WonDeals:    1,
		LostDeals:   1,
		AvgDealSize: 2000,
		WinRate:     50,
	}, stored.Stats)
	requireStatsIdentity(t, stored.Stats)

	stats, err := env.Engine.GetStats(env.Ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, 1000.0, stats.WonValue)
	require.Equal(t, 1, stats.TotalPipelines)

	// a tampered snapshot is repaired by a full rescan
	require.NoError(t, env.Engine.Repo.UpdatePipelineStats(env.Ctx, p.ID, domain.PipelineStats{TotalDeals: 99}))
	recalculated, err := env.Engine.RecalculatePipelineStats(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Stats, recalculated)
}

func TestListDealsFiltersSortsAndPaginates(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	mk := func(name string, amount float64, tags ...string) domain.Deal {
		env.advance(time.Minute)
		d, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{
			TenantID: tenant, PipelineID: p.ID, Name: name, Amount: amount, Tags: tags, OwnerID: "owner-1",
		})
		require.NoError(t, err)
		return d
	}
	first := mk("Alpha Widgets", 300, "hot")
	second := mk("Beta 100% Deal", 100)
	third := mk("Gamma", 200, "cold", "hot")

	page, err := env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant}})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{third.ID, second.ID, first.ID}, dealIDs(page.Items))

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{
		DealFilters: repo.DealFilters{TenantID: tenant},
		SortBy:      engine.SortAmount,
		Ascending:   true,
		Offset:      1,
		Limit:       1,
	})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{third.ID}, dealIDs(page.Items))

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant, Tags: []string{"hot"}}})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant, Search: "WIDGET"}})
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, dealIDs(page.Items))

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant, Search: "100%"}})
	require.NoError(t, err)
	require.Equal(t, []string{second.ID}, dealIDs(page.Items))

	minAmount := 150.0
	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant, MinAmount: &minAmount}, SortBy: engine.SortName, Ascending: true})
	require.NoError(t, err)
	require.Equal(t, []string{first.ID, third.ID}, dealIDs(page.Items))

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: "other"}})
	require.NoError(t, err)
	require.Zero(t, page.Total)
	require.NotNil(t, page.Items)

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant}, Offset: 1, Limit: math.MaxInt})
	require.NoError(t, err)
	require.Equal(t, []string{second.ID, first.ID}, dealIDs(page.Items))

	page, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant}, Offset: math.MaxInt, Limit: math.MaxInt})
	require.NoError(t, err)
	require.Empty(t, page.Items)

	_, err = env.Engine.ListDeals(env.Ctx, engine.DealQuery{DealFilters: repo.DealFilters{TenantID: tenant}, SortBy: "color"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func dealIDs(deals []domain.Deal) []string {
	out := []string{}
	for _, d := range deals {
		out = append(out, d.ID)
	}
	return out
}

func TestTasksDriveNextActivity(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)

	later, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{DealID: d.ID, Title: "Demo", Type: domain.TaskMeeting, DueDate: t0.AddDate(0, 0, 10)})
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, later.Status)
	require.Equal(t, domain.TaskPriorityMedium, later.Priority)

	sooner, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{DealID: d.ID, Title: "Call back", Type: domain.TaskCall, DueDate: t0.AddDate(0, 0, 5)})
	require.NoError(t, err)
	got := mustGetDeal(t, env, d.ID)
	require.Equal(t, sooner.DueDate, *got.NextActivityAt)
	require.Equal(t, "call", got.NextActivityType)

	overdue, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{DealID: d.ID, Title: "Send quote", Type: domain.TaskEmail, DueDate: t0.AddDate(0, 0, -1)})
	require.NoError(t, err)
	require.Equal(t, domain.TaskOverdue, overdue.Status)

	tasks, err := env.Engine.ListTasks(env.Ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, []string{overdue.ID, sooner.ID, later.ID}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})

	done, err := env.Engine.CompleteTask(env.Ctx, sooner.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	got = mustGetDeal(t, env, d.ID)
	require.Equal(t, later.DueDate, *got.NextActivityAt)
	require.NotNil(t, got.LastActivityAt)

	again, err := env.Engine.CompleteTask(env.Ctx, sooner.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, done.CompletedAt, again.CompletedAt)
	require.Len(t, eventsOfType(t, env, "deal.task-completed"), 1)

	acts, err := env.Engine.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "Completed task: Call back", acts[0].Description)

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, later.ID, "u1"))
	got = mustGetDeal(t, env, d.ID)
	require.Nil(t, got.NextActivityAt)
	require.Empty(t, got.NextActivityType)

	_, err = env.Engine.CompleteTask(env.Ctx, "missing", "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecordActivityBumpsLastActivity(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)
	env.advance(time.Hour)
	a, err := env.Engine.RecordActivity(env.Ctx, d.ID, domain.ActivityCall, "Intro call", map[string]any{"minutes": 15}, "u2")
	require.NoError(t, err)
	require.Equal(t, "u2", a.CreatedBy)
	got := mustGetDeal(t, env, d.ID)
	require.Equal(t, *env.clock, *got.LastActivityAt)

	_, err = env.Engine.RecordActivity(env.Ctx, d.ID, "gossip", "x", nil, "u2")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = env.Engine.RecordActivity(env.Ctx, "missing", domain.ActivityNote, "x", nil, "u2")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestForecastWeightsOpenDeals(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID:  tenant,
		Name:      "Flow",
		Stages:    []domain.Stage{{ID: "lead", Name: "Lead", Probability: 50}},
		IsDefault: true,
	})
	require.NoError(t, err)
	fifty, seventyFive := 50, 75
	closeDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err = env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, Name: "a", Amount: 1000, Probability: &fifty, ExpectedCloseDate: &closeDate})
	require.NoError(t, err)
	_, err = env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{TenantID: tenant, PipelineID: p.ID, Name: "b", Amount: 2000, Probability: &seventyFive})
	require.NoError(t, err)
	closed := createDeal(t, env, p.ID, "c", 9999)
	archived := domain.StatusArchived
	_, err = env.Engine.UpdateDeal(env.Ctx, closed.ID, engine.DealUpdate{Status: &archived})
	require.NoError(t, err)

	for _, pipelineID := range []string{"", p.ID} {
		f, err := env.Engine.GetForecast(env.Ctx, tenant, pipelineID)
		require.NoError(t, err)
		require.Equal(t, 2000.0, f.Weighted)
		require.Equal(t, 3000.0, f.BestCase)
		require.Equal(t, 2000.0, f.WorstCase)
		require.Len(t, f.ByStage, 1)
		require.Equal(t, "Lead", f.ByStage[0].StageName)
		require.Equal(t, 2, f.ByStage[0].Count)
		require.Equal(t, []domain.MonthForecast{{Month: "2024-03", Expected: 1000, Weighted: 500}}, f.ByMonth)
	}

	_, err = env.Engine.GetForecast(env.Ctx, tenant, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListRottingDeals(t *testing.T) {
	env := newTestEnv(t)
	days := 3
	p, err := env.Engine.CreatePipeline(env.Ctx, engine.CreatePipelineOptions{
		TenantID: tenant,
		Name:     "Flow",
		Stages:   []domain.Stage{{ID: "a", Name: "A", RottenDays: &days}, {ID: "b", Name: "B"}},
	})
	require.NoError(t, err)
	stale := createDeal(t, env, p.ID, "Stale", 1)
	moved := createDeal(t, env, p.ID, "Moved", 1)
	_, err = env.Engine.MoveDealToStage(env.Ctx, moved.ID, "b", "u1")
	require.NoError(t, err)

	env.advance(3 * 24 * time.Hour)
	rotting, err := env.Engine.ListRottingDeals(env.Ctx, tenant, "")
	require.NoError(t, err)
	require.Empty(t, rotting)

	env.advance(24 * time.Hour)
	rotting, err = env.Engine.ListRottingDeals(env.Ctx, tenant, p.ID)
	require.NoError(t, err)
	require.Len(t, rotting, 1)
	require.Equal(t, stale.ID, rotting[0].ID)
	require.Equal(t, 4, rotting[0].StageDuration)
}

func TestDeleteDealCascades(t *testing.T) {
	env := newTestEnv(t)
	p := salesPipeline(t, env)
	d := createDeal(t, env, p.ID, "Acme", 100)
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{DealID: d.ID, Title: "Call", DueDate: t0.AddDate(0, 0, 1)})
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteDeal(env.Ctx, d.ID, "u1"))
	_, err = env.Engine.GetDeal(env.Ctx, d.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetTask(env.Ctx, task.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, d.ID, 0)
	require.NoError(t, err)
	require.Empty(t, acts)

	stored, err := env.Engine.GetPipeline(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Zero(t, stored.Stats.TotalDeals)
	require.Len(t, eventsOfType(t, env, "deal.deleted"), 1)

	err = env.Engine.DeleteDeal(env.Ctx, d.ID, "u1")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}
