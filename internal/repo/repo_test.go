package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealflow/internal/db"
	"dealflow/internal/domain"
	"dealflow/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedPipeline(t *testing.T, r Repo) domain.Pipeline {
	t.Helper()
	p := domain.Pipeline{
		ID: "p1", TenantID: "acme", Name: "Sales", IsDefault: true, Currency: "RON",
		Stages: []domain.Stage{
			{ID: "lead", Name: "Lead", Order: 0, Probability: 10},
			{ID: "won", Name: "Won", Order: 1, Probability: 100, IsWon: true},
		},
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.InsertPipeline(context.Background(), p))
	return p
}

func newDeal(id, name string, amount float64, tags ...string) domain.Deal {
	return domain.Deal{
		ID: id, TenantID: "acme", Name: name, PipelineID: "p1", StageID: "lead", StageMovedAt: t0,
		Amount: amount, Currency: "RON", Probability: 10, Status: domain.StatusOpen, Priority: domain.PriorityMedium,
		Tags: tags, Collaborators: []string{}, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestPipelineRoundTripWithStages(t *testing.T) {
	r := newTestRepo(t)
	seedPipeline(t, r)
	ctx := context.Background()

	got, err := r.GetDefaultPipeline(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)
	require.Len(t, got.Stages, 2)
	require.True(t, got.Stages[1].IsWon)
	require.True(t, got.CreatedAt.Equal(t0))

	_, err = r.GetDefaultPipeline(ctx, "globex")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDealRoundTripKeepsOptionalFields(t *testing.T) {
	r := newTestRepo(t)
	seedPipeline(t, r)
	ctx := context.Background()

	score := 80
	closeAt := t0.AddDate(0, 1, 0)
	d := newDeal("d1", "Fleet renewal", 1200, "vip")
	d.Score = &score
	d.ExpectedCloseDate = &closeAt
	d.CustomFields = map[string]any{"region": "north"}
	require.NoError(t, r.InsertDeal(ctx, d))

	got, err := r.GetDeal(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, []string{"vip"}, got.Tags)
	require.Equal(t, 80, *got.Score)
	require.True(t, got.ExpectedCloseDate.Equal(closeAt))
	require.Nil(t, got.ActualCloseDate)
	require.Equal(t, "north", got.CustomFields["region"])

	_, err = r.GetDeal(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	require.ErrorIs(t, r.DeleteDeal(ctx, "missing"), ErrNotFound)
}

func TestListDealsFilters(t *testing.T) {
	r := newTestRepo(t)
	seedPipeline(t, r)
	ctx := context.Background()
	require.NoError(t, r.InsertDeal(ctx, newDeal("d1", "Fleet renewal", 1200, "vip")))
	require.NoError(t, r.InsertDeal(ctx, newDeal("d2", "Office 100%_chairs", 300, "smb")))
	require.NoError(t, r.InsertDeal(ctx, newDeal("d3", "Fleet expansion", 5000, "vip", "smb")))

	ids := func(f DealFilters) []string {
		deals, err := r.ListDeals(ctx, f)
		require.NoError(t, err)
		out := []string{}
		for _, d := range deals {
			out = append(out, d.ID)
		}
		return out
	}
	lo, hi := 500.0, 2000.0

	require.Equal(t, []string{"d1", "d2", "d3"}, ids(DealFilters{TenantID: "acme"}))
	require.Empty(t, ids(DealFilters{TenantID: "globex"}))
	require.Equal(t, []string{"d1"}, ids(DealFilters{MinAmount: &lo, MaxAmount: &hi}))
	require.Equal(t, []string{"d2", "d3"}, ids(DealFilters{Tags: []string{"smb"}}))
	require.Equal(t, []string{"d1", "d3"}, ids(DealFilters{Search: "FLEET"}))
	require.Equal(t, []string{"d2"}, ids(DealFilters{Search: "100%_"}))
	require.Empty(t, ids(DealFilters{Search: "1000"}))
}
