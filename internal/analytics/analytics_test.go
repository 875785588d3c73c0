package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealflow/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func deal(id string, status domain.DealStatus, amount float64, prob int) domain.Deal {
	return domain.Deal{ID: id, StageID: "lead", Status: status, Amount: amount, Probability: prob, CreatedAt: t0, StageMovedAt: t0}
}

func TestPipelineStatsEmpty(t *testing.T) {
	require.Equal(t, domain.PipelineStats{}, PipelineStats(nil))
}

func TestPipelineStatsCounts(t *testing.T) {
	won := deal("w", domain.StatusWon, 3000, 100)
	won.ActualCloseDate = ptr(t0.Add(36 * time.Hour)) // 1.5 days -> 2
	won2 := deal("w2", domain.StatusWon, 1000, 100)
	won2.ActualCloseDate = ptr(t0.Add(24 * time.Hour)) // exactly 1 day
	deals := []domain.Deal{
		deal("o", domain.StatusOpen, 1000, 10),
		won,
		won2,
		deal("l", domain.StatusLost, 500, 0),
	}
	s := PipelineStats(deals)
	require.Equal(t, 4, s.TotalDeals)
	require.Equal(t, s.TotalDeals, s.OpenDeals+s.WonDeals+s.LostDeals)
	require.Equal(t, 5500.0, s.TotalValue)
	require.Equal(t, 1375.0, s.AvgDealSize)
	require.Equal(t, 2, s.AvgCycleTime) // (2+1)/2 = 1.5 rounds up
	require.Equal(t, 67, s.WinRate)
}

func TestPipelineStatsArchivedExcludedFromWinRate(t *testing.T) {
	deals := []domain.Deal{
		deal("w", domain.StatusWon, 100, 100),
		deal("l", domain.StatusLost, 100, 0),
		deal("a", domain.StatusArchived, 100, 0),
	}
	s := PipelineStats(deals)
	require.Equal(t, 3, s.TotalDeals)
	require.Equal(t, 50, s.WinRate)
	ts := TenantStats(deals, 2)
	require.Equal(t, 1, ts.ArchivedDeals)
	require.Equal(t, 100.0, ts.WonValue)
	require.Equal(t, 2, ts.TotalPipelines)
}

func TestForecastExample(t *testing.T) {
	open := []domain.Deal{
		deal("a", domain.StatusOpen, 1000, 50),
		deal("b", domain.StatusOpen, 2000, 75),
	}
	f := Forecast(open, []domain.Stage{{ID: "lead", Name: "Lead", Order: 0}}, 75)
	require.Equal(t, 2000.0, f.Weighted)
	require.Equal(t, 3000.0, f.BestCase)
	require.Equal(t, 2000.0, f.WorstCase)
	require.Len(t, f.ByStage, 1)
	require.Equal(t, domain.StageForecast{StageID: "lead", StageName: "Lead", Count: 2, Value: 3000, Weighted: 2000}, f.ByStage[0])
	require.Empty(t, f.ByMonth)
	require.LessOrEqual(t, f.Weighted, f.BestCase)
}

func TestForecastGroupsByStageOrderAndMonth(t *testing.T) {
	stages := []domain.Stage{{ID: "s1", Name: "Lead", Order: 0}, {ID: "s2", Name: "Proposal", Order: 1}}
	a := deal("a", domain.StatusOpen, 100, 33)
	a.StageID = "s2"
	a.ExpectedCloseDate = ptr(time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC))
	b := deal("b", domain.StatusOpen, 200, 10)
	b.StageID = "gone"
	b.ExpectedCloseDate = ptr(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	c := deal("c", domain.StatusOpen, 300, 50)
	c.StageID = "s1"
	f := Forecast([]domain.Deal{a, b, c}, stages, 75)

	require.Equal(t, []string{"s1", "s2", "gone"}, []string{f.ByStage[0].StageID, f.ByStage[1].StageID, f.ByStage[2].StageID})
	require.Equal(t, "Unknown", f.ByStage[2].StageName)
	// group values stay unrounded
	require.InDelta(t, 33.0, f.ByStage[1].Weighted, 1e-9)
	require.Equal(t, 203.0, f.Weighted) // 33 + 20 + 150
	require.Equal(t, 0.0, f.WorstCase)

	require.Len(t, f.ByMonth, 2)
	require.Equal(t, "2024-02", f.ByMonth[0].Month)
	require.Equal(t, "2024-03", f.ByMonth[1].Month)
	require.Equal(t, 100.0, f.ByMonth[1].Expected)
}

func TestRoundHalfUp(t *testing.T) {
	require.Equal(t, 3.0, Round(2.5))
	require.Equal(t, 2.0, Round(2.49))
	require.Equal(t, -2.0, Round(-2.5))
}

func TestRotting(t *testing.T) {
	s := domain.Stage{ID: "lead", RottenDays: ptr(3)}
	d := deal("a", domain.StatusOpen, 1, 1)
	require.False(t, Rotting(d, s, t0.Add(72*time.Hour)))
	require.True(t, Rotting(d, s, t0.Add(96*time.Hour)))
	d.Status = domain.StatusWon
	require.False(t, Rotting(d, s, t0.Add(96*time.Hour)))
	require.False(t, Rotting(deal("b", domain.StatusOpen, 1, 1), domain.Stage{ID: "lead"}, t0.Add(1000*time.Hour)))
}
