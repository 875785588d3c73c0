// Package analytics computes pipeline statistics and revenue forecasts from a deal set.
// Every function is pure: callers load the deals, these only aggregate.
package analytics

import (
	"math"
	"slices"
	"time"

	"dealflow/internal/domain"
)

const day = 24 * time.Hour

// Round rounds half up, matching how the aggregate fields have always been reported.
func Round(x float64) float64 {
	return math.Floor(x + 0.5)
}

// CycleDays is the number of started days between creation and close.
func CycleDays(createdAt, closedAt time.Time) int {
	return int(math.Ceil(float64(closedAt.Sub(createdAt)) / float64(day)))
}

// StageDays is the number of whole days a deal has spent in its current stage.
func StageDays(movedAt, now time.Time) int {
	if now.Before(movedAt) {
		return 0
	}
	return int(now.Sub(movedAt) / day)
}

// PipelineStats recomputes the full statistics snapshot for a set of deals.
// Archived deals count toward totals but not toward the win rate.
func PipelineStats(deals []domain.Deal) domain.PipelineStats {
	var s domain.PipelineStats
	var cycleSum, cycleCount int
	for _, d := range deals {
		s.TotalDeals++
		s.TotalValue += d.Amount
		switch d.Status {
		case domain.StatusOpen:
			s.OpenDeals++
		case domain.StatusWon:
			s.WonDeals++
			if d.ActualCloseDate != nil {
				cycleSum += CycleDays(d.CreatedAt, *d.ActualCloseDate)
				cycleCount++
			}
		case domain.StatusLost:
			s.LostDeals++
		}
	}
	if s.TotalDeals > 0 {
		s.AvgDealSize = Round(s.TotalValue / float64(s.TotalDeals))
	}
	if cycleCount > 0 {
		s.AvgCycleTime = int(Round(float64(cycleSum) / float64(cycleCount)))
	}
	if closed := s.WonDeals + s.LostDeals; closed > 0 {
		s.WinRate = int(Round(float64(s.WonDeals) / float64(closed) * 100))
	}
	return s
}

// TenantStats mirrors PipelineStats across every deal of a tenant.
func TenantStats(deals []domain.Deal, pipelines int) domain.TenantStats {
	ts := domain.TenantStats{
		PipelineStats:  PipelineStats(deals),
		TotalPipelines: pipelines,
	}
	for _, d := range deals {
		switch d.Status {
		case domain.StatusWon:
			ts.WonValue += d.Amount
		case domain.StatusArchived:
			ts.ArchivedDeals++
		}
	}
	return ts
}

func weighted(d domain.Deal) float64 {
	return d.Amount * float64(d.Probability) / 100
}

// Forecast projects revenue from open deals. Stages resolve names and ordering of
// the per-stage breakdown; deals in unknown stages are reported last as "Unknown".
// Top-level totals are rounded, group values are not.
func Forecast(open []domain.Deal, stages []domain.Stage, worstCaseThreshold int) domain.Forecast {
	f := domain.Forecast{ByStage: []domain.StageForecast{}, ByMonth: []domain.MonthForecast{}}
	stageIdx := make(map[string]domain.Stage, len(stages))
	for _, s := range stages {
		stageIdx[s.ID] = s
	}

	var total, best, worst float64
	byStage := map[string]*domain.StageForecast{}
	var stageKeys []string
	byMonth := map[string]*domain.MonthForecast{}
	for _, d := range open {
		w := weighted(d)
		total += w
		best += d.Amount
		if d.Probability >= worstCaseThreshold {
			worst += d.Amount
		}

		sf, ok := byStage[d.StageID]
		if !ok {
			name := "Unknown"
			if s, found := stageIdx[d.StageID]; found {
				name = s.Name
			}
			sf = &domain.StageForecast{StageID: d.StageID, StageName: name}
			byStage[d.StageID] = sf
			stageKeys = append(stageKeys, d.StageID)
		}
		sf.Count++
		sf.Value += d.Amount
		sf.Weighted += w

		if d.ExpectedCloseDate != nil {
			key := d.ExpectedCloseDate.UTC().Format("2006-01")
			mf, ok := byMonth[key]
			if !ok {
				mf = &domain.MonthForecast{Month: key}
				byMonth[key] = mf
			}
			mf.Expected += d.Amount
			mf.Weighted += w
		}
	}

	f.Weighted = Round(total)
	f.BestCase = Round(best)
	f.WorstCase = Round(worst)

	// known stages by pipeline order, then unknown ones in first-seen order
	rank := func(id string) int {
		if s, ok := stageIdx[id]; ok {
			return s.Order
		}
		return math.MaxInt
	}
	slices.SortStableFunc(stageKeys, func(a, b string) int {
		ra, rb := rank(a), rank(b)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		}
		return 0
	})
	for _, k := range stageKeys {
		f.ByStage = append(f.ByStage, *byStage[k])
	}

	months := make([]string, 0, len(byMonth))
	for k := range byMonth {
		months = append(months, k)
	}
	slices.Sort(months)
	for _, m := range months {
		f.ByMonth = append(f.ByMonth, *byMonth[m])
	}
	return f
}

// Rotting reports whether an open deal has outstayed its stage's threshold.
func Rotting(d domain.Deal, s domain.Stage, now time.Time) bool {
	if d.Status != domain.StatusOpen || s.RottenDays == nil || *s.RottenDays <= 0 {
		return false
	}
	return StageDays(d.StageMovedAt, now) > *s.RottenDays
}
