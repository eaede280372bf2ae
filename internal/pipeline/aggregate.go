package pipeline

import (
	"github.com/david/pipeline-crm/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// StageSummary is the per-stage slice of the pipeline report.
type StageSummary struct {
	Stage              models.Stage    `json:"stage"`
	Label              string          `json:"label"`
	Count              int             `json:"count"`
	TotalValue         decimal.Decimal `json:"total_value"`
	AverageProbability float64         `json:"average_probability"`
}

// Summary is the grouped-by-stage pipeline report over a set of active
// opportunities. Every configured stage appears exactly once, in
// canonical order, including stages with no opportunities.
type Summary struct {
	Stages        []StageSummary  `json:"stages"`
	TotalCount    int             `json:"total_count"`
	TotalValue    decimal.Decimal `json:"total_value"`
	WeightedValue decimal.Decimal `json:"weighted_value"`
}

// Summarize groups the working set by stage in policy order. The weighted
// value uses each deal's current probability, not the stage default, so
// explicit overrides are respected.
func Summarize(policy *Policy, opps []models.Opportunity) *Summary {
	type bucket struct {
		count   int
		total   decimal.Decimal
		probSum int
	}
	buckets := make(map[models.Stage]*bucket)
	for _, stage := range policy.Stages() {
		buckets[stage] = &bucket{total: decimal.Zero}
	}

	summary := &Summary{
		TotalValue:    decimal.Zero,
		WeightedValue: decimal.Zero,
	}

	for _, opp := range opps {
		b, ok := buckets[opp.Stage]
		if !ok {
			// Stage not in policy: skip rather than invent a group.
			continue
		}
		b.count++
		b.total = b.total.Add(opp.Value)
		b.probSum += opp.Probability

		summary.TotalCount++
		summary.TotalValue = summary.TotalValue.Add(opp.Value)
		summary.WeightedValue = summary.WeightedValue.Add(weightedValue(opp))
	}

	for _, stage := range policy.Stages() {
		b := buckets[stage]
		avg := 0.0
		if b.count > 0 {
			avg = float64(b.probSum) / float64(b.count)
		}
		summary.Stages = append(summary.Stages, StageSummary{
			Stage:              stage,
			Label:              policy.Label(stage),
			Count:              b.count,
			TotalValue:         b.total,
			AverageProbability: avg,
		})
	}

	return summary
}

// Stats is the status-partitioned headline report.
type Stats struct {
	TotalCount  int `json:"total_count"`
	ActiveCount int `json:"active_count"`
	WonCount    int `json:"won_count"`
	LostCount   int `json:"lost_count"`

	TotalValue  decimal.Decimal `json:"total_value"`
	ActiveValue decimal.Decimal `json:"active_value"`
	WonValue    decimal.Decimal `json:"won_value"`
	LostValue   decimal.Decimal `json:"lost_value"`

	// WeightedValue is the risk-adjusted total over active deals only.
	WeightedValue   decimal.Decimal `json:"weighted_value"`
	WinRate         float64         `json:"win_rate"`
	AverageDealSize decimal.Decimal `json:"average_deal_size"`
}

// ComputeStats partitions the set by status. Ratios are zero when their
// denominators are zero, never NaN.
func ComputeStats(opps []models.Opportunity) *Stats {
	stats := &Stats{
		TotalValue:      decimal.Zero,
		ActiveValue:     decimal.Zero,
		WonValue:        decimal.Zero,
		LostValue:       decimal.Zero,
		WeightedValue:   decimal.Zero,
		AverageDealSize: decimal.Zero,
	}

	for _, opp := range opps {
		stats.TotalCount++
		stats.TotalValue = stats.TotalValue.Add(opp.Value)

		switch opp.Status {
		case models.StatusWon:
			stats.WonCount++
			stats.WonValue = stats.WonValue.Add(opp.Value)
		case models.StatusLost:
			stats.LostCount++
			stats.LostValue = stats.LostValue.Add(opp.Value)
		default:
			stats.ActiveCount++
			stats.ActiveValue = stats.ActiveValue.Add(opp.Value)
			stats.WeightedValue = stats.WeightedValue.Add(weightedValue(opp))
		}
	}

	closed := stats.WonCount + stats.LostCount
	if closed > 0 {
		stats.WinRate = float64(stats.WonCount) / float64(closed)
	}
	if stats.TotalCount > 0 {
		stats.AverageDealSize = stats.TotalValue.Div(decimal.NewFromInt(int64(stats.TotalCount)))
	}

	return stats
}

func weightedValue(opp models.Opportunity) decimal.Decimal {
	return opp.Value.Mul(decimal.NewFromInt(int64(opp.Probability))).Div(hundred)
}
