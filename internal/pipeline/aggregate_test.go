package pipeline

import (
	"testing"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/shopspring/decimal"
)

func activeOpp(stage models.Stage, value int64, probability int) models.Opportunity {
	return models.Opportunity{
		Stage:       stage,
		Status:      models.StatusActive,
		Value:       decimal.NewFromInt(value),
		Probability: probability,
	}
}

func TestSummarize_WeightedValueUsesCurrentProbability(t *testing.T) {
	p := mustPolicy(t)

	// 1000 at 50% and 2000 at 25% must yield exactly 1000.
	opps := []models.Opportunity{
		activeOpp(models.StageProposal, 1000, 50),
		activeOpp(models.StageQualification, 2000, 25),
	}

	summary := Summarize(p, opps)

	if !summary.WeightedValue.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("WeightedValue = %s, want 1000", summary.WeightedValue)
	}
	if !summary.TotalValue.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("TotalValue = %s, want 3000", summary.TotalValue)
	}
	if summary.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", summary.TotalCount)
	}
}

func TestSummarize_EveryStagePresentOnce(t *testing.T) {
	p := mustPolicy(t)

	summary := Summarize(p, []models.Opportunity{
		activeOpp(models.StageNegotiation, 500, 75),
	})

	stages := p.Stages()
	if len(summary.Stages) != len(stages) {
		t.Fatalf("got %d stage rows, want %d", len(summary.Stages), len(stages))
	}
	for i, row := range summary.Stages {
		if row.Stage != stages[i] {
			t.Fatalf("stage row %d = %q, want %q", i, row.Stage, stages[i])
		}
	}
}

func TestSummarize_EmptyStagesHaveZeroValues(t *testing.T) {
	p := mustPolicy(t)

	summary := Summarize(p, nil)

	for _, row := range summary.Stages {
		if row.Count != 0 {
			t.Fatalf("stage %q count = %d, want 0", row.Stage, row.Count)
		}
		if !row.TotalValue.IsZero() {
			t.Fatalf("stage %q total = %s, want 0", row.Stage, row.TotalValue)
		}
		if row.AverageProbability != 0 {
			t.Fatalf("stage %q avg probability = %v, want 0", row.Stage, row.AverageProbability)
		}
	}
	if summary.TotalCount != 0 || !summary.TotalValue.IsZero() || !summary.WeightedValue.IsZero() {
		t.Fatalf("empty summary has non-zero totals: %+v", summary)
	}
}

func TestSummarize_AverageProbabilityPerStage(t *testing.T) {
	p := mustPolicy(t)

	summary := Summarize(p, []models.Opportunity{
		activeOpp(models.StageProposal, 100, 40),
		activeOpp(models.StageProposal, 100, 60),
	})

	for _, row := range summary.Stages {
		if row.Stage != models.StageProposal {
			continue
		}
		if row.AverageProbability != 50 {
			t.Fatalf("proposal avg probability = %v, want 50", row.AverageProbability)
		}
		return
	}
	t.Fatal("proposal stage row missing")
}

func TestComputeStats_Partitions(t *testing.T) {
	won := activeOpp(models.StageClosing, 4000, 100)
	won.Status = models.StatusWon
	lost := activeOpp(models.StageLost, 1000, 0)
	lost.Status = models.StatusLost

	stats := ComputeStats([]models.Opportunity{
		activeOpp(models.StageProspecting, 1000, 10),
		activeOpp(models.StageNegotiation, 2000, 75),
		won,
		lost,
	})

	if stats.TotalCount != 4 || stats.ActiveCount != 2 || stats.WonCount != 1 || stats.LostCount != 1 {
		t.Fatalf("counts = %d/%d/%d/%d, want 4/2/1/1",
			stats.TotalCount, stats.ActiveCount, stats.WonCount, stats.LostCount)
	}
	if !stats.TotalValue.Equal(decimal.NewFromInt(8000)) {
		t.Fatalf("TotalValue = %s, want 8000", stats.TotalValue)
	}
	if !stats.ActiveValue.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("ActiveValue = %s, want 3000", stats.ActiveValue)
	}
	if !stats.WonValue.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("WonValue = %s, want 4000", stats.WonValue)
	}

	// Weighted pipeline covers active deals only: 1000*0.10 + 2000*0.75.
	if !stats.WeightedValue.Equal(decimal.NewFromInt(1600)) {
		t.Fatalf("WeightedValue = %s, want 1600", stats.WeightedValue)
	}

	if stats.WinRate != 0.5 {
		t.Fatalf("WinRate = %v, want 0.5", stats.WinRate)
	}
	if !stats.AverageDealSize.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("AverageDealSize = %s, want 2000", stats.AverageDealSize)
	}
}

func TestComputeStats_EmptySetIsZeroNotNaN(t *testing.T) {
	stats := ComputeStats(nil)

	if stats.WinRate != 0 {
		t.Fatalf("WinRate = %v, want 0", stats.WinRate)
	}
	if !stats.AverageDealSize.IsZero() {
		t.Fatalf("AverageDealSize = %s, want 0", stats.AverageDealSize)
	}
	if stats.TotalCount != 0 || !stats.TotalValue.IsZero() {
		t.Fatalf("empty stats has non-zero totals: %+v", stats)
	}
}

func TestComputeStats_NoClosedDealsWinRateZero(t *testing.T) {
	stats := ComputeStats([]models.Opportunity{
		activeOpp(models.StageProposal, 500, 50),
	})
	if stats.WinRate != 0 {
		t.Fatalf("WinRate = %v, want 0 with no closed deals", stats.WinRate)
	}
}
