package pipeline

import (
	"errors"
	"testing"

	"github.com/david/pipeline-crm/internal/models"
)

func mustPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := LoadPolicy()
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	return p
}

func TestLoadPolicy_SequenceIsOrderedAndDuplicateFree(t *testing.T) {
	p := mustPolicy(t)

	stages := p.Stages()
	if len(stages) == 0 {
		t.Fatal("policy has no stages")
	}

	seen := map[models.Stage]bool{}
	for i, stage := range stages {
		if seen[stage] {
			t.Fatalf("duplicate stage %q", stage)
		}
		seen[stage] = true

		idx, err := p.IndexOf(stage)
		if err != nil {
			t.Fatalf("IndexOf(%q) failed: %v", stage, err)
		}
		if idx != i {
			t.Fatalf("IndexOf(%q) = %d, want %d", stage, idx, i)
		}
	}

	if stages[len(stages)-1] != p.LostStage() {
		t.Fatalf("last stage %q is not the lost terminal %q", stages[len(stages)-1], p.LostStage())
	}
}

func TestLoadPolicy_DefaultProbabilitiesInRange(t *testing.T) {
	p := mustPolicy(t)

	for _, stage := range p.Stages() {
		prob, err := p.DefaultProbability(stage)
		if err != nil {
			t.Fatalf("DefaultProbability(%q) failed: %v", stage, err)
		}
		if prob < 0 || prob > 100 {
			t.Fatalf("DefaultProbability(%q) = %d, out of [0,100]", stage, prob)
		}
	}

	if prob, err := p.DefaultProbability(p.LostStage()); err != nil || prob != 0 {
		t.Fatalf("lost stage default probability = %d, %v; want 0, nil", prob, err)
	}
}

func TestPolicy_UnknownStage(t *testing.T) {
	p := mustPolicy(t)

	_, err := p.IndexOf(models.Stage("discovery"))
	var stageErr *UnknownStageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("IndexOf unknown stage: got %v, want UnknownStageError", err)
	}

	if _, err := p.DefaultProbability(models.Stage("discovery")); !errors.As(err, &stageErr) {
		t.Fatalf("DefaultProbability unknown stage: got %v, want UnknownStageError", err)
	}
}

func TestPolicy_CanTransition(t *testing.T) {
	p := mustPolicy(t)
	lost := p.LostStage()

	cases := []struct {
		name string
		from models.Stage
		to   models.Stage
		want bool
	}{
		{"forward one step", models.StageProspecting, models.StageQualification, true},
		{"forward skipping stages", models.StageProspecting, models.StageClosing, true},
		{"backward to earlier active stage", models.StageNegotiation, models.StageQualification, false},
		{"same stage", models.StageProposal, models.StageProposal, false},
		{"early stage into lost", models.StageQualification, lost, true},
		{"closing stage into lost", models.StageClosing, lost, true},
		{"out of lost", lost, models.StageProspecting, false},
		{"lost into lost", lost, lost, false},
		{"unknown source stage", models.Stage("discovery"), models.StageProposal, false},
		{"unknown target stage", models.StageProposal, models.Stage("discovery"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestPolicy_TransitionMatrixMatchesOrdering(t *testing.T) {
	p := mustPolicy(t)
	stages := p.Stages()
	lost := p.LostStage()

	for i, from := range stages {
		for j, to := range stages {
			want := false
			if from != lost {
				if to == lost {
					want = true
				} else if j > i {
					want = true
				}
			}
			if got := p.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestPolicy_FirstAndClosingStages(t *testing.T) {
	p := mustPolicy(t)

	if p.FirstStage() != models.StageProspecting {
		t.Fatalf("FirstStage() = %q, want %q", p.FirstStage(), models.StageProspecting)
	}
	if p.ClosingStage() != models.StageClosing {
		t.Fatalf("ClosingStage() = %q, want %q", p.ClosingStage(), models.StageClosing)
	}
	if p.LostStage() != models.StageLost {
		t.Fatalf("LostStage() = %q, want %q", p.LostStage(), models.StageLost)
	}
}
