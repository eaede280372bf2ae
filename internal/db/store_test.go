package db

import (
	"strings"
	"testing"
	"time"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/david/pipeline-crm/internal/pipeline"
	"github.com/google/uuid"
)

func TestBuildOpportunityWhere_Empty(t *testing.T) {
	where, args := buildOpportunityWhere(pipeline.Filter{})

	if where != "WHERE deleted_at IS NULL" {
		t.Fatalf("where = %q", where)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v, want none", args)
	}
}

func TestBuildOpportunityWhere_AllScalarFilters(t *testing.T) {
	owner := uuid.New()
	company := uuid.New()
	where, args := buildOpportunityWhere(pipeline.Filter{
		OwnerID:   &owner,
		CompanyID: &company,
		Stage:     models.StageProposal,
		Status:    models.StatusActive,
	})

	for _, clause := range []string{
		"owner_id = $1",
		"company_id = $2",
		"stage = $3",
		"status = $4",
	} {
		if !strings.Contains(where, clause) {
			t.Errorf("where %q missing %q", where, clause)
		}
	}
	if len(args) != 4 {
		t.Fatalf("got %d args, want 4", len(args))
	}
	if args[0] != owner || args[1] != company {
		t.Fatalf("args order wrong: %v", args)
	}
}

func TestBuildOpportunityWhere_PeriodWindow(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("both bounds", func(t *testing.T) {
		where, args := buildOpportunityWhere(pipeline.Filter{From: &from, To: &to})

		if !strings.Contains(where, "created_at >= $1 AND created_at < $2") {
			t.Fatalf("where %q missing created window", where)
		}
		if !strings.Contains(where, "actual_close_date >= $1 AND actual_close_date < $2") {
			t.Fatalf("where %q missing close window", where)
		}
		if len(args) != 2 {
			t.Fatalf("got %d args, want the two bounds once each", len(args))
		}
	})

	t.Run("from only", func(t *testing.T) {
		where, args := buildOpportunityWhere(pipeline.Filter{From: &from})

		if !strings.Contains(where, "created_at >= $1") || !strings.Contains(where, "actual_close_date >= $1") {
			t.Fatalf("where = %q", where)
		}
		if len(args) != 1 {
			t.Fatalf("got %d args, want 1", len(args))
		}
	})

	t.Run("to only", func(t *testing.T) {
		where, args := buildOpportunityWhere(pipeline.Filter{To: &to})

		if !strings.Contains(where, "created_at < $1") {
			t.Fatalf("where = %q", where)
		}
		if strings.Contains(where, "actual_close_date") {
			t.Fatalf("upper-bound-only filter should not touch close dates: %q", where)
		}
		if len(args) != 1 {
			t.Fatalf("got %d args, want 1", len(args))
		}
	})
}

func TestBuildOpportunityWhere_ArgNumberingAfterScalars(t *testing.T) {
	owner := uuid.New()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	where, args := buildOpportunityWhere(pipeline.Filter{
		OwnerID: &owner,
		Status:  models.StatusWon,
		From:    &from,
		To:      &to,
	})

	if !strings.Contains(where, "owner_id = $1") || !strings.Contains(where, "status = $2") {
		t.Fatalf("where = %q", where)
	}
	if !strings.Contains(where, "created_at >= $3 AND created_at < $4") {
		t.Fatalf("period placeholders not renumbered: %q", where)
	}
	if len(args) != 4 {
		t.Fatalf("got %d args, want 4", len(args))
	}
}

func TestOrderClause(t *testing.T) {
	cases := []struct {
		sortBy string
		want   string
	}{
		{"value_desc", "ORDER BY value DESC"},
		{"expected_close", "ORDER BY expected_close_date ASC"},
		{"", "ORDER BY updated_at DESC"},
		{"garbage", "ORDER BY updated_at DESC"},
	}

	for _, tc := range cases {
		if got := orderClause(tc.sortBy); !strings.Contains(got, tc.want) {
			t.Errorf("orderClause(%q) = %q, want it to contain %q", tc.sortBy, got, tc.want)
		}
	}
}
