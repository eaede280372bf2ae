package pipeline

import (
	"context"
	"time"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/google/uuid"
)

// Filter narrows bulk opportunity queries. Zero values mean "no filter";
// Limit <= 0 means no pagination.
type Filter struct {
	OwnerID   *uuid.UUID
	CompanyID *uuid.UUID
	Stage     models.Stage
	Status    models.Status
	// Period bounds ([From, To)) match opportunities created or closed in
	// the window. Nil bounds are unbounded.
	From *time.Time
	To   *time.Time

	SortBy string // "value_desc", "expected_close", default newest-first
	Limit  int
	Offset int
}

// Repository is the durable store for opportunities and their stage
// history. Save operations must enforce optimistic concurrency on the
// entity version and surface ErrConflict on stale writes.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	Create(ctx context.Context, opp *models.Opportunity) error
	// Update persists the mutated entity and, when change is non-nil,
	// appends the stage-history record in the same unit of work.
	Update(ctx context.Context, opp *models.Opportunity, change *models.StageChange) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Query(ctx context.Context, f Filter) ([]models.Opportunity, int, error)
	History(ctx context.Context, id uuid.UUID) ([]models.StageChange, error)
}

// ReferenceChecker validates that foreign ids attached to an opportunity
// resolve to existing records.
type ReferenceChecker interface {
	CompanyExists(ctx context.Context, id uuid.UUID) (bool, error)
	ContactExists(ctx context.Context, id uuid.UUID) (bool, error)
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
}
