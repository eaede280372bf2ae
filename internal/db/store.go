package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/david/pipeline-crm/internal/pipeline"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed implementation of the pipeline Repository and
// the reference checks, plus the thin company/contact CRUD.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// selectCols is the column list shared by all opportunity queries.
const selectCols = `id, title, description, value, currency, stage, status,
	probability, expected_close_date, actual_close_date,
	company_id, contact_id, owner_id, notes, version, created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (models.Opportunity, error) {
	var o models.Opportunity
	err := scan(
		&o.ID, &o.Title, &o.Description, &o.Value, &o.Currency, &o.Stage, &o.Status,
		&o.Probability, &o.ExpectedCloseDate, &o.ActualCloseDate,
		&o.CompanyID, &o.ContactID, &o.OwnerID, &o.Notes, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	sql := fmt.Sprintf(`SELECT %s FROM opportunities WHERE id = $1 AND deleted_at IS NULL`, selectCols)
	row := s.pool.QueryRow(ctx, sql, id)

	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &o, nil
}

func (s *Store) Create(ctx context.Context, opp *models.Opportunity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, title, description, value, currency, stage, status,
			probability, expected_close_date, actual_close_date,
			company_id, contact_id, owner_id, notes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		opp.ID, opp.Title, opp.Description, opp.Value, opp.Currency, opp.Stage, opp.Status,
		opp.Probability, opp.ExpectedCloseDate, opp.ActualCloseDate,
		opp.CompanyID, opp.ContactID, opp.OwnerID, opp.Notes, opp.Version, opp.CreatedAt, opp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// Update writes the entity back guarded by its loaded version and appends
// the stage-history record in the same transaction. A zero-row update on
// an existing row means the stored version advanced since load.
func (s *Store) Update(ctx context.Context, opp *models.Opportunity, change *models.StageChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE opportunities SET
			title = $1, description = $2, value = $3, stage = $4, status = $5,
			probability = $6, expected_close_date = $7, actual_close_date = $8,
			company_id = $9, contact_id = $10, notes = $11,
			version = version + 1, updated_at = $12
		WHERE id = $13 AND version = $14 AND deleted_at IS NULL
	`,
		opp.Title, opp.Description, opp.Value, opp.Stage, opp.Status,
		opp.Probability, opp.ExpectedCloseDate, opp.ActualCloseDate,
		opp.CompanyID, opp.ContactID, opp.Notes,
		opp.UpdatedAt, opp.ID, opp.Version,
	)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM opportunities WHERE id = $1 AND deleted_at IS NULL)", opp.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("conflict check failed: %w", err)
		}
		if exists {
			return pipeline.ErrConflict
		}
		return pipeline.ErrNotFound
	}

	if change != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO opportunity_stage_history (id, opportunity_id, from_stage, to_stage, actor_id, reason, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, change.ID, change.OpportunityID, change.FromStage, change.ToStage, change.ActorID, change.Reason, change.ChangedAt); err != nil {
			return fmt.Errorf("history insert failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	opp.Version++
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE opportunities SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f pipeline.Filter) ([]models.Opportunity, int, error) {
	where, args := buildOpportunityWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM opportunities " + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM opportunities %s%s", selectCols, where, orderClause(f.SortBy))

	argIdx := len(args) + 1
	if f.Limit > 0 {
		selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration failed: %w", err)
	}

	if opps == nil {
		opps = []models.Opportunity{}
	}
	return opps, total, nil
}

func (s *Store) History(ctx context.Context, id uuid.UUID) ([]models.StageChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, opportunity_id, from_stage, to_stage, actor_id, reason, changed_at
		FROM opportunity_stage_history
		WHERE opportunity_id = $1
		ORDER BY changed_at ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var changes []models.StageChange
	for rows.Next() {
		var c models.StageChange
		if err := rows.Scan(&c.ID, &c.OpportunityID, &c.FromStage, &c.ToStage, &c.ActorID, &c.Reason, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		changes = append(changes, c)
	}
	if changes == nil {
		changes = []models.StageChange{}
	}
	return changes, rows.Err()
}

// buildOpportunityWhere builds the WHERE clause with positional args for
// a filtered opportunity query. Soft-deleted rows are always excluded.
func buildOpportunityWhere(f pipeline.Filter) (string, []interface{}) {
	where := "WHERE deleted_at IS NULL"
	var args []interface{}
	argIdx := 1

	if f.OwnerID != nil {
		where += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, *f.OwnerID)
		argIdx++
	}
	if f.CompanyID != nil {
		where += fmt.Sprintf(" AND company_id = $%d", argIdx)
		args = append(args, *f.CompanyID)
		argIdx++
	}
	if f.Stage != "" {
		where += fmt.Sprintf(" AND stage = $%d", argIdx)
		args = append(args, f.Stage)
		argIdx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}

	// Period window: match records created or closed inside [From, To).
	if f.From != nil && f.To != nil {
		where += fmt.Sprintf(
			" AND ((created_at >= $%d AND created_at < $%d) OR (actual_close_date IS NOT NULL AND actual_close_date >= $%d AND actual_close_date < $%d))",
			argIdx, argIdx+1, argIdx, argIdx+1)
		args = append(args, *f.From, *f.To)
		argIdx += 2
	} else if f.From != nil {
		where += fmt.Sprintf(
			" AND (created_at >= $%d OR (actual_close_date IS NOT NULL AND actual_close_date >= $%d))",
			argIdx, argIdx)
		args = append(args, *f.From)
		argIdx++
	} else if f.To != nil {
		where += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *f.To)
		argIdx++
	}

	return where, args
}

func orderClause(sortBy string) string {
	switch sortBy {
	case "value_desc":
		return " ORDER BY value DESC, created_at DESC"
	case "expected_close":
		return " ORDER BY expected_close_date ASC NULLS LAST, created_at DESC"
	default:
		return " ORDER BY updated_at DESC NULLS LAST, created_at DESC"
	}
}
