package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
)

const maxTitleLen = 255

// Service orchestrates opportunity validation, stage transitions, the
// close workflow and pipeline reporting. It is request-scoped and keeps
// no state between calls; all durable state lives behind Repository.
type Service struct {
	repo      Repository
	refs      ReferenceChecker
	policy    *Policy
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

func NewService(repo Repository, refs ReferenceChecker, policy *Policy) *Service {
	return &Service{
		repo:      repo,
		refs:      refs,
		policy:    policy,
		sanitizer: bluemonday.UGCPolicy(),
		now:       time.Now,
	}
}

// Policy exposes the stage policy the service was built with.
func (s *Service) Policy() *Policy {
	return s.policy
}

type CreateInput struct {
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Value             decimal.Decimal  `json:"value"`
	Stage             models.Stage     `json:"stage"`
	Probability       *int             `json:"probability"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date"`
	CompanyID         *uuid.UUID       `json:"company_id"`
	ContactID         *uuid.UUID       `json:"contact_id"`
}

// UpdateInput carries partial updates; nil fields are left untouched.
type UpdateInput struct {
	Title             *string          `json:"title"`
	Description       *string          `json:"description"`
	Value             *decimal.Decimal `json:"value"`
	Stage             *models.Stage    `json:"stage"`
	Probability       *int             `json:"probability"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date"`
	CompanyID         *uuid.UUID       `json:"company_id"`
	ContactID         *uuid.UUID       `json:"contact_id"`
	Reason            string           `json:"reason"`
}

// Create validates the input, resolves references, defaults stage and
// probability from the stage policy, and persists a new active
// opportunity owned by the acting user.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, in CreateInput) (*models.Opportunity, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Rule: "must not be empty"}
	}
	if len(title) > maxTitleLen {
		return nil, &ValidationError{Field: "title", Rule: fmt.Sprintf("must be at most %d characters", maxTitleLen)}
	}
	if in.Value.IsNegative() {
		return nil, &ValidationError{Field: "value", Rule: "must not be negative"}
	}
	if in.Probability != nil && (*in.Probability < 0 || *in.Probability > 100) {
		return nil, &ValidationError{Field: "probability", Rule: "must be within [0,100]"}
	}

	stage := in.Stage
	if stage == "" {
		stage = s.policy.FirstStage()
	}
	if _, err := s.policy.IndexOf(stage); err != nil {
		return nil, err
	}
	if stage == s.policy.LostStage() {
		return nil, &ValidationError{Field: "stage", Rule: "cannot create an opportunity in the lost stage"}
	}

	probability := 0
	if in.Probability != nil {
		probability = *in.Probability
	} else {
		p, err := s.policy.DefaultProbability(stage)
		if err != nil {
			return nil, err
		}
		probability = p
	}

	if err := s.checkReferences(ctx, actorID, in.CompanyID, in.ContactID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	opp := &models.Opportunity{
		ID:                uuid.New(),
		Title:             title,
		Description:       s.sanitizer.Sanitize(in.Description),
		Value:             in.Value,
		Currency:          "USD",
		Stage:             stage,
		Status:            models.StatusActive,
		Probability:       probability,
		ExpectedCloseDate: in.ExpectedCloseDate,
		CompanyID:         in.CompanyID,
		ContactID:         in.ContactID,
		OwnerID:           actorID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.Create(ctx, opp); err != nil {
		return nil, fmt.Errorf("failed to persist opportunity: %w", err)
	}
	return opp, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]models.Opportunity, int, error) {
	return s.repo.Query(ctx, f)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]models.StageChange, error) {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// Update applies a partial update, re-validating supplied fields with the
// same rules as Create. A stage change is routed through the same
// transition logic as MoveStage so update cannot bypass the stage policy.
// Closed opportunities are immutable.
func (s *Service) Update(ctx context.Context, actorID uuid.UUID, id uuid.UUID, in UpdateInput) (*models.Opportunity, error) {
	opp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if opp.Status.Closed() {
		return nil, &StateError{Op: "update", Status: opp.Status}
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, &ValidationError{Field: "title", Rule: "must not be empty"}
		}
		if len(title) > maxTitleLen {
			return nil, &ValidationError{Field: "title", Rule: fmt.Sprintf("must be at most %d characters", maxTitleLen)}
		}
		opp.Title = title
	}
	if in.Description != nil {
		opp.Description = s.sanitizer.Sanitize(*in.Description)
	}
	if in.Value != nil {
		if in.Value.IsNegative() {
			return nil, &ValidationError{Field: "value", Rule: "must not be negative"}
		}
		opp.Value = *in.Value
	}
	if in.Probability != nil {
		if *in.Probability < 0 || *in.Probability > 100 {
			return nil, &ValidationError{Field: "probability", Rule: "must be within [0,100]"}
		}
		opp.Probability = *in.Probability
	}
	if in.ExpectedCloseDate != nil {
		opp.ExpectedCloseDate = in.ExpectedCloseDate
	}

	if in.CompanyID != nil && !sameID(opp.CompanyID, in.CompanyID) {
		if err := s.checkCompany(ctx, in.CompanyID); err != nil {
			return nil, err
		}
		opp.CompanyID = in.CompanyID
	}
	if in.ContactID != nil && !sameID(opp.ContactID, in.ContactID) {
		if err := s.checkContact(ctx, in.ContactID); err != nil {
			return nil, err
		}
		opp.ContactID = in.ContactID
	}

	var change *models.StageChange
	if in.Stage != nil && *in.Stage != opp.Stage {
		c, err := s.applyStageMove(opp, actorID, *in.Stage, in.Probability, in.Reason)
		if err != nil {
			return nil, err
		}
		change = c
	}

	opp.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, opp, change); err != nil {
		return nil, err
	}
	return opp, nil
}

// MoveStage advances an active opportunity through the pipeline. Moving
// into the lost terminal stage closes the deal as lost through the same
// transition Close uses, so stage and status can never disagree.
func (s *Service) MoveStage(ctx context.Context, actorID uuid.UUID, id uuid.UUID, newStage models.Stage, probabilityOverride *int, reason string) (*models.Opportunity, error) {
	opp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if opp.Status.Closed() {
		return nil, &StateError{Op: "move stage on", Status: opp.Status}
	}

	change, err := s.applyStageMove(opp, actorID, newStage, probabilityOverride, reason)
	if err != nil {
		return nil, err
	}

	opp.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, opp, change); err != nil {
		return nil, err
	}
	return opp, nil
}

// Close ends the opportunity as won or lost. Closing is terminal and
// idempotent-refused: a second close fails with a state error.
func (s *Service) Close(ctx context.Context, actorID uuid.UUID, id uuid.UUID, won bool, finalValue *decimal.Decimal, note string) (*models.Opportunity, error) {
	opp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if opp.Status.Closed() {
		return nil, &StateError{Op: "close", Status: opp.Status}
	}
	if finalValue != nil {
		if finalValue.IsNegative() {
			return nil, &ValidationError{Field: "final_value", Rule: "must not be negative"}
		}
		opp.Value = *finalValue
	}

	change := s.applyClose(opp, actorID, won, note)

	opp.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, opp, change); err != nil {
		return nil, err
	}
	return opp, nil
}

// Delete performs a logical removal. Closed deals are retained for
// reporting integrity and cannot be deleted.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	opp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if opp.Status.Closed() {
		return &StateError{Op: "delete", Status: opp.Status}
	}
	return s.repo.SoftDelete(ctx, id)
}

// PipelineFilter narrows the working set for the pipeline summary.
type PipelineFilter struct {
	OwnerID   *uuid.UUID
	CompanyID *uuid.UUID
}

// Pipeline aggregates the active opportunities matching the filter into
// the grouped-by-stage summary.
func (s *Service) Pipeline(ctx context.Context, f PipelineFilter) (*Summary, error) {
	opps, _, err := s.repo.Query(ctx, Filter{
		OwnerID:   f.OwnerID,
		CompanyID: f.CompanyID,
		Status:    models.StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load active opportunities: %w", err)
	}
	return Summarize(s.policy, opps), nil
}

// Stats computes the status-partitioned counts, values, win rate and
// weighted pipeline over opportunities created or closed in the period.
func (s *Service) Stats(ctx context.Context, from, to *time.Time) (*Stats, error) {
	opps, _, err := s.repo.Query(ctx, Filter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunities: %w", err)
	}
	return ComputeStats(opps), nil
}

// applyStageMove mutates the entity for a validated stage move and builds
// the audit record. A move into the lost stage is delegated to applyClose.
func (s *Service) applyStageMove(opp *models.Opportunity, actorID uuid.UUID, newStage models.Stage, probabilityOverride *int, reason string) (*models.StageChange, error) {
	if _, err := s.policy.IndexOf(newStage); err != nil {
		return nil, err
	}
	if !s.policy.CanTransition(opp.Stage, newStage) {
		return nil, &TransitionError{From: opp.Stage, To: newStage}
	}
	if probabilityOverride != nil && (*probabilityOverride < 0 || *probabilityOverride > 100) {
		return nil, &ValidationError{Field: "probability", Rule: "must be within [0,100]"}
	}

	if newStage == s.policy.LostStage() {
		return s.applyClose(opp, actorID, false, reason), nil
	}

	oldStage := opp.Stage
	opp.Stage = newStage
	if probabilityOverride != nil {
		opp.Probability = *probabilityOverride
	} else {
		p, err := s.policy.DefaultProbability(newStage)
		if err != nil {
			return nil, err
		}
		opp.Probability = p
	}

	s.appendNote(opp, oldStage, newStage, reason)
	return s.newStageChange(opp.ID, oldStage, newStage, actorID, reason), nil
}

// applyClose is the single authoritative status transition out of active.
// It sets status, probability, actual close date and the final stage, and
// records the audit entry.
func (s *Service) applyClose(opp *models.Opportunity, actorID uuid.UUID, won bool, note string) *models.StageChange {
	now := s.now().UTC()
	oldStage := opp.Stage

	if won {
		opp.Status = models.StatusWon
		opp.Probability = 100
		opp.Stage = s.policy.ClosingStage()
	} else {
		opp.Status = models.StatusLost
		opp.Probability = 0
		opp.Stage = s.policy.LostStage()
	}
	opp.ActualCloseDate = &now

	reason := strings.TrimSpace(note)
	if reason == "" {
		if won {
			reason = "closed won"
		} else {
			reason = "closed lost"
		}
	}
	s.appendNote(opp, oldStage, opp.Stage, reason)
	return s.newStageChange(opp.ID, oldStage, opp.Stage, actorID, reason)
}

// appendNote keeps the human-readable audit line on the entity itself, in
// addition to the structured stage history row.
func (s *Service) appendNote(opp *models.Opportunity, from, to models.Stage, reason string) {
	line := fmt.Sprintf("[%s] %s -> %s", s.now().UTC().Format(time.RFC3339), from, to)
	if reason = strings.TrimSpace(reason); reason != "" {
		line += ": " + s.sanitizer.Sanitize(reason)
	}
	if opp.Notes == "" {
		opp.Notes = line
	} else {
		opp.Notes += "\n" + line
	}
}

func (s *Service) newStageChange(oppID uuid.UUID, from, to models.Stage, actorID uuid.UUID, reason string) *models.StageChange {
	return &models.StageChange{
		ID:            uuid.New(),
		OpportunityID: oppID,
		FromStage:     from,
		ToStage:       to,
		ActorID:       actorID,
		Reason:        strings.TrimSpace(reason),
		ChangedAt:     s.now().UTC(),
	}
}

func (s *Service) checkReferences(ctx context.Context, ownerID uuid.UUID, companyID, contactID *uuid.UUID) error {
	ok, err := s.refs.UserExists(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("owner lookup failed: %w", err)
	}
	if !ok {
		return &ReferenceError{Field: "owner", ID: ownerID}
	}
	if err := s.checkCompany(ctx, companyID); err != nil {
		return err
	}
	return s.checkContact(ctx, contactID)
}

func (s *Service) checkCompany(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	ok, err := s.refs.CompanyExists(ctx, *id)
	if err != nil {
		return fmt.Errorf("company lookup failed: %w", err)
	}
	if !ok {
		return &ReferenceError{Field: "company", ID: *id}
	}
	return nil
}

func (s *Service) checkContact(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	ok, err := s.refs.ContactExists(ctx, *id)
	if err != nil {
		return fmt.Errorf("contact lookup failed: %w", err)
	}
	if !ok {
		return &ReferenceError{Field: "contact", ID: *id}
	}
	return nil
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
