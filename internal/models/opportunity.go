package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Stage is one position in the fixed, ordered sales-pipeline sequence.
// The canonical ordering and default probabilities live in the pipeline
// package's stage policy; the values here are the wire/storage names.
type Stage string

const (
	StageProspecting   Stage = "prospecting"
	StageQualification Stage = "qualification"
	StageProposal      Stage = "proposal"
	StageNegotiation   Stage = "negotiation"
	StageClosing       Stage = "closing"
	StageLost          Stage = "lost"
)

// Status is the tri-state lifecycle of an opportunity. It is tracked
// independently of Stage; won and lost are terminal.
type Status string

const (
	StatusActive Status = "active"
	StatusWon    Status = "won"
	StatusLost   Status = "lost"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusWon, StatusLost:
		return true
	}
	return false
}

// Closed reports whether the opportunity has reached a terminal status.
func (s Status) Closed() bool {
	return s == StatusWon || s == StatusLost
}

type Opportunity struct {
	ID                uuid.UUID       `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Value             decimal.Decimal `json:"value"`
	Currency          string          `json:"currency"`
	Stage             Stage           `json:"stage"`
	Status            Status          `json:"status"`
	Probability       int             `json:"probability"`
	ExpectedCloseDate *time.Time      `json:"expected_close_date,omitempty"`
	ActualCloseDate   *time.Time      `json:"actual_close_date,omitempty"`
	CompanyID         *uuid.UUID      `json:"company_id,omitempty"`
	ContactID         *uuid.UUID      `json:"contact_id,omitempty"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	Notes             string          `json:"notes,omitempty"`
	Version           int64           `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StageChange is one append-only audit record of a stage move or close.
type StageChange struct {
	ID            uuid.UUID `json:"id"`
	OpportunityID uuid.UUID `json:"opportunity_id"`
	FromStage     Stage     `json:"from_stage"`
	ToStage       Stage     `json:"to_stage"`
	ActorID       uuid.UUID `json:"actor_id"`
	Reason        string    `json:"reason,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}
