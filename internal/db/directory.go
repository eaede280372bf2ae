package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/david/pipeline-crm/internal/models"
	"github.com/david/pipeline-crm/internal/pipeline"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Reference existence checks used by the pipeline service on create and
// update.

func (s *Store) CompanyExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM companies WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

func (s *Store) ContactExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM contacts WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

func (s *Store) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

// Thin company/contact CRUD backing the reference validation surface.

func (s *Store) CreateCompany(ctx context.Context, c *models.Company) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO companies (name, domain, industry, country)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, c.Name, c.Domain, c.Industry, c.Country).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("company insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	var c models.Company
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, domain, industry, country, created_at, updated_at
		FROM companies WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Domain, &c.Industry, &c.Country, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("company query failed: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCompanies(ctx context.Context) ([]models.Company, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, domain, industry, country, created_at, updated_at
		FROM companies ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("company list failed: %w", err)
	}
	defer rows.Close()

	var companies []models.Company
	for rows.Next() {
		var c models.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Industry, &c.Country, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("company scan failed: %w", err)
		}
		companies = append(companies, c)
	}
	if companies == nil {
		companies = []models.Company{}
	}
	return companies, rows.Err()
}

func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (company_id, first_name, last_name, email, phone, title)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, c.CompanyID, c.FirstName, c.LastName, c.Email, c.Phone, c.Title).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("contact insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	var c models.Contact
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, first_name, last_name, email, phone, title, created_at, updated_at
		FROM contacts WHERE id = $1
	`, id).Scan(&c.ID, &c.CompanyID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contact query failed: %w", err)
	}
	return &c, nil
}

func (s *Store) ListContacts(ctx context.Context, companyID *uuid.UUID) ([]models.Contact, error) {
	sql := `
		SELECT id, company_id, first_name, last_name, email, phone, title, created_at, updated_at
		FROM contacts`
	var args []interface{}
	if companyID != nil {
		sql += " WHERE company_id = $1"
		args = append(args, *companyID)
	}
	sql += " ORDER BY last_name ASC, first_name ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("contact list failed: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("contact scan failed: %w", err)
		}
		contacts = append(contacts, c)
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	return contacts, rows.Err()
}
