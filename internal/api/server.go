package api

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/david/pipeline-crm/internal/auth"
	"github.com/david/pipeline-crm/internal/db"
	"github.com/david/pipeline-crm/internal/models"
	"github.com/david/pipeline-crm/internal/pipeline"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
)

type Server struct {
	Store       *db.Store
	AuthService *auth.Service
	Pipeline    *pipeline.Service
	Echo        *echo.Echo
	DB          *pgxpool.Pool
}

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
	adminSecretErr     error
)

func NewServer(pool *pgxpool.Pool, policy *pipeline.Policy) *Server {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	store := db.NewStore(pool)
	authService := auth.NewService(pool)

	s := &Server{
		DB:          pool,
		Store:       store,
		AuthService: authService,
		Pipeline:    pipeline.NewService(store, store, policy),
		Echo:        e,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")

	// Auth Routes
	api.POST("/auth/signup", s.handleSignup)
	api.POST("/auth/login", s.handleLogin)

	// Public stage metadata
	api.GET("/stages", s.handleGetStages)

	// Protected Routes
	crm := api.Group("")
	crm.Use(auth.Middleware)

	crm.POST("/opportunities", s.handleCreateOpportunity)
	crm.GET("/opportunities", s.handleListOpportunities)
	crm.GET("/opportunities/:id", s.handleGetOpportunity)
	crm.PATCH("/opportunities/:id", s.handleUpdateOpportunity)
	crm.DELETE("/opportunities/:id", s.handleDeleteOpportunity)
	crm.POST("/opportunities/:id/stage", s.handleMoveStage)
	crm.POST("/opportunities/:id/close", s.handleCloseOpportunity)
	crm.GET("/opportunities/:id/history", s.handleGetHistory)

	crm.GET("/pipeline", s.handleGetPipeline)
	crm.GET("/stats", s.handleGetStats)

	crm.POST("/companies", s.handleCreateCompany)
	crm.GET("/companies", s.handleListCompanies)
	crm.GET("/companies/:id", s.handleGetCompany)
	crm.POST("/contacts", s.handleCreateContact)
	crm.GET("/contacts", s.handleListContacts)
	crm.GET("/contacts/:id", s.handleGetContact)

	// Admin Routes
	admin := api.Group("/admin")
	admin.Use(s.adminMiddleware)
	admin.POST("/seed", s.handleSeed)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// writeServiceError maps the pipeline error taxonomy onto HTTP statuses.
// Every failure body names the violated rule so the caller can present an
// actionable message.
func (s *Server) writeServiceError(c echo.Context, err error) error {
	var (
		validationErr *pipeline.ValidationError
		referenceErr  *pipeline.ReferenceError
		stateErr      *pipeline.StateError
		transitionErr *pipeline.TransitionError
		stageErr      *pipeline.UnknownStageError
	)

	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, pipeline.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": validationErr.Error(), "field": validationErr.Field})
	case errors.As(err, &stageErr):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": stageErr.Error()})
	case errors.As(err, &referenceErr):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": referenceErr.Error(), "field": referenceErr.Field})
	case errors.As(err, &stateErr):
		return c.JSON(http.StatusConflict, map[string]string{"error": stateErr.Error()})
	case errors.As(err, &transitionErr):
		return c.JSON(http.StatusConflict, map[string]string{"error": transitionErr.Error()})
	}

	c.Logger().Errorf("internal error: %v", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Auth handlers

func (s *Server) handleSignup(c echo.Context) error {
	var req auth.SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.AuthService.Signup(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.AuthService.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, resp)
}

// Stage metadata

func (s *Server) handleGetStages(c echo.Context) error {
	policy := s.Pipeline.Policy()

	type stageInfo struct {
		Stage       models.Stage `json:"stage"`
		Label       string       `json:"label"`
		Probability int          `json:"default_probability"`
		Terminal    bool         `json:"terminal"`
	}

	var out []stageInfo
	for _, stage := range policy.Stages() {
		prob, err := policy.DefaultProbability(stage)
		if err != nil {
			return s.writeServiceError(c, err)
		}
		out = append(out, stageInfo{
			Stage:       stage,
			Label:       policy.Label(stage),
			Probability: prob,
			Terminal:    stage == policy.LostStage(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// Opportunity handlers

func (s *Server) handleCreateOpportunity(c echo.Context) error {
	actorID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	var in pipeline.CreateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	opp, err := s.Pipeline.Create(c.Request().Context(), actorID, in)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, opp)
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	f := pipeline.Filter{
		Stage:  models.Stage(c.QueryParam("stage")),
		Status: models.Status(c.QueryParam("status")),
		SortBy: c.QueryParam("sort"),
		Limit:  20,
	}

	if v := c.QueryParam("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid owner_id"})
		}
		f.OwnerID = &id
	}
	if v := c.QueryParam("company_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid company_id"})
		}
		f.CompanyID = &id
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		f.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		f.Offset = o
	}

	opps, total, err := s.Pipeline.List(c.Request().Context(), f)
	if err != nil {
		return s.writeServiceError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"opportunities": opps,
		"total":         total,
		"limit":         f.Limit,
		"offset":        f.Offset,
	})
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	opp, err := s.Pipeline.Get(c.Request().Context(), id)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleUpdateOpportunity(c echo.Context) error {
	actorID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	var in pipeline.UpdateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	opp, err := s.Pipeline.Update(c.Request().Context(), actorID, id, in)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleMoveStage(c echo.Context) error {
	actorID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	var req struct {
		Stage       models.Stage `json:"stage"`
		Probability *int         `json:"probability"`
		Reason      string       `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	opp, err := s.Pipeline.MoveStage(c.Request().Context(), actorID, id, req.Stage, req.Probability, req.Reason)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleCloseOpportunity(c echo.Context) error {
	actorID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	var req struct {
		Won        bool             `json:"won"`
		FinalValue *decimal.Decimal `json:"final_value"`
		Notes      string           `json:"notes"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	opp, err := s.Pipeline.Close(c.Request().Context(), actorID, id, req.Won, req.FinalValue, req.Notes)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleDeleteOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	if err := s.Pipeline.Delete(c.Request().Context(), id); err != nil {
		return s.writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity ID"})
	}

	history, err := s.Pipeline.History(c.Request().Context(), id)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// Reporting handlers

func (s *Server) handleGetPipeline(c echo.Context) error {
	var f pipeline.PipelineFilter
	if v := c.QueryParam("owner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid owner_id"})
		}
		f.OwnerID = &id
	}
	if v := c.QueryParam("company_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid company_id"})
		}
		f.CompanyID = &id
	}

	summary, err := s.Pipeline.Pipeline(c.Request().Context(), f)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetStats(c echo.Context) error {
	var from, to *time.Time
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid from timestamp, want RFC3339"})
		}
		from = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid to timestamp, want RFC3339"})
		}
		to = &t
	}

	stats, err := s.Pipeline.Stats(c.Request().Context(), from, to)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Company / contact handlers

func (s *Server) handleCreateCompany(c echo.Context) error {
	var company models.Company
	if err := c.Bind(&company); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if strings.TrimSpace(company.Name) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Company name is required"})
	}

	if err := s.Store.CreateCompany(c.Request().Context(), &company); err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, company)
}

func (s *Server) handleListCompanies(c echo.Context) error {
	companies, err := s.Store.ListCompanies(c.Request().Context())
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, companies)
}

func (s *Server) handleGetCompany(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid company ID"})
	}

	company, err := s.Store.GetCompany(c.Request().Context(), id)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, company)
}

func (s *Server) handleCreateContact(c echo.Context) error {
	var contact models.Contact
	if err := c.Bind(&contact); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if strings.TrimSpace(contact.FirstName) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Contact first name is required"})
	}
	if contact.CompanyID != nil {
		ok, err := s.Store.CompanyExists(c.Request().Context(), *contact.CompanyID)
		if err != nil {
			return s.writeServiceError(c, err)
		}
		if !ok {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "Referenced company does not exist"})
		}
	}

	if err := s.Store.CreateContact(c.Request().Context(), &contact); err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, contact)
}

func (s *Server) handleListContacts(c echo.Context) error {
	var companyID *uuid.UUID
	if v := c.QueryParam("company_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid company_id"})
		}
		companyID = &id
	}

	contacts, err := s.Store.ListContacts(c.Request().Context(), companyID)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, contacts)
}

func (s *Server) handleGetContact(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid contact ID"})
	}

	contact, err := s.Store.GetContact(c.Request().Context(), id)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, contact)
}

// Admin

func (s *Server) handleSeed(c echo.Context) error {
	ctx := c.Request().Context()

	seeds := []models.Company{
		{Name: "Northwind Logistics", Domain: "northwind.example", Industry: "Transportation", Country: "US"},
		{Name: "Contoso Manufacturing", Domain: "contoso.example", Industry: "Manufacturing", Country: "DE"},
		{Name: "Fabrikam Analytics", Domain: "fabrikam.example", Industry: "Software", Country: "UK"},
		{Name: "Adventure Works Retail", Domain: "adventure-works.example", Industry: "Retail", Country: "US"},
	}

	count := 0
	for i := range seeds {
		if err := s.Store.CreateCompany(ctx, &seeds[i]); err != nil {
			c.Logger().Errorf("Failed to seed company: %v", err)
			continue
		}
		count++
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Seed complete",
		"count":   count,
	})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := adminSecret()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
		}

		// Check X-Admin-Secret header or Bearer token
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == secret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == secret {
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func adminSecret() (string, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = secret
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return "", adminSecretErr
	}
	if adminSecretRuntime == "" {
		return "", fmt.Errorf("admin secret unavailable")
	}

	return adminSecretRuntime, nil
}
