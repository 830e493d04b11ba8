package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/httputil"
	"payplan/pkg/platform/middleware/admin"
	"payplan/pkg/requestcontext"
)

// HeaderInitiatorID names the operator behind an administrative request.
const HeaderInitiatorID = "X-Initiator-ID"

// Service is the compensation facade the HTTP surface drives.
type Service interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	Purchase(ctx context.Context, req models.CreatePackageRequest) (*models.PurchaseResult, error)
	RecordInstallment(ctx context.Context, userID id.UserID, onTime bool) (*models.InstallmentResult, error)
	BusinessInfo(ctx context.Context, userID id.UserID) (*models.BusinessInfo, error)
	Earnings(ctx context.Context, userID id.UserID) ([]models.Earning, error)
	LevelStatistics(ctx context.Context, userID id.UserID) ([]models.LevelStat, error)
	Dashboard(ctx context.Context, userID id.UserID) (*models.Dashboard, error)
	RemoveUser(ctx context.Context, userID, initiatorID id.UserID) (*models.RemovalReport, error)
}

type Handler struct {
	svc        Service
	logger     *slog.Logger
	adminToken string
}

func New(svc Service, logger *slog.Logger, adminToken string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, adminToken: adminToken}
}

// Register mounts the compensation routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/network/users", h.handleRegister)
	r.Post("/packages", h.handlePurchase)
	r.Post("/packages/{userID}/installments", h.handleInstallment)
	r.Get("/users/{userID}/business", h.handleBusinessInfo)
	r.Get("/users/{userID}/earnings", h.handleEarnings)
	r.Get("/users/{userID}/levels", h.handleLevels)
	r.Get("/users/{userID}/dashboard", h.handleDashboard)

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.adminToken, h.logger))
		r.Delete("/users/{userID}", h.handleRemoveUser)
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[models.RegisterRequest](w, r, h.logger)
	if !ok {
		return
	}
	req.Normalize()
	if req.Role == models.RoleAdmin && !admin.ValidToken(r, h.adminToken) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin token required to register administrators"))
		return
	}

	user, err := h.svc.Register(r.Context(), *req)
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, user)
}

// purchaseRequest is the wire form of a package purchase. Override requires the admin token.
type purchaseRequest struct {
	UserID        id.UserID       `json:"user_id"`
	PackageType   string          `json:"package_type"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	TotalMonths   int             `json:"total_months"`
	Override      bool            `json:"override,omitempty"`
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[purchaseRequest](w, r, h.logger)
	if !ok {
		return
	}
	if req.Override && !admin.ValidToken(r, h.adminToken) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin token required to replace an active package"))
		return
	}

	result, err := h.svc.Purchase(r.Context(), models.CreatePackageRequest{
		UserID:        req.UserID,
		PackageType:   req.PackageType,
		MonthlyAmount: req.MonthlyAmount,
		TotalMonths:   req.TotalMonths,
		Override:      req.Override,
	})
	if err != nil {
		h.fail(w, r, "purchase", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

type installmentRequest struct {
	OnTime *bool `json:"on_time"`
}

func (h *Handler) handleInstallment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeJSON[installmentRequest](w, r, h.logger)
	if !ok {
		return
	}
	onTime := req.OnTime == nil || *req.OnTime

	result, err := h.svc.RecordInstallment(r.Context(), userID, onTime)
	if err != nil {
		h.fail(w, r, "record installment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBusinessInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	info, err := h.svc.BusinessInfo(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "business info", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// handleEarnings supports ?limit=N on top of the newest-first statement.
func (h *Handler) handleEarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	list, err := h.svc.Earnings(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "earnings", err)
		return
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"earnings": list})
}

func (h *Handler) handleLevels(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	levels, err := h.svc.LevelStatistics(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "level statistics", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Dashboard(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "dashboard", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	initiator, err := id.ParseUserID(r.Header.Get(HeaderInitiatorID))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, HeaderInitiatorID+" header must be a user ID"))
		return
	}
	ctx := requestcontext.WithInitiatorID(r.Context(), initiator)

	report, err := h.svc.RemoveUser(ctx, userID, initiator)
	if err != nil {
		h.fail(w, r, "remove user", err)
		return
	}
	h.logger.InfoContext(ctx, "user removed by operator",
		"request_id", requestcontext.RequestID(ctx),
		"user_id", userID.String(),
		"initiator_id", initiator.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user ID"))
		return id.UserID{}, false
	}
	return userID, true
}

// fail logs at a level matching the error class and writes the response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	} else {
		h.logger.WarnContext(ctx, op+" rejected",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}
