package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/middleware"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/response"
	"github.com/plushify/plushify-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type adjustRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Type      string `json:"type" validate:"required,manual_tx_type"`
	Amount    int    `json:"amount" validate:"nonzero,gte=-10000,lte=10000"`
	Reason    string `json:"reason" validate:"required,max=500"`
	RelatedID string `json:"related_id" validate:"max=200"`
}

// Transactions handles GET /credits/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	p := PaginationFromRequest(r)
	items, total, err := h.svc.ListTransactions(r.Context(), userID, p)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("List transactions failed")
		response.InternalError(w)
		return
	}

	p = p.Normalize()
	response.WithMeta(w, items, response.NewMeta(total, p.Limit, p.Offset))
}

// Adjust handles POST /admin/credits/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	balance, err := h.svc.Adjust(r.Context(), AdjustRequest{
		UserID:    uuid.MustParse(req.UserID),
		Type:      TxType(req.Type),
		Amount:    req.Amount,
		Reason:    req.Reason,
		AdminID:   middleware.GetUserID(r.Context()),
		RelatedID: req.RelatedID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			response.NotFound(w, "user not found")
		case errors.Is(err, ErrInsufficientCredits):
			response.Conflict(w, "balance is lower than the requested debit")
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ErrDuplicateEntry):
			response.Conflict(w, "entry already recorded")
		default:
			logger.FromContext(r.Context()).Error().Err(err).Msg("Credit adjustment failed")
			response.InternalError(w)
		}
		return
	}

	response.OK(w, map[string]interface{}{"balance": balance})
}

// Verify handles GET /admin/credits/{userID}/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}

	rec, err := h.svc.VerifyBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(w, "user not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, rec)
}

// Routes mounts user facing ledger routes.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/transactions", h.Transactions)
	return r
}

// AdminRoutes mounts operator routes.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware, middleware.RequireAdmin())
	r.Post("/adjust", h.Adjust)
	r.Get("/{userID}/verify", h.Verify)
	return r
}

// PaginationFromRequest reads limit/offset query parameters.
func PaginationFromRequest(r *http.Request) Pagination {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return Pagination{Limit: limit, Offset: offset}
}
