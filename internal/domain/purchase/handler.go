package purchase

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/middleware"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/response"
	"github.com/plushify/plushify-api/internal/pkg/validator"
	"github.com/plushify/plushify-api/internal/pkg/webhook"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	svc      *Service
	verifier *webhook.Verifier
}

func NewHandler(svc *Service, verifier *webhook.Verifier) *Handler {
	return &Handler{svc: svc, verifier: verifier}
}

type webhookPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type orderData struct {
	ID         string    `json:"id" validate:"required,max=200"`
	CheckoutID string    `json:"checkout_id" validate:"max=200"`
	UserID     string    `json:"user_id" validate:"required,uuid"`
	ProductID  string    `json:"product_id" validate:"required"`
	Amount     int       `json:"amount" validate:"gte=0"`
	CreatedAt  time.Time `json:"created_at"`
}

// Webhook handles POST /webhooks/polar
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "invalid webhook body")
		return
	}

	l := logger.FromContext(r.Context())
	if err := h.verifier.Verify(r.Header, body); err != nil {
		l.Warn().Err(err).Msg("Rejected webhook delivery")
		response.Unauthorized(w, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		response.BadRequest(w, "invalid webhook payload")
		return
	}
	if payload.Type != "order.paid" {
		response.OK(w, map[string]string{"status": "ignored"})
		return
	}

	var data orderData
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		response.BadRequest(w, "invalid order payload")
		return
	}
	if errs := validator.Validate(data); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	order := OrderPaid{
		OrderID:    data.ID,
		CheckoutID: data.CheckoutID,
		UserID:     uuid.MustParse(data.UserID),
		ProductID:  data.ProductID,
		Amount:     data.Amount,
		CreatedAt:  data.CreatedAt,
	}
	if err := h.svc.Accept(r.Context(), order); err != nil {
		// the provider retries non-2xx deliveries
		l.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to queue paid order")
		response.InternalError(w)
		return
	}

	l.Info().Str("order_id", order.OrderID).Str("product_id", order.ProductID).Msg("Paid order queued")
	response.Accepted(w, map[string]string{"status": "queued"})
}

// Products handles GET /products
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	response.OK(w, Products)
}

// List handles GET /purchases
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := credit.PaginationFromRequest(r).Normalize()

	items, total, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()), p)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("List purchases failed")
		response.InternalError(w)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, p.Limit, p.Offset))
}

// Routes mounts the user purchase history.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.List)
	return r
}

// WebhookRoutes returns the webhook router (no auth, signature verified).
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/polar", h.Webhook)
	return r
}
