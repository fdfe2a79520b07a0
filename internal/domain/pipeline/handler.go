package pipeline

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/middleware"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/response"
	"github.com/plushify/plushify-api/internal/pkg/validator"
)

// AdminHandler exposes operator controls over running generations.
type AdminHandler struct {
	repo  generation.Repository
	steps StepLog
	bus   generation.Publisher
}

func NewAdminHandler(repo generation.Repository, steps StepLog, bus generation.Publisher) *AdminHandler {
	return &AdminHandler{repo: repo, steps: steps, bus: bus}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Cancel handles POST /admin/generations/{id}/cancel
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid generation id")
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "invalid JSON body")
			return
		}
		if errs := validator.Validate(req); errs != nil {
			response.ValidationError(w, errs)
			return
		}
	}

	g, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			response.NotFound(w, "generation not found")
			return
		}
		response.InternalError(w)
		return
	}
	if g.Status != generation.StatusProcessing {
		response.Conflict(w, "generation is not processing")
		return
	}

	eventID := "cancel-" + id.String() + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	evt, err := eventbus.NewEvent(eventID, generation.EventGenerateCancel, generation.GenerateCancel{
		GenerationID: id,
		Reason:       req.Reason,
	})
	if err == nil {
		err = h.bus.Publish(r.Context(), evt)
	}
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("Failed to publish cancel event")
		response.InternalError(w)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("generation_id", id.String()).
		Str("admin_id", middleware.GetUserID(r.Context()).String()).
		Msg("Generation cancel requested")
	response.Accepted(w, map[string]interface{}{"generation_id": id, "event_id": eventID})
}

// Steps handles GET /admin/generations/{id}/steps
func (h *AdminHandler) Steps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid generation id")
		return
	}

	steps, err := h.steps.List(r.Context(), id)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("List steps failed")
		response.InternalError(w)
		return
	}
	response.OK(w, steps)
}

// Routes mounts the operator routes under /admin/generations.
func (h *AdminHandler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware, middleware.RequireAdmin())
	r.Post("/{id}/cancel", h.Cancel)
	r.Get("/{id}/steps", h.Steps)
	return r
}
