package generation

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/middleware"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/response"
)

// multipart overhead allowed on top of the image limit
const formOverhead = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Submit handles POST /generations
// Multipart form: image
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	image, mimeType, ok := h.readImage(w, r, true)
	if !ok {
		return
	}

	g, err := h.svc.Submit(r.Context(), SubmitRequest{UserID: userID, Image: image, MimeType: mimeType})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Accepted(w, map[string]interface{}{
		"generation_id": g.ID,
		"status":        g.Status,
	})
}

// Retry handles POST /generations/{id}/retry
// An image may be attached when the stored original is gone.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var image []byte
	var mimeType string
	if isMultipart(r) {
		if image, mimeType, ok = h.readImage(w, r, false); !ok {
			return
		}
	}

	g, err := h.svc.Retry(r.Context(), RetryRequest{
		UserID:       middleware.GetUserID(r.Context()),
		GenerationID: id,
		Image:        image,
		MimeType:     mimeType,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Accepted(w, map[string]interface{}{
		"generation_id": g.ID,
		"status":        g.Status,
	})
}

// MarkFailed handles POST /generations/{id}/mark-failed
func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	g, err := h.svc.MarkFailed(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, g)
}

// Status handles GET /generations/{id}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	view, err := h.svc.GetStatus(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, view)
}

// Delete handles DELETE /generations/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{"deleted": true})
}

// List handles GET /generations
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := credit.PaginationFromRequest(r).Normalize()

	items, total, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, p.Limit, p.Offset))
}

// Credits handles GET /credits
func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	credits, err := h.svc.GetCredits(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, credits)
}

// Routes mounts generation routes under /generations.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/", h.List)
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Status)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/retry", h.Retry)
	r.Post("/{id}/mark-failed", h.MarkFailed)

	return r
}

func (h *Handler) readImage(w http.ResponseWriter, r *http.Request, required bool) ([]byte, string, bool) {
	limit := h.svc.cfg.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)

	if err := r.ParseMultipartForm(limit + formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(w, "image exceeds the upload limit")
			return nil, "", false
		}
		response.BadRequest(w, "invalid multipart form")
		return nil, "", false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		if !required && errors.Is(err, http.ErrMissingFile) {
			return nil, "", true
		}
		response.BadRequest(w, "no image provided")
		return nil, "", false
	}
	defer file.Close()

	if header.Size > limit {
		response.PayloadTooLarge(w, "image exceeds the upload limit")
		return nil, "", false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		response.BadRequest(w, "could not read image")
		return nil, "", false
	}
	return data, header.Header.Get("Content-Type"), true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "generation not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(w, "access denied")
	case errors.Is(err, ErrInvalidImage):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_IMAGE", err.Error())
	case errors.Is(err, ErrImageTooLarge):
		response.PayloadTooLarge(w, err.Error())
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "not enough available credits")
	case errors.Is(err, ErrConcurrencyLimit):
		response.TooManyRequests(w, err.Error())
	case errors.Is(err, ErrAlreadyCompleted),
		errors.Is(err, ErrNotRetriable),
		errors.Is(err, ErrStillProcessing):
		response.Conflict(w, err.Error())
	case errors.Is(err, ErrOriginalUnavailable):
		response.Error(w, http.StatusUnprocessableEntity, "ORIGINAL_UNAVAILABLE", err.Error())
	case errors.Is(err, credit.ErrUserNotFound):
		response.NotFound(w, "user not found")
	case errors.Is(err, ErrDispatchFailed):
		response.Error(w, http.StatusServiceUnavailable, "DISPATCH_FAILED", err.Error())
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("Generation request failed")
		response.InternalError(w)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid generation id")
		return uuid.Nil, false
	}
	return id, true
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
