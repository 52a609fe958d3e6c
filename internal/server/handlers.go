package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg" // overlay decoding
	_ "image/png"  // overlay decoding
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/livepair/internal/asset"
	"github.com/maauso/livepair/internal/compositor"
	"github.com/maauso/livepair/internal/library"
	"github.com/maauso/livepair/internal/session"
)

// SessionService is the use case layer the handlers drive.
type SessionService interface {
	CreateSession(ctx context.Context, in asset.CaptureInput) (session.Status, error)
	GetSession(ctx context.Context, id string) (session.Status, error)
	SetOverlay(ctx context.Context, id string, kind compositor.Kind, img image.Image) (session.Status, error)
	EnableOverlay(ctx context.Context, id string, kind compositor.Kind) (session.Status, error)
	DisableOverlay(ctx context.Context, id string, kind compositor.Kind) (session.Status, error)
	Save(ctx context.Context, id string) (library.Receipt, error)
	Share(ctx context.Context, id string) (asset.Pair, error)
	DeleteSession(ctx context.Context, id string) error
}

var _ SessionService = (*session.Service)(nil)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   SessionService
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service SessionService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /sessions requests.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := asset.CaptureInput{
		StillPath:   req.StillPath,
		VideoPath:   req.VideoPath,
		Orientation: compositor.Orientation(req.Orientation),
		Scale:       req.Scale,
		CapturedAt:  time.Now().UTC(),
	}
	if req.CapturedAt != nil {
		in.CapturedAt = *req.CapturedAt
	}

	st, err := h.service.CreateSession(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "create session", err)
		return
	}

	h.logger.Info("session created",
		slog.String("session_id", st.SessionID),
		slog.String("request_id", RequestIDFromContext(r.Context())),
	)
	writeJSON(w, http.StatusCreated, toSessionResponse(st))
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(st))
}

// SetOverlay handles PUT /sessions/{id}/overlays/{kind} requests. The
// overlay content is replaced and the layer enabled.
func (h *Handlers) SetOverlay(w http.ResponseWriter, r *http.Request) {
	kind, ok := overlayKind(w, r)
	if !ok {
		return
	}
	var req SetOverlayRequest
	if !h.decode(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 image", "INVALID_IMAGE")
		return
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, "overlay must be a PNG or JPEG image", "INVALID_IMAGE")
		return
	}

	st, err := h.service.SetOverlay(r.Context(), chi.URLParam(r, "id"), kind, img)
	if err != nil {
		h.writeServiceError(w, r, "set overlay", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionResponse(st))
}

// EnableOverlay handles POST /sessions/{id}/overlays/{kind} requests.
func (h *Handlers) EnableOverlay(w http.ResponseWriter, r *http.Request) {
	kind, ok := overlayKind(w, r)
	if !ok {
		return
	}
	st, err := h.service.EnableOverlay(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		h.writeServiceError(w, r, "enable overlay", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionResponse(st))
}

// DisableOverlay handles DELETE /sessions/{id}/overlays/{kind} requests.
func (h *Handlers) DisableOverlay(w http.ResponseWriter, r *http.Request) {
	kind, ok := overlayKind(w, r)
	if !ok {
		return
	}
	st, err := h.service.DisableOverlay(r.Context(), chi.URLParam(r, "id"), kind)
	if err != nil {
		h.writeServiceError(w, r, "disable overlay", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(st))
}

// Save handles POST /sessions/{id}/save requests.
func (h *Handlers) Save(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Save(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "save session", err)
		return
	}
	writeJSON(w, http.StatusOK, SaveResponse{
		Location: receipt.Location,
		Image:    receipt.Image,
		Video:    receipt.Video,
	})
}

// Share handles POST /sessions/{id}/share requests.
func (h *Handlers) Share(w http.ResponseWriter, r *http.Request) {
	pair, err := h.service.Share(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "share session", err)
		return
	}
	writeJSON(w, http.StatusOK, toPairResponse(pair))
}

// DeleteSession handles DELETE /sessions/{id} requests.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

func overlayKind(w http.ResponseWriter, r *http.Request) (compositor.Kind, bool) {
	kind := compositor.Kind(chi.URLParam(r, "kind"))
	if !kind.IsValid() {
		writeError(w, http.StatusNotFound, "unknown overlay kind", "UNKNOWN_OVERLAY")
		return "", false
	}
	return kind, true
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrUnknownOverlay):
		status, code = http.StatusNotFound, "UNKNOWN_OVERLAY"
	case errors.Is(err, session.ErrNoOverlayContent):
		status, code = http.StatusConflict, "NO_OVERLAY_CONTENT"
	case errors.Is(err, session.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, session.ErrShareDisabled):
		status, code = http.StatusNotImplemented, "SHARE_DISABLED"
	case errors.Is(err, asset.ErrSourceUnavailable):
		status, code = http.StatusUnprocessableEntity, "SOURCE_UNAVAILABLE"
	case errors.Is(err, asset.ErrPersistenceFailure):
		status, code = http.StatusBadGateway, "PERSISTENCE_FAILED"
	case errors.Is(err, session.ErrNoPair):
		status, code = http.StatusConflict, "NO_PAIR"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "CANCELLED"
	}

	attrs := []any{
		slog.String("op", op),
		slog.String("request_id", RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}
	writeError(w, status, err.Error(), code)
}

func toSessionResponse(st session.Status) SessionResponse {
	resp := SessionResponse{
		ID:         st.SessionID,
		Status:     string(st.State),
		Generation: st.Generation,
		Progress:   st.Progress,
		Loading:    st.Loading,
		Ready:      st.Ready,
		Overlays:   make([]string, 0, len(st.Enabled)),
		Error:      st.LastError,
	}
	for _, k := range st.Enabled {
		resp.Overlays = append(resp.Overlays, string(k))
	}
	if !st.Current.IsZero() {
		p := toPairResponse(st.Current)
		resp.Current = &p
	}
	return resp
}

func toPairResponse(p asset.Pair) PairResponse {
	return PairResponse{
		ImagePath:         p.ImagePath,
		VideoPath:         p.VideoPath,
		ContentIdentifier: p.ContentIdentifier,
		StillTimeSec:      p.StillDisplayTime.Seconds(),
		DurationSec:       p.VideoDuration.Seconds(),
		Composited:        p.Composited,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
