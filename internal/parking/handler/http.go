package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/auth"
	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/service"
)

// Options configures the HTTP transport.
type Options struct {
	// Secret verifies bearer tokens.
	Secret string
	// Limit throttles authenticated routes when set.
	Limit  func(http.Handler) http.Handler
	Logger *zap.Logger
}

// HTTP exposes reservation endpoints.
type HTTP struct {
	svc    *service.Service
	opts   Options
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, opts: opts, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.opts.Secret))
			if h.opts.Limit != nil {
				r.Use(h.opts.Limit)
			}
			r.Post("/lots/{lotID}/spots/{spotID}/reservations", h.reserveSpot)
			r.Post("/lots/{lotID}/reservations/random", h.reserveRandom)
			r.Get("/lots/{lotID}/spots", h.listSpots)
			r.Get("/lots/{lotID}/spots/{spotID}", h.getSpot)
			r.Post("/reservations/{id}/cancel", h.cancel)
			r.Get("/reservations/active", h.activeReservation)
			r.Get("/reservations/{id}", h.getReservation)
			r.Get("/reservations", h.listReservations)
		})
		r.Group(func(r chi.Router) {
			r.Use(tokenFromQuery, auth.Middleware(h.opts.Secret))
			r.Get("/lots/{lotID}/watch", h.watchLot)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.opts.Secret, auth.RoleSensor))
			r.Post("/sensors/lots/{lotID}/spots/{spotID}/arrive", h.arrive)
			r.Post("/sensors/lots/{lotID}/spots/{spotID}/vacate", h.vacate)
		})
	})
	return r
}

func (h *HTTP) reserveSpot(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.ReserveSpot(r.Context(), r.Header.Get("Idempotency-Key"), userID, chi.URLParam(r, "lotID"), chi.URLParam(r, "spotID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type reserveRandomRequest struct {
	Class string `json:"class"`
}

func (h *HTTP) reserveRandom(w http.ResponseWriter, r *http.Request) {
	var payload reserveRandomRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Class == "" {
		payload.Class = string(domain.ClassGeneral)
	}
	class, err := domain.ParseSpotClass(payload.Class)
	if err != nil {
		h.writeError(w, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.ReserveRandom(r.Context(), r.Header.Get("Idempotency-Key"), userID, chi.URLParam(r, "lotID"), class)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) listSpots(w http.ResponseWriter, r *http.Request) {
	var filter service.SpotFilter
	if v := r.URL.Query().Get("class"); v != "" {
		class, err := domain.ParseSpotClass(v)
		if err != nil {
			h.writeError(w, err)
			return
		}
		filter.Class = class
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = domain.SpotStatus(v)
	}
	spots, err := h.svc.ListSpots(r.Context(), chi.URLParam(r, "lotID"), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if spots == nil {
		spots = []domain.Spot{}
	}
	writeJSON(w, http.StatusOK, spots)
}

func (h *HTTP) getSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := h.svc.GetSpot(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "spotID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.Cancel(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) activeReservation(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.ActiveReservation(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) getReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := h.svc.GetReservation(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) listReservations(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	list, err := h.svc.Reservations(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *HTTP) arrive(w http.ResponseWriter, r *http.Request) {
	spot, err := h.svc.Arrive(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "spotID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (h *HTTP) vacate(w http.ResponseWriter, r *http.Request) {
	spot, err := h.svc.Vacate(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "spotID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: domain.IsRetryable(err)})
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateActiveReservation),
		errors.Is(err, domain.ErrSpotUnavailable),
		errors.Is(err, domain.ErrConcurrentAllocation),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoSpotsAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// tokenFromQuery lets browser websocket clients, which cannot set headers,
// pass the bearer token as access_token.
func tokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
