// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/schrodinger12345/campus-event-glow/internal/service"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
)

// Handler holds all HTTP handlers for the events and e-pass API.
type Handler struct {
	events   *service.EventService
	profiles *service.ProfileService
	passes   *service.PassService
	log      *slog.Logger
}

// New constructs a Handler.
func New(
	events *service.EventService,
	profiles *service.ProfileService,
	passes *service.PassService,
	log *slog.Logger,
) *Handler {
	return &Handler{
		events:   events,
		profiles: profiles,
		passes:   passes,
		log:      log.With(logger.Module("http.handler")),
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, model.ErrorResponse{Error: msg})
}

// maxBodyBytes caps every request body the API decodes.
const maxBodyBytes = 1 << 20

// bind decodes and validates the request body into v, writing the error
// response itself when that fails.
func bind(w http.ResponseWriter, r *http.Request, v render.Binder) bool {
	err := render.Bind(r, v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// errorStatus is checked in order; specific sentinels precede the umbrella
// errors they wrap.
var errorStatus = []struct {
	target error
	status int
}{
	{repository.ErrUserNotFound, http.StatusNotFound},
	{repository.ErrEventNotFound, http.StatusNotFound},
	{repository.ErrPassNotFound, http.StatusNotFound},
	{repository.ErrNotFound, http.StatusNotFound},
	{repository.ErrCapacityExceeded, http.StatusConflict},
	{repository.ErrAlreadyRedeemed, http.StatusConflict},
	{service.ErrCredentialMismatch, http.StatusUnprocessableEntity},
	{credential.ErrInvalidToken, http.StatusUnprocessableEntity},
	{service.ErrForbidden, http.StatusForbidden},
	{repository.ErrUnavailable, http.StatusServiceUnavailable},
}

// retryAfter is the Retry-After hint, in seconds, sent with 503 responses.
const retryAfter = 1

// writeServiceError maps a service error to its status code. Clients see the
// sentinel message only; the full chain is logged.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := h.log.With(slog.String("request_id", middleware.GetReqID(r.Context())))

	if errors.Is(err, service.ErrInvalidInput) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	for _, e := range errorStatus {
		if !errors.Is(err, e.target) {
			continue
		}
		switch e.status {
		case http.StatusServiceUnavailable:
			log.Warn("transient failure", logger.Err(err))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		case http.StatusForbidden:
			log.Debug("forbidden", logger.Err(err))
		}
		writeError(w, r, e.status, e.target.Error())
		return
	}
	log.Error("request failed", logger.Err(err))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// caller returns the authenticated session or answers 401.
func caller(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session required")
	}
	return s, ok
}

// ─── Events ───────────────────────────────────────────────────────────────────

// ListEvents handles GET /events?category=&q=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := model.EventFilter{
		Category: r.URL.Query().Get("category"),
		Query:    r.URL.Query().Get("q"),
	}
	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// CreateEvent handles POST /events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	var req model.CreateEventRequest
	if !bind(w, r, &req) {
		return
	}

	event, err := h.events.CreateEvent(r.Context(), by, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, event)
}

// GetEvent handles GET /events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, event)
}

// Register handles POST /events/{id}/register
// Issues the caller's e-pass for the event, or returns the one already issued.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.passes.Issue(r.Context(), by.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, p)
}

// EventPass handles GET /events/{id}/pass
func (h *Handler) EventPass(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.passes.GetByUserAndEvent(r.Context(), by.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// ListAttendance handles GET /events/{id}/attendance
func (h *Handler) ListAttendance(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	records, err := h.passes.ListAttendance(r.Context(), by, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []model.Attendance{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

// ─── Passes ───────────────────────────────────────────────────────────────────

// ListPasses handles GET /passes?filter=all|used|unused&q=
func (h *Handler) ListPasses(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	status, valid := model.ParsePassStatus(r.URL.Query().Get("filter"))
	if !valid {
		writeError(w, r, http.StatusBadRequest, "filter must be one of all, used, unused")
		return
	}
	passes, err := h.passes.ListByUser(r.Context(), by.UserID, model.PassFilter{
		Status: status,
		Query:  r.URL.Query().Get("q"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, passes)
}

// GetPass handles GET /passes/{id}
func (h *Handler) GetPass(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.passes.GetPass(r.Context(), by.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// PassImage handles GET /passes/{id}/qr.png
func (h *Handler) PassImage(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	png, err := h.passes.PassImage(r.Context(), by.UserID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="epass-%s.png"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// RedeemPass handles POST /passes/{id}/redeem
func (h *Handler) RedeemPass(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.passes.Redeem(r.Context(), by, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// RedeemCredential handles POST /passes/redeem
// The body carries the token decoded from a scanned QR code.
func (h *Handler) RedeemCredential(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	var req model.RedeemCredentialRequest
	if !bind(w, r, &req) {
		return
	}
	p, err := h.passes.RedeemCredential(r.Context(), by, req.Token, req.EventID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// ─── Profile ──────────────────────────────────────────────────────────────────

// GetProfile handles GET /me
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	u, err := h.profiles.GetProfile(r.Context(), by.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// UpsertProfile handles PUT /me
func (h *Handler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	by, ok := caller(w, r)
	if !ok {
		return
	}
	var req model.ProfileRequest
	if !bind(w, r, &req) {
		return
	}
	u, err := h.profiles.UpsertProfile(r.Context(), by, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
