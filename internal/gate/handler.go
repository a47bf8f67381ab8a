package gate

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/passage-gms/passage/internal/credential"
	"github.com/passage-gms/passage/internal/platform/httpx"
	"github.com/passage-gms/passage/internal/shared"
)

// Handler exposes the gate ledger to the security desk.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers gate routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/gates/scan", h.scan)
	r.Post("/gates/checkin", h.checkIn)
	r.Post("/gates/checkout", h.checkOut)
	r.Post("/gates/deny", h.deny)
	r.Get("/gates/active", h.active)
	r.Get("/gates/passes/{passID}/events", h.history)
}

type scanRequest struct {
	Token  string `json:"token" validate:"required"`
	GateID string `json:"gateId" validate:"required"`
}

type checkRequest struct {
	PassID   int64  `json:"passId" validate:"required"`
	GateID   string `json:"gateId" validate:"required"`
	GateName string `json:"gateName" validate:"required"`
}

type denyRequest struct {
	PassID   int64  `json:"passId" validate:"required"`
	GateID   string `json:"gateId" validate:"required"`
	GateName string `json:"gateName" validate:"required"`
	Reason   string `json:"denyReason" validate:"required"`
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Scan(r.Context(), req.Token, req.GateID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"pass": map[string]any{
			"id":        result.Pass.ID,
			"number":    result.Pass.Number,
			"type":      result.Pass.Type,
			"status":    result.Pass.Status,
			"purpose":   result.Pass.Purpose,
			"validFrom": result.Pass.ValidFrom,
			"validTo":   result.Pass.ValidTo,
			"details":   result.Pass.Details,
		},
		"validation":  result.Payload,
		"canCheckIn":  result.CanCheckIn,
		"canCheckOut": result.CanCheckOut,
	})
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	ev, err := h.service.CheckIn(r.Context(), CheckInInput{
		PassID:   req.PassID,
		GateID:   req.GateID,
		GateName: req.GateName,
		Operator: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"event": toEventResponse(ev)})
}

func (h *Handler) checkOut(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	result, err := h.service.CheckOut(r.Context(), CheckInInput{
		PassID:   req.PassID,
		GateID:   req.GateID,
		GateName: req.GateName,
		Operator: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"checkInEvent":  toEventResponse(result.ClosedCheckIn),
		"checkOutEvent": toEventResponse(result.CheckOut),
	})
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev, err := h.service.Deny(r.Context(), DenyInput{
		PassID:   req.PassID,
		GateID:   req.GateID,
		GateName: req.GateName,
		Operator: shared.ActorFromContext(r.Context()),
		Reason:   req.Reason,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"event": toEventResponse(ev)})
}

func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ActiveSessions(r.Context(), r.URL.Query().Get("gateId"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	passID, err := strconv.ParseInt(chi.URLParam(r, "passID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	events, err := h.service.History(r.Context(), passID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) decodeCheck(w http.ResponseWriter, r *http.Request) (checkRequest, bool) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return checkRequest{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return checkRequest{}, false
	}
	return req, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var verifyErr *credential.VerifyError
	switch {
	case errors.As(err, &verifyErr):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Credential", verifyErr.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyCheckedIn),
		errors.Is(err, ErrNoActiveCheckIn):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrOutsideWindow):
		httpx.Problem(w, http.StatusBadRequest, "Outside Validity Window", err.Error())
	default:
		h.logger.Error("gate handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

type eventResponse struct {
	ID         int64      `json:"id"`
	PassID     int64      `json:"passId"`
	GateID     string     `json:"gateId"`
	GateName   string     `json:"gateName"`
	OperatorID int64      `json:"operatorId"`
	Type       string     `json:"eventType"`
	CheckInAt  *time.Time `json:"checkInAt,omitempty"`
	CheckOutAt *time.Time `json:"checkOutAt,omitempty"`
	DenyReason string     `json:"denyReason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toEventResponse(ev Event) eventResponse {
	return eventResponse{
		ID:         ev.ID,
		PassID:     ev.PassID,
		GateID:     ev.GateID,
		GateName:   ev.GateName,
		OperatorID: ev.OperatorID,
		Type:       string(ev.Type),
		CheckInAt:  ev.CheckInAt,
		CheckOutAt: ev.CheckOutAt,
		DenyReason: ev.DenyReason,
		CreatedAt:  ev.CreatedAt,
	}
}
