package pass

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/passage-gms/passage/internal/platform/httpx"
	"github.com/passage-gms/passage/internal/shared"
	"github.com/passage-gms/passage/internal/tenant"
)

// Handler exposes the pass workflow over HTTP. Role checks and request
// authentication happen upstream; the handler only reads the actor attached
// to the context.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers pass routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/passes", h.create)
	r.Get("/passes", h.list)
	r.Get("/passes/{id}", h.get)
	r.Get("/passes/{id}/credential", h.credentialImage)
	r.Get("/passes/{id}/timeline", h.timeline)
	r.Post("/passes/{id}/decision", h.decide)
	r.Post("/passes/{id}/cancel", h.cancel)
}

type createRequest struct {
	Type      string    `json:"type" validate:"required,oneof=Employee Visitor Vehicle Material"`
	TenantID  int64     `json:"tenantId" validate:"required"`
	SiteID    string    `json:"siteId" validate:"required"`
	HostID    int64     `json:"hostId"`
	Purpose   string    `json:"purpose" validate:"required"`
	Remarks   string    `json:"remarks" validate:"required"`
	ValidFrom time.Time `json:"validFrom" validate:"required"`
	ValidTo   time.Time `json:"validTo" validate:"required,gtfield=ValidFrom"`
	Details   Details   `json:"details"`
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=Approved Rejected"`
	Remarks  string `json:"remarks"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	created, err := h.service.Create(r.Context(), CreateInput{
		Type:      Type(req.Type),
		TenantID:  req.TenantID,
		SiteID:    req.SiteID,
		Requester: actor.ID,
		HostID:    req.HostID,
		Purpose:   req.Purpose,
		Remarks:   req.Remarks,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
		Details:   req.Details,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	submitted, err := h.service.Submit(r.Context(), created.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPassResponse(submitted))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	requesterID, _ := strconv.ParseInt(r.URL.Query().Get("requester_id"), 10, 64)
	filters := ListFilters{
		TenantID:    tenantID,
		RequesterID: requesterID,
		Status:      Status(r.URL.Query().Get("status")),
	}
	passes, err := h.service.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]passResponse, 0, len(passes))
	for _, p := range passes {
		out = append(out, toPassResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"passes": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPassResponse(p))
}

func (h *Handler) credentialImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	image, err := h.service.CredentialImage(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.PNG(w, image)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	entries, err := h.service.Timeline(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]timelineEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, timelineEntry{
			ActorID: entry.ActorID,
			Action:  entry.Action,
			Changes: entry.Changes,
			At:      entry.At,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"timeline": out})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	p, err := h.service.Decide(r.Context(), id, actor, DecisionKind(req.Decision), req.Remarks)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPassResponse(p))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	p, err := h.service.Cancel(r.Context(), id, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPassResponse(p))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, tenant.ErrNoApprovers):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
	default:
		h.logger.Error("pass handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

type passResponse struct {
	ID             int64              `json:"id"`
	Number         string             `json:"number"`
	Type           string             `json:"type"`
	TenantID       int64              `json:"tenantId"`
	SiteID         string             `json:"siteId"`
	Requester      int64              `json:"requesterId"`
	HostID         int64              `json:"hostId,omitempty"`
	Status         string             `json:"status"`
	Purpose        string             `json:"purpose"`
	Remarks        string             `json:"remarks"`
	ValidFrom      time.Time          `json:"validFrom"`
	ValidTo        time.Time          `json:"validTo"`
	ApprovalLevel  int                `json:"approvalLevel"`
	RequiredLevels int                `json:"requiredApprovalLevels"`
	Decisions      []decisionResponse `json:"decisions,omitempty"`
	Rejection      *rejectionResponse `json:"rejection,omitempty"`
	Credential     string             `json:"credential,omitempty"`
	Details        Details            `json:"details"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type timelineEntry struct {
	ActorID int64          `json:"actorId,omitempty"`
	Action  string         `json:"action"`
	Changes map[string]any `json:"changes,omitempty"`
	At      time.Time      `json:"at"`
}

type decisionResponse struct {
	ApproverID   int64     `json:"approverId"`
	ApproverName string    `json:"approverName"`
	Level        int       `json:"level"`
	Remarks      string    `json:"remarks,omitempty"`
	DecidedAt    time.Time `json:"decidedAt"`
}

type rejectionResponse struct {
	ApproverID   int64     `json:"approverId"`
	ApproverName string    `json:"approverName"`
	Remarks      string    `json:"remarks,omitempty"`
	RejectedAt   time.Time `json:"rejectedAt"`
}

func toPassResponse(p Pass) passResponse {
	resp := passResponse{
		ID:             p.ID,
		Number:         p.Number,
		Type:           string(p.Type),
		TenantID:       p.TenantID,
		SiteID:         p.SiteID,
		Requester:      p.Requester,
		HostID:         p.HostID,
		Status:         string(p.Status),
		Purpose:        p.Purpose,
		Remarks:        p.Remarks,
		ValidFrom:      p.ValidFrom,
		ValidTo:        p.ValidTo,
		ApprovalLevel:  p.ApprovalLevel,
		RequiredLevels: p.RequiredLevels,
		Details:        p.Details,
		CreatedAt:      p.CreatedAt,
	}
	for _, d := range p.Decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse(d))
	}
	if p.Rejection != nil {
		r := rejectionResponse(*p.Rejection)
		resp.Rejection = &r
	}
	if p.Credential != nil {
		resp.Credential = p.Credential.Token
	}
	return resp
}
