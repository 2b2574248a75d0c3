package circulation

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/clock"
	"locallibrary/internal/paging"
	"locallibrary/internal/web"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes mounts the instance, loan and dashboard endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/instances", h.HandleCreateInstance)
	r.Post("/instances/status", h.HandleSetStatus)
	r.Get("/instances/{id}", h.HandleGetInstance)
	r.Delete("/instances/{id}", h.HandleDeleteInstance)
	r.Post("/instances/{id}/borrow", h.HandleBorrow)
	r.Post("/instances/{id}/return", h.HandleReturn)
	r.Get("/instances/{id}/renew", h.HandleProposeRenewal)
	r.Post("/instances/{id}/renew", h.HandleRenew)
	r.Get("/instances/{id}/history", h.HandleHistory)
	r.Get("/books/{id}/instances", h.HandleBookInstances)
	r.Get("/dashboard/staff", h.HandleStaffDashboard)
	r.Get("/dashboard/customer", h.HandleCustomerDashboard)
	r.Get("/events", h.HandleFeed)
}

// InstanceDTO is the wire form of a book instance.
type InstanceDTO struct {
	ID          uuid.UUID  `json:"id"`
	BookID      *uuid.UUID `json:"book_id"`
	Imprint     string     `json:"imprint"`
	DueBack     string     `json:"due_back,omitempty"`
	BorrowerID  *uuid.UUID `json:"borrower_id"`
	Status      Status     `json:"status"`
	StatusLabel string     `json:"status_label"`
	IsOverdue   bool       `json:"is_overdue"`
	Version     int        `json:"version"`
}

func toDTO(b *BookInstance, today time.Time) InstanceDTO {
	return InstanceDTO{
		ID:          b.ID,
		BookID:      b.BookID,
		Imprint:     b.Imprint,
		DueBack:     clock.FormatDate(b.DueBack),
		BorrowerID:  b.BorrowerID,
		Status:      b.Status,
		StatusLabel: b.Status.Label(),
		IsOverdue:   b.IsOverdue(today),
		Version:     b.Version,
	}
}

func (h *Handler) writeInstance(w http.ResponseWriter, status int, b *BookInstance) {
	web.WriteJSON(w, status, toDTO(b, h.service.Today()))
}

func (h *Handler) writePage(w http.ResponseWriter, page paging.Page[*BookInstance]) {
	today := h.service.Today()
	web.WriteJSON(w, http.StatusOK, paging.Map(page, func(b *BookInstance) InstanceDTO { return toDTO(b, today) }))
}

func (h *Handler) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreateInstanceInput
		DueBack string `json:"due_back"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	in := req.CreateInstanceInput
	if req.DueBack != "" {
		d, err := clock.ParseDate(req.DueBack)
		if err != nil {
			web.WriteError(w, r, h.logger, apperr.Field("due_back", "enter a valid date"))
			return
		}
		in.DueBack = &d
	}

	inst, err := h.service.CreateInstance(r.Context(), auth.PrincipalFrom(r.Context()), in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", web.BasePath+"/instances/"+inst.ID.String())
	h.writeInstance(w, http.StatusCreated, inst)
}

func (h *Handler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	inst, err := h.service.GetInstance(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writeInstance(w, http.StatusOK, inst)
}

func (h *Handler) HandleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteInstance(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	inst, err := h.service.Borrow(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writeInstance(w, http.StatusOK, inst)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	inst, err := h.service.Return(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writeInstance(w, http.StatusOK, inst)
}

func (h *Handler) HandleProposeRenewal(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	proposal, err := h.service.ProposeRenewal(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	due := proposal.DueBack
	web.WriteJSON(w, http.StatusOK, struct {
		Instance        InstanceDTO `json:"instance"`
		ProposedDueBack string      `json:"proposed_due_back"`
	}{toDTO(proposal.Instance, h.service.Today()), clock.FormatDate(&due)})
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		web.RedirectToLogin(w, r)
		return
	}

	var req struct {
		DueBack string `json:"due_back"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	if req.DueBack == "" {
		web.WriteError(w, r, h.logger, apperr.Field("due_back", "this field is required"))
		return
	}
	proposed, err := clock.ParseDate(req.DueBack)
	if err != nil {
		web.WriteError(w, r, h.logger, apperr.Field("due_back", "enter a valid date"))
		return
	}

	inst, err := h.service.Renew(r.Context(), p, id, proposed)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writeInstance(w, http.StatusOK, inst)
}

func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []uuid.UUID `json:"ids"`
		Status string      `json:"status"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	updated, err := h.service.SetStatus(r.Context(), auth.PrincipalFrom(r.Context()), req.IDs, Status(req.Status))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	events, err := h.service.History(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *Handler) HandleBookInstances(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	instances, err := h.service.ListBookInstances(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	today := h.service.Today()
	out := make([]InstanceDTO, len(instances))
	for i, b := range instances {
		out[i] = toDTO(b, today)
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) HandleStaffDashboard(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.StaffDashboard(r.Context(), auth.PrincipalFrom(r.Context()), web.PageRequest(r))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writePage(w, page)
}

func (h *Handler) HandleCustomerDashboard(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.CustomerDashboard(r.Context(), auth.PrincipalFrom(r.Context()), web.PageRequest(r))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	h.writePage(w, page)
}

func (h *Handler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := h.service.Feed(r.Context(), auth.PrincipalFrom(r.Context()), after, limit)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}
