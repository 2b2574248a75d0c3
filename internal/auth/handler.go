package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"locallibrary/internal/apperr"
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

// Routes mounts the account endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
	r.Get("/login", h.HandleLoginRequired)
	r.Post("/logout", h.HandleLogout)
	r.Get("/me", h.HandleMe)
	r.Delete("/accounts/{id}", h.HandleDeleteAccount)
	r.Put("/accounts/{id}/permissions", h.HandleGrantPermissions)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if err := web.DecodeJSON(r, &in); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	account, err := h.service.Register(r.Context(), in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", web.BasePath+"/me")
	web.WriteJSON(w, http.StatusCreated, account)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	session, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		// A failed login must not bounce back to the login redirect.
		if errors.Is(err, apperr.ErrUnauthenticated) {
			web.WriteErrorCode(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password", "")
			return
		}
		web.WriteError(w, r, h.logger, err)
		return
	}

	web.WriteJSON(w, http.StatusOK, session)
}

// HandleLoginRequired is the landing point of the unauthenticated redirect.
func (h *Handler) HandleLoginRequired(w http.ResponseWriter, r *http.Request) {
	e := map[string]any{
		"error": map[string]string{
			"code":    "LOGIN_REQUIRED",
			"message": "login required",
		},
		"next": r.URL.Query().Get("next"),
	}
	web.WriteJSON(w, http.StatusUnauthorized, e)
}

// HandleLogout answers 204; tokens are discarded client side.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	account, profile, err := h.service.Me(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	web.WriteJSON(w, http.StatusOK, struct {
		Account *Account `json:"account"`
		Profile *Profile `json:"profile,omitempty"`
	}{account, profile})
}

func (h *Handler) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteAccount(r.Context(), PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGrantPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	var req struct {
		Permissions []string `json:"permissions"`
	}
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	perms := make([]Permission, 0, len(req.Permissions))
	for _, name := range req.Permissions {
		p, err := ParsePermission(name)
		if err != nil {
			web.WriteError(w, r, h.logger, apperr.Field("permissions", err.Error()))
			return
		}
		perms = append(perms, p)
	}

	if err := h.service.GrantPermissions(r.Context(), PrincipalFrom(r.Context()), id, perms); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
