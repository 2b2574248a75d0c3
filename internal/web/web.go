// Package web holds the JSON and error plumbing shared by the HTTP handlers.
package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"locallibrary/internal/apperr"
	"locallibrary/internal/paging"
)

// BasePath prefixes every API route.
const BasePath = "/api/v1"

// LoginPath is where anonymous callers are sent.
const LoginPath = BasePath + "/login"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type httpError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorCode writes the standard error envelope.
func WriteErrorCode(w http.ResponseWriter, status int, code, msg, field string) {
	e := httpError{}
	e.Error.Code = code
	e.Error.Message = msg
	e.Error.Field = field
	WriteJSON(w, status, e)
}

// WriteError maps a service error to its HTTP response. Anything that is
// not one of the apperr kinds is logged and answered with a bare 500.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var fe *apperr.FieldError
	switch {
	case errors.As(err, &fe):
		WriteErrorCode(w, http.StatusBadRequest, "VALIDATION", fe.Message, fe.Field)
	case errors.Is(err, apperr.ErrValidation):
		WriteErrorCode(w, http.StatusBadRequest, "VALIDATION", err.Error(), "")
	case errors.Is(err, apperr.ErrUnauthenticated):
		RedirectToLogin(w, r)
	case errors.Is(err, apperr.ErrForbidden):
		WriteErrorCode(w, http.StatusForbidden, "FORBIDDEN", "permission denied", "")
	case errors.Is(err, apperr.ErrNotFound):
		WriteErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error(), "")
	case errors.Is(err, apperr.ErrConflict):
		WriteErrorCode(w, http.StatusConflict, "CONFLICT", "the record was changed concurrently, try again", "")
	case errors.Is(err, apperr.ErrRateLimited):
		WriteErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", "")
	case errors.Is(err, apperr.ErrNotification):
		http.Redirect(w, r, BasePath+"/", http.StatusSeeOther)
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteErrorCode(w, http.StatusInternalServerError, "INTERNAL", "internal server error", "")
	}
}

// RedirectToLogin sends the caller to the login endpoint, remembering the
// page they asked for.
func RedirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

// DecodeJSON reads the request body into v. Malformed bodies are reported as
// validation errors.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", apperr.ErrValidation, err)
	}
	return nil
}

// PathUUID parses the named chi URL parameter. An unparseable id can never
// exist, so it is reported as not found.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.NotFound(name, raw)
	}
	return id, nil
}

// PageRequest reads the page query parameter. Invalid values fall back to
// the first page. The size is left unset so the configured page size of
// each listing applies; clients cannot choose it.
func PageRequest(r *http.Request) paging.Request {
	n, _ := strconv.Atoi(r.URL.Query().Get("page"))
	return paging.Request{Number: n}
}
