package catalog

import (
	"log/slog"
	"net/http"

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

// Routes mounts the book, author and genre endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.HandleListBooks)
	r.Post("/books", h.HandleCreateBook)
	r.Get("/books/{id}", h.HandleGetBook)
	r.Put("/books/{id}", h.HandleUpdateBook)
	r.Delete("/books/{id}", h.HandleDeleteBook)
	r.Post("/books/{id}/email", h.HandleEmailBook)

	r.Get("/authors", h.HandleListAuthors)
	r.Post("/authors", h.HandleCreateAuthor)
	r.Get("/authors/{id}", h.HandleGetAuthor)
	r.Put("/authors/{id}", h.HandleUpdateAuthor)
	r.Delete("/authors/{id}", h.HandleDeleteAuthor)

	r.Get("/genres", h.HandleListGenres)
	r.Post("/genres", h.HandleCreateGenre)
	r.Delete("/genres/{id}", h.HandleDeleteGenre)
}

// AuthorDTO is the wire form of an author.
type AuthorDTO struct {
	ID          uuid.UUID `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Name        string    `json:"name"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	DateOfDeath string    `json:"date_of_death,omitempty"`
	Picture     string    `json:"picture"`
}

func toAuthorDTO(a *Author) AuthorDTO {
	return AuthorDTO{
		ID:          a.ID,
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Name:        a.Name(),
		DateOfBirth: clock.FormatDate(a.DateOfBirth),
		DateOfDeath: clock.FormatDate(a.DateOfDeath),
		Picture:     a.Picture,
	}
}

// authorRequest carries dates as YYYY-MM-DD strings.
type authorRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	DateOfDeath string `json:"date_of_death"`
	Picture     string `json:"picture"`
}

func (req authorRequest) input() (AuthorInput, error) {
	in := AuthorInput{FirstName: req.FirstName, LastName: req.LastName, Picture: req.Picture}
	if req.DateOfBirth != "" {
		d, err := clock.ParseDate(req.DateOfBirth)
		if err != nil {
			return in, apperr.Field("date_of_birth", "enter a valid date")
		}
		in.DateOfBirth = &d
	}
	if req.DateOfDeath != "" {
		d, err := clock.ParseDate(req.DateOfDeath)
		if err != nil {
			return in, apperr.Field("date_of_death", "enter a valid date")
		}
		in.DateOfDeath = &d
	}
	return in, nil
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.ListBooks(r.Context(), auth.PrincipalFrom(r.Context()), r.URL.Query().Get("q"), web.PageRequest(r))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleCreateBook(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := web.DecodeJSON(r, &in); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	book, err := h.service.CreateBook(r.Context(), auth.PrincipalFrom(r.Context()), in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", web.BasePath+"/books/"+book.ID.String())
	web.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	var in BookInput
	if err := web.DecodeJSON(r, &in); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), auth.PrincipalFrom(r.Context()), id, in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteBook(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEmailBook redirects to the customer dashboard on success. Delivery
// failures redirect to the index through the error mapping.
func (h *Handler) HandleEmailBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.EmailBookFile(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	http.Redirect(w, r, web.BasePath+"/dashboard/customer", http.StatusSeeOther)
}

func (h *Handler) HandleListAuthors(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.ListAuthors(r.Context(), auth.PrincipalFrom(r.Context()), r.URL.Query().Get("q"), web.PageRequest(r))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, paging.Map(page, toAuthorDTO))
}

func (h *Handler) HandleGetAuthor(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	author, books, err := h.service.GetAuthor(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	if books == nil {
		books = []*Book{}
	}
	web.WriteJSON(w, http.StatusOK, struct {
		AuthorDTO
		Books []*Book `json:"books"`
	}{toAuthorDTO(author), books})
}

func (h *Handler) HandleCreateAuthor(w http.ResponseWriter, r *http.Request) {
	var req authorRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	author, err := h.service.CreateAuthor(r.Context(), auth.PrincipalFrom(r.Context()), in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", web.BasePath+"/authors/"+author.ID.String())
	web.WriteJSON(w, http.StatusCreated, toAuthorDTO(author))
}

func (h *Handler) HandleUpdateAuthor(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	var req authorRequest
	if err := web.DecodeJSON(r, &req); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	author, err := h.service.UpdateAuthor(r.Context(), auth.PrincipalFrom(r.Context()), id, in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, toAuthorDTO(author))
}

func (h *Handler) HandleDeleteAuthor(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteAuthor(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListGenres(w http.ResponseWriter, r *http.Request) {
	genres, err := h.service.ListGenres(r.Context(), auth.PrincipalFrom(r.Context()))
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"data": genres})
}

func (h *Handler) HandleCreateGenre(w http.ResponseWriter, r *http.Request) {
	var in GenreInput
	if err := web.DecodeJSON(r, &in); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	genre, err := h.service.CreateGenre(r.Context(), auth.PrincipalFrom(r.Context()), in)
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusCreated, genre)
}

func (h *Handler) HandleDeleteGenre(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathUUID(r, "id")
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteGenre(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
