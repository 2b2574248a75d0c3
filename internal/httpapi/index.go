package httpapi

import (
	"log/slog"
	"net/http"

	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/web"
)

type indexHandler struct {
	catalog     catalog.Service
	circulation circulation.Service
	logger      *slog.Logger
}

// IndexDTO is the landing page summary.
type IndexDTO struct {
	Books              int `json:"num_books"`
	Instances          int `json:"num_instances"`
	InstancesAvailable int `json:"num_instances_available"`
	Authors            int `json:"num_authors"`
}

func (h *indexHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	books, err := h.catalog.Counts(r.Context())
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	instances, err := h.circulation.Counts(r.Context())
	if err != nil {
		web.WriteError(w, r, h.logger, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, IndexDTO{
		Books:              books.Books,
		Instances:          instances.Instances,
		InstancesAvailable: instances.InstancesAvailable,
		Authors:            books.Authors,
	})
}
