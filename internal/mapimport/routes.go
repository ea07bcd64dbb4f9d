package mapimport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EmpoweredVote/HZ-Backend/internal/middleware"
)

func SetupRoutes(h *Handler, adminKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.AdminKeyMiddleware(adminKey))

	r.Post("/", h.StartImport)
	r.Get("/", h.ListImports)
	r.Get("/{importID}", h.GetImport)

	return r
}
