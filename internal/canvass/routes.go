package canvass

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(s *Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.ListWalkListsHandler)
	r.Post("/", s.CreateWalkListHandler)
	r.Get("/{id}", s.GetWalkListHandler)
	r.Get("/{id}/route", s.GetRouteHandler)
	r.Post("/{id}/generate-route", s.GenerateRouteHandler)
	r.Post("/{id}/optimize-route", s.OptimizeRouteHandler)

	return r
}
