package territory

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.ListTerritories)
	r.Post("/", h.CreateTerritory)
	r.Get("/locate", h.Locate)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetTerritory)
		r.Delete("/", h.DeleteTerritory)
		r.Post("/assign-voters", h.AssignVoters)
		r.Post("/spatial-query", h.SpatialQuery)
		r.Get("/assignments", h.ListAssignments)
		r.Delete("/assignments/{voter_id}", h.DeactivateAssignment)
	})

	return r
}

// SetupVoterRoutes mounts at /voters.
func SetupVoterRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.UpsertVoters)
	return r
}
