package redistricting

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.ListPlans)
	r.Post("/", h.CreatePlan)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetPlan)
		r.Patch("/districts/{districtID}", h.UpdateDistrict)

		r.Post("/submit", h.transition("submit plan", h.Service.Submit))
		r.Post("/approve", h.transition("approve plan", h.Service.Approve))
		r.Post("/reject", h.transition("reject plan", h.Service.Reject))
		r.Post("/copy", h.CopyPlan)

		r.Post("/validate", h.ValidatePlan)
		r.Post("/calculate-metrics", h.CalculateMetrics)
		r.Get("/metrics", h.GetMetrics)
		r.Post("/compare", h.ComparePlans)
		r.Post("/export/{format}", h.ExportPlan)
	})

	return r
}

// SetupUploadRoutes mounts at /upload.
func SetupUploadRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Post("/shapefile", h.UploadShapefile)
	return r
}
