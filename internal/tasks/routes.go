package tasks

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EmpoweredVote/EV-Districts/internal/utils"
)

// SetupRoutes exposes polling and cancellation.
func SetupRoutes(m *Manager) http.Handler {
	r := chi.NewRouter()
	r.Get("/{id}", getTaskHandler(m))
	r.Delete("/{id}", cancelTaskHandler(m))
	return r
}

func getTaskHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := m.Get(r.Context(), chi.URLParam(r, "id"))
		writeTask(w, t, err, http.StatusOK)
	}
}

func cancelTaskHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := m.Cancel(r.Context(), chi.URLParam(r, "id"))
		writeTask(w, t, err, http.StatusAccepted)
	}
}

func writeTask(w http.ResponseWriter, t Task, err error, status int) {
	switch {
	case errors.Is(err, ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "Task not found")
	case err != nil:
		utils.WriteError(w, http.StatusInternalServerError, "Task store error")
	default:
		if t.State.Terminal() {
			status = http.StatusOK
		}
		utils.WriteJSON(w, status, t)
	}
}

// Accepted answers a request that was turned into a task.
func Accepted(w http.ResponseWriter, t Task) {
	w.Header().Set("Location", "/tasks/"+t.ID)
	utils.WriteJSON(w, http.StatusAccepted, t)
}
