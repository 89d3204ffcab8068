package canvass

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/routing"
	"github.com/EmpoweredVote/EV-Districts/internal/schema"
	"github.com/EmpoweredVote/EV-Districts/internal/territory"
	"github.com/EmpoweredVote/EV-Districts/internal/utils"
)

func writeErr(w http.ResponseWriter, op string, err error) {
	var (
		re *routing.RouteError
		ue *UnknownVotersError
	)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, territory.ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "Not found")
	case errors.As(err, &ue):
		utils.WriteErrors(w, http.StatusUnprocessableEntity, "Unknown voters", ue.IDs)
	case errors.Is(err, ErrInvalidRequest):
		utils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &re) && re.Kind == routing.KindCancelled:
		utils.WriteError(w, http.StatusServiceUnavailable, "Route optimization cancelled")
	case errors.As(err, &re) && re.Kind != routing.KindIntegrity:
		utils.WriteError(w, http.StatusUnprocessableEntity, re.Error())
	case errors.Is(err, context.Canceled):
		utils.WriteError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		if se, ok := schema.IsSchemaError(err); ok {
			utils.WriteErrors(w, http.StatusBadRequest, "Invalid request body", se.Errors)
			return
		}
		logger.Err(component, op, err)
		utils.WriteError(w, http.StatusInternalServerError, "Internal error")
	}
}

func walkListID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid walk list id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Service) CreateWalkListHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateWalkListRequest
	if err := schema.Decode(r, schema.WalkListCreate, &req); err != nil {
		writeErr(w, "create walk list", err)
		return
	}
	wl, err := s.CreateWalkList(r.Context(), req)
	if err != nil {
		writeErr(w, "create walk list", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, wl)
}

func (s *Service) ListWalkListsHandler(w http.ResponseWriter, r *http.Request) {
	var tid uuid.UUID
	if raw := r.URL.Query().Get("territory_id"); raw != "" {
		var err error
		if tid, err = uuid.Parse(raw); err != nil {
			utils.WriteError(w, http.StatusBadRequest, "Invalid territory_id")
			return
		}
	}
	lists, err := s.Store.ListWalkLists(r.Context(), tid)
	if err != nil {
		writeErr(w, "list walk lists", err)
		return
	}
	if lists == nil {
		lists = []WalkList{}
	}
	utils.WriteJSON(w, http.StatusOK, lists)
}

func (s *Service) GetWalkListHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := walkListID(w, r)
	if !ok {
		return
	}
	wl, err := s.Store.GetWalkList(r.Context(), id)
	if err != nil {
		writeErr(w, "get walk list", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, wl)
}

func (s *Service) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := walkListID(w, r)
	if !ok {
		return
	}
	rt, err := s.Store.LatestRoute(r.Context(), id)
	if err != nil {
		writeErr(w, "get route", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, rt)
}

func (s *Service) GenerateRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := walkListID(w, r)
	if !ok {
		return
	}
	start := time.Now()
	rt, err := s.GenerateRoute(r.Context(), id)
	if err != nil {
		writeErr(w, "generate route", err)
		return
	}
	utils.AddServerTiming(w, "route", time.Since(start))
	utils.WriteJSON(w, http.StatusCreated, rt)
}

func (s *Service) OptimizeRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := walkListID(w, r)
	if !ok {
		return
	}
	var req OptimizeRequest
	if err := schema.Decode(r, schema.OptimizeRoute, &req); err != nil {
		writeErr(w, "optimize route", err)
		return
	}
	start := time.Now()
	rt, err := s.OptimizeRoute(r.Context(), id, req)
	if err != nil {
		writeErr(w, "optimize route", err)
		return
	}
	utils.AddServerTiming(w, "route", time.Since(start))
	utils.WriteJSON(w, http.StatusCreated, rt)
}
