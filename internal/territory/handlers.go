package territory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/schema"
	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
	"github.com/EmpoweredVote/EV-Districts/internal/utils"
)

// Handlers carries what the HTTP layer needs.
type Handlers struct {
	Store  Store
	Engine *Engine
	Tasks  *tasks.Manager
	// AsyncThreshold: assignment requests with more voter ids run as a task.
	AsyncThreshold int
	TaskTimeout    time.Duration
}

type territoryOut struct {
	Territory
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

func render(t Territory, withGeometry bool) (territoryOut, error) {
	out := territoryOut{Territory: t}
	if !withGeometry {
		return out, nil
	}
	g, err := geoio.FromEWKBHex(t.Geometry)
	if err != nil {
		return out, err
	}
	out.Geometry, err = geoio.EncodeGeometry(g)
	return out, err
}

// writeErr maps engine and store errors onto status codes.
func writeErr(w http.ResponseWriter, op string, err error) {
	var ie *geoio.ImportError
	switch {
	case errors.Is(err, ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrConcurrentAssignment):
		utils.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		utils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &ie):
		utils.WriteErrors(w, http.StatusUnprocessableEntity, "Invalid geometry", ie.Messages())
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

func territoryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid territory id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) CreateTerritory(w http.ResponseWriter, r *http.Request) {
	var req CreateTerritoryRequest
	if err := schema.Decode(r, schema.TerritoryCreate, &req); err != nil {
		writeErr(w, "create territory", err)
		return
	}
	g, err := geoio.DecodeGeometry(req.Geometry)
	if err != nil {
		writeErr(w, "create territory", err)
		return
	}
	hex, err := geoio.ToEWKBHex(g)
	if err != nil {
		writeErr(w, "create territory", err)
		return
	}
	t := Territory{
		ID:          uuid.New(),
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Geometry:    hex,
	}
	if err := h.Store.CreateTerritory(r.Context(), &t); err != nil {
		writeErr(w, "create territory", err)
		return
	}
	if err := h.Engine.RebuildIndex(r.Context()); err != nil {
		logger.Err(component, "rebuild index", err)
	}
	out, err := render(t, true)
	if err != nil {
		writeErr(w, "create territory", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, out)
}

func (h *Handlers) ListTerritories(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Store.ListTerritories(r.Context())
	if err != nil {
		writeErr(w, "list territories", err)
		return
	}
	typ := Type(r.URL.Query().Get("type"))
	withGeometry := utils.QueryBool(r, "geometry")
	out := []territoryOut{}
	for _, t := range ts {
		if typ != "" && t.Type != typ {
			continue
		}
		o, err := render(t, withGeometry)
		if err != nil {
			writeErr(w, "list territories", err)
			return
		}
		out = append(out, o)
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetTerritory(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	t, err := h.Store.GetTerritory(r.Context(), id)
	if err != nil {
		writeErr(w, "get territory", err)
		return
	}
	out, err := render(*t, true)
	if err != nil {
		writeErr(w, "get territory", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) DeleteTerritory(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteTerritory(r.Context(), id); err != nil {
		writeErr(w, "delete territory", err)
		return
	}
	if err := h.Engine.RebuildIndex(r.Context()); err != nil {
		logger.Err(component, "rebuild index", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Locate answers GET /territories/locate?lat=..&lng=..
func (h *Handlers) Locate(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		utils.WriteError(w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}
	ids, err := h.Engine.Locate(lat, lng)
	if err != nil {
		writeErr(w, "locate", err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"territory_ids": ids})
}

func (h *Handlers) AssignVoters(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := schema.Decode(r, schema.AssignVoters, &req); err != nil {
		writeErr(w, "assign voters", err)
		return
	}
	if err := req.Criteria.Validate(); err != nil {
		utils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	async := utils.QueryBool(r, "async") || (h.AsyncThreshold > 0 && len(req.VoterIDs) > h.AsyncThreshold)
	if async && h.Tasks != nil {
		// existence is checked up front so a bad id fails fast
		if _, err := h.Store.GetTerritory(r.Context(), id); err != nil {
			writeErr(w, "assign voters", err)
			return
		}
		t, err := h.Tasks.Submit("assign_voters", h.TaskTimeout, func(ctx context.Context, rep tasks.Reporter) (interface{}, error) {
			return h.Engine.AssignVoters(ctx, id, req.VoterIDs, req.Criteria, rep)
		})
		if err != nil {
			utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		tasks.Accepted(w, t)
		return
	}

	start := time.Now()
	res, err := h.Engine.AssignVoters(r.Context(), id, req.VoterIDs, req.Criteria, nil)
	if err != nil {
		writeErr(w, "assign voters", err)
		return
	}
	utils.AddServerTiming(w, "assign", time.Since(start))
	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) SpatialQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	var q SpatialQuery
	if err := schema.Decode(r, schema.SpatialQuery, &q); err != nil {
		writeErr(w, "spatial query", err)
		return
	}
	start := time.Now()
	res, err := h.Engine.SpatialQuery(r.Context(), id, q)
	if err != nil {
		writeErr(w, "spatial query", err)
		return
	}
	utils.AddServerTiming(w, "query", time.Since(start))
	utils.WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetTerritory(r.Context(), id); err != nil {
		writeErr(w, "list assignments", err)
		return
	}
	as, err := h.Store.ListAssignments(r.Context(), id)
	if err != nil {
		writeErr(w, "list assignments", err)
		return
	}
	if as == nil {
		as = []VoterAssignment{}
	}
	utils.WriteJSON(w, http.StatusOK, as)
}

func (h *Handlers) DeactivateAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := territoryID(w, r)
	if !ok {
		return
	}
	a, err := h.Engine.Deactivate(r.Context(), id, chi.URLParam(r, "voter_id"))
	if err != nil {
		writeErr(w, "deactivate assignment", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, a)
}

func (h *Handlers) UpsertVoters(w http.ResponseWriter, r *http.Request) {
	var req UpsertVotersRequest
	if err := schema.Decode(r, schema.VotersUpsert, &req); err != nil {
		writeErr(w, "upsert voters", err)
		return
	}
	voters := make([]Voter, 0, len(req.Voters))
	for _, in := range req.Voters {
		if (in.Lat == nil) != (in.Lng == nil) {
			utils.WriteError(w, http.StatusUnprocessableEntity, "voter "+in.ID+": lat and lng must be given together")
			return
		}
		voters = append(voters, Voter{
			ID:                 in.ID,
			Address:            in.Address,
			Lat:                in.Lat,
			Lng:                in.Lng,
			Party:              in.Party,
			BirthYear:          in.BirthYear,
			VotingHistoryCount: in.VotingHistoryCount,
		})
	}
	if err := h.Store.UpsertVoters(r.Context(), voters); err != nil {
		writeErr(w, "upsert voters", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]int{"upserted": len(voters)})
}
