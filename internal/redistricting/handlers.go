package redistricting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
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

type Handlers struct {
	Service     *Service
	Tasks       *tasks.Manager
	TaskTimeout time.Duration
}

type districtOut struct {
	District
	Geometry json.RawMessage `json:"geometry"`
}

type planOut struct {
	Plan
	Districts []districtOut `json:"districts,omitempty"`
}

func render(p *Plan) (planOut, error) {
	out := planOut{Plan: *p}
	out.Plan.Districts = nil
	for _, d := range p.Districts {
		dOut, err := renderDistrict(d)
		if err != nil {
			return out, err
		}
		out.Districts = append(out.Districts, dOut)
	}
	return out, nil
}

func renderDistrict(d District) (districtOut, error) {
	g, err := geoio.FromEWKBHex(d.Geometry)
	if err != nil {
		return districtOut{}, err
	}
	raw, err := geoio.EncodeGeometry(g)
	return districtOut{District: d, Geometry: raw}, err
}

func writeErr(w http.ResponseWriter, op string, err error) {
	var ie *geoio.ImportError
	switch {
	case errors.Is(err, ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrPlanImmutable),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicatePlan):
		utils.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		utils.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &ie):
		if ie.Kind == geoio.KindTooLarge {
			utils.WriteErrors(w, http.StatusRequestEntityTooLarge, "Upload too large", ie.Messages())
			return
		}
		utils.WriteErrors(w, http.StatusUnprocessableEntity, "Import failed", ie.Messages())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
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

func uuidParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writePlan(w http.ResponseWriter, op string, status int, p *Plan) {
	out, err := render(p)
	if err != nil {
		writeErr(w, op, err)
		return
	}
	utils.WriteJSON(w, status, out)
}

func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := schema.Decode(r, schema.PlanCreate, &req); err != nil {
		writeErr(w, "create plan", err)
		return
	}
	p, err := h.Service.CreatePlan(r.Context(), req)
	if err != nil {
		writeErr(w, "create plan", err)
		return
	}
	h.writePlan(w, "create plan", http.StatusCreated, p)
}

func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Service.ListPlans(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		writeErr(w, "list plans", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, ps)
}

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Service.GetPlan(r.Context(), id)
	if err != nil {
		writeErr(w, "get plan", err)
		return
	}
	h.writePlan(w, "get plan", http.StatusOK, p)
}

func (h *Handlers) UpdateDistrict(w http.ResponseWriter, r *http.Request) {
	planID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	districtID, ok := uuidParam(w, r, "districtID")
	if !ok {
		return
	}
	var req UpdateDistrictRequest
	if err := schema.Decode(r, schema.DistrictUpdate, &req); err != nil {
		writeErr(w, "update district", err)
		return
	}
	p, d, err := h.Service.UpdateDistrict(r.Context(), planID, districtID, req)
	if err != nil {
		writeErr(w, "update district", err)
		return
	}
	out, err := renderDistrict(*d)
	if err != nil {
		writeErr(w, "update district", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"district":         out,
		"geometry_version": p.GeometryVersion,
	})
}

func (h *Handlers) transition(op string, fn func(context.Context, uuid.UUID) (*Plan, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		p, err := fn(r.Context(), id)
		if err != nil {
			writeErr(w, op, err)
			return
		}
		utils.WriteJSON(w, http.StatusOK, p)
	}
}

func (h *Handlers) CopyPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := schema.Decode(r, schema.PlanCopy, &req); err != nil {
		writeErr(w, "copy plan", err)
		return
	}
	p, err := h.Service.Copy(r.Context(), id, req.Name)
	if err != nil {
		writeErr(w, "copy plan", err)
		return
	}
	h.writePlan(w, "copy plan", http.StatusCreated, p)
}

func (h *Handlers) ValidatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	rep, err := h.Service.Validate(r.Context(), id)
	if err != nil {
		writeErr(w, "validate plan", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handlers) CalculateMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	start := time.Now()
	m, err := h.Service.CalculateMetrics(r.Context(), id)
	if err != nil {
		writeErr(w, "calculate metrics", err)
		return
	}
	utils.AddServerTiming(w, "score", time.Since(start))
	utils.WriteJSON(w, http.StatusOK, m.Metrics)
}

func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	m, err := h.Service.LatestMetrics(r.Context(), id)
	if err != nil {
		writeErr(w, "get metrics", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, m.Metrics)
}

func (h *Handlers) ComparePlans(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		CompareTo uuid.UUID `json:"compare_to"`
	}
	if err := schema.Decode(r, schema.Compare, &req); err != nil {
		writeErr(w, "compare plans", err)
		return
	}
	cmp, err := h.Service.Compare(r.Context(), id, req.CompareTo)
	if err != nil {
		writeErr(w, "compare plans", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, cmp)
}

func (h *Handlers) ExportPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	format, err := geoio.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	art, err := h.Service.Export(r.Context(), id, format, r.URL.Query().Get("crs"))
	if err != nil {
		writeErr(w, "export plan", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, art)
}

func uploadRequest(r *http.Request) (UploadRequest, error) {
	req := UploadRequest{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		State:       r.FormValue("state"),
		ImportKey:   r.FormValue("import_key"),
		Fields: FieldMap{
			District:            r.FormValue("district_field"),
			Name:                r.FormValue("name_field"),
			Population:          r.FormValue("population_field"),
			VotingAgePopulation: r.FormValue("vap_field"),
			MinorityVAP:         r.FormValue("minority_vap_field"),
			RegisteredVoters:    r.FormValue("registered_field"),
			DemocraticVotes:     r.FormValue("democratic_field"),
			RepublicanVotes:     r.FormValue("republican_field"),
		},
	}
	if len(req.State) != 2 {
		return req, &schema.Error{Errors: []string{"state: must be a two-letter state code"}}
	}
	if v := r.FormValue("state_population"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return req, &schema.Error{Errors: []string{"state_population: must be a non-negative integer"}}
		}
		req.StatePopulation = n
	}
	return req, nil
}

// UploadShapefile takes a multipart .zip in the "file" field. With
// ?async=true the archive is spooled and imported as a task.
func (h *Handlers) UploadShapefile(w http.ResponseWriter, r *http.Request) {
	limit := h.Service.Limits.MaxBytes
	if limit <= 0 {
		limit = geoio.DefaultMaxBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			utils.WriteError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		utils.WriteError(w, http.StatusBadRequest, "Expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := uploadRequest(r)
	if err != nil {
		writeErr(w, "upload shapefile", err)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	if utils.QueryBool(r, "async") && h.Tasks != nil {
		spooled, err := spool(file)
		if err != nil {
			writeErr(w, "upload shapefile", err)
			return
		}
		t, err := h.Tasks.Submit("import_shapefile", h.TaskTimeout, func(ctx context.Context, rep tasks.Reporter) (interface{}, error) {
			defer os.Remove(spooled)
			f, err := os.Open(spooled)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return h.Service.ImportShapefile(ctx, f, req, rep)
		})
		if err != nil {
			os.Remove(spooled)
			utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		tasks.Accepted(w, t)
		return
	}

	res, err := h.Service.ImportShapefile(r.Context(), file, req, nil)
	if err != nil {
		writeErr(w, "upload shapefile", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, res)
}

// spool copies an upload to a temp file that outlives the request.
func spool(src io.Reader) (string, error) {
	f, err := os.CreateTemp("", "upload-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), f.Close()
}
