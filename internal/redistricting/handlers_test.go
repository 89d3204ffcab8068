package redistricting

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
)

func newServer(t *testing.T) (*httptest.Server, *Handlers) {
	t.Helper()
	s, _, _ := newService(t)
	m := tasks.NewManager(tasks.NewMemoryStore(time.Hour), tasks.NopPublisher{}, 2)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	h := &Handlers{Service: s, Tasks: m, TaskTimeout: time.Minute}
	r := chi.NewRouter()
	r.Mount("/plans", SetupRoutes(h))
	r.Mount("/upload", SetupUploadRoutes(h))
	r.Mount("/tasks", tasks.SetupRoutes(m))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createBody() string {
	return `{"name":"Indiana 2031","state":"IN","state_population":300000,"districts":` + string(threeDistricts()) + `}`
}

func TestPlanHandlers(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/plans", createBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	districts := body["districts"].([]any)
	require.Len(t, districts, 3)
	first := districts[0].(map[string]any)
	assert.Equal(t, "Polygon", first["geometry"].(map[string]any)["type"])
	did := first["id"].(string)

	resp, body = do(t, http.MethodGet, srv.URL+"/plans/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "draft", body["status"])

	resp, body = do(t, http.MethodPatch, srv.URL+"/plans/"+id+"/districts/"+did, `{"geometry_version":0,"name":"Northwest"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["geometry_version"])

	resp, _ = do(t, http.MethodPatch, srv.URL+"/plans/"+id+"/districts/"+did, `{"geometry_version":0,"name":"Stale"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPatch, srv.URL+"/plans/"+id+"/districts/"+did, `{"geometry_version":1,"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["errors"])

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/validate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Empty(t, body["errors"])

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/calculate-metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 4.0, body["population_deviation"].(float64), 1e-9)
	assert.EqualValues(t, 1, body["geometry_version"])
	assert.NotEmpty(t, resp.Header.Get("Server-Timing"))

	resp, body = do(t, http.MethodGet, srv.URL+"/plans/"+id+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["plan_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/copy", `{"name":"Alt"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	copyID := body["id"].(string)
	assert.Equal(t, id, body["source_plan_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/compare", `{"compare_to":"`+copyID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 0, body["population_deviation"].(float64), 1e-9)

	resp, _ = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/compare", `{"compare_to":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/export/geojson", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "geojson", body["format"])
	assert.NotEmpty(t, body["url"])
	assert.NotEmpty(t, body["expires_at"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/export/dwg", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/plans?state=IN")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var plans []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&plans))
	assert.Len(t, plans, 2)
}

func TestPlanLifecycleHandlers(t *testing.T) {
	srv, _ := newServer(t)
	_, body := do(t, http.MethodPost, srv.URL+"/plans", createBody())
	id := body["id"].(string)

	resp, _ := do(t, http.MethodPost, srv.URL+"/plans/"+id+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/submit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "in_review", body["status"])

	resp, body = do(t, http.MethodPost, srv.URL+"/plans/"+id+"/reject", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/plans/not-a-uuid/submit", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePlanHandlerRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/plans", `{"name":"x","state":"Indiana","districts":`+string(threeDistricts())+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bowtie := `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,1],[1,0],[0,1],[0,0]]]}}`
	resp, body := do(t, http.MethodPost, srv.URL+"/plans", `{"name":"x","state":"IN","districts":`+string(collection(bowtie))+`}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["errors"])
}

func shapefileUpload(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var features []geoio.Feature
	_, err := geoio.ReadFeatureCollection(bytes.NewReader(threeDistricts()), func(f geoio.Feature) error {
		features = append(features, f)
		return nil
	})
	require.NoError(t, err)
	var zipped bytes.Buffer
	require.NoError(t, geoio.WriteShapefileZip(&zipped, "indiana", features, ""))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "indiana.zip")
	require.NoError(t, err)
	_, err = fw.Write(zipped.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestUploadShapefile(t *testing.T) {
	srv, h := newServer(t)

	body, ct := shapefileUpload(t, map[string]string{"state": "IN", "population_field": "POP"})
	resp, err := http.Post(srv.URL+"/upload/shapefile", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res UploadResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, 3, res.Districts)
	assert.Contains(t, res.Message, "indiana")

	p, err := h.Service.GetPlan(context.Background(), res.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "indiana", p.Name)
	require.Len(t, p.Districts, 3)
	require.NotNil(t, p.Districts[1].Demographics)
	assert.EqualValues(t, 100000, p.Districts[1].Demographics.TotalPopulation)

	body, ct = shapefileUpload(t, map[string]string{"state": "Indiana"})
	resp, err = http.Post(srv.URL+"/upload/shapefile", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/upload/shapefile", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadShapefileAsyncIsIdempotentByKey(t *testing.T) {
	srv, h := newServer(t)
	fields := map[string]string{"state": "IN", "name": "Enacted", "import_key": "enacted-2031"}

	body, ct := shapefileUpload(t, fields)
	resp, err := http.Post(srv.URL+"/upload/shapefile?async=true", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	loc := resp.Header.Get("Location")
	resp.Body.Close()
	require.True(t, strings.HasPrefix(loc, "/tasks/"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.Tasks.Wait(ctx, strings.TrimPrefix(loc, "/tasks/"))
	require.NoError(t, err)
	require.Equal(t, tasks.StateCompleted, task.State)
	var res UploadResult
	require.NoError(t, json.Unmarshal(task.Result, &res))
	assert.Equal(t, ImportedPlanID("IN", "enacted-2031"), res.PlanID)

	body, ct = shapefileUpload(t, fields)
	resp, err = http.Post(srv.URL+"/upload/shapefile", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
