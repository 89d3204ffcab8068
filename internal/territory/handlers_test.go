package territory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/tasks"
)

func newServer(t *testing.T) (*httptest.Server, *Handlers, *MemoryStore) {
	t.Helper()
	e, s := newEngine(t, nil)
	m := tasks.NewManager(tasks.NewMemoryStore(time.Hour), tasks.NopPublisher{}, 2)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	h := &Handlers{Store: s, Engine: e, Tasks: m, AsyncThreshold: 3, TaskTimeout: time.Minute}
	r := chi.NewRouter()
	r.Mount("/territories", SetupRoutes(h))
	r.Mount("/voters", SetupVoterRoutes(h))
	r.Mount("/tasks", tasks.SetupRoutes(m))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h, s
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
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

const westGeoJSON = `{"type":"Polygon","coordinates":[[[-86.2,39.7],[-86.1,39.7],[-86.1,39.8],[-86.2,39.8],[-86.2,39.7]]]}`

func TestCreateAndGetTerritory(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/territories",
		`{"name":"West","type":"precinct","geometry":`+westGeoJSON+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "Polygon", body["geometry"].(map[string]any)["type"])

	resp, body = do(t, http.MethodGet, srv.URL+"/territories/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "West", body["name"])
	assert.EqualValues(t, 0, body["voter_count"])

	resp, body = do(t, http.MethodGet, srv.URL+"/territories/locate?lat=39.75&lng=-86.15", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{id}, body["territory_ids"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/territories/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/territories/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTerritoryRejectsBadInput(t *testing.T) {
	srv, _, _ := newServer(t)

	open := `{"type":"Polygon","coordinates":[[[-86.2,39.7],[-86.1,39.7],[-86.1,39.8],[-86.2,39.8]]]}`
	resp, body := do(t, http.MethodPost, srv.URL+"/territories", `{"name":"Open","type":"custom","geometry":`+open+`}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["errors"])

	resp, body = do(t, http.MethodPost, srv.URL+"/territories",
		`{"name":"West","type":"precinct","colour":"red","geometry":`+westGeoJSON+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["errors"].([]any)[0], "colour")

	resp, _ = do(t, http.MethodPost, srv.URL+"/territories", `{"name":"West","type":"ward","geometry":`+westGeoJSON+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAssignVotersEndpoint(t *testing.T) {
	srv, h, s := newServer(t)
	west := addTerritory(t, h.Engine, s, "West", TypePrecinct, westPrecinct)

	resp, body := do(t, http.MethodPost, srv.URL+"/voters",
		`{"voters":[{"id":"v1","lat":39.75,"lng":-86.15,"party":"D"},{"id":"v2","lat":39.75,"lng":-85.0}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["upserted"])

	url := srv.URL + "/territories/" + west.String() + "/assign-voters"
	resp, body = do(t, http.MethodPost, url, `{"voter_ids":["v1","v2"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["assigned"], 1)
	conflicts := body["conflicts"].([]any)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "outside_territory", conflicts[0].(map[string]any)["reason"])

	resp, body = do(t, http.MethodPost, url, `{"voter_ids":["v1"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["unchanged"], 1)

	resp, _ = do(t, http.MethodPost, url, `{"voter_ids":["v1"],"criteria":{"by_proximity":true}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/territories/"+west.String()+"/assignments", nil)
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()
	var as []VoterAssignment
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&as))
	require.Len(t, as, 1)
	assert.Equal(t, "v1", as[0].VoterID)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/territories/"+west.String()+"/assignments/v1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/territories/"+west.String()+"/assignments/v1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssignVotersRunsAsTaskAboveThreshold(t *testing.T) {
	srv, h, s := newServer(t)
	west := addTerritory(t, h.Engine, s, "West", TypePrecinct, westPrecinct)
	for _, id := range []string{"a", "b", "c", "d"} {
		addVoters(t, s, voterAt(id, -86.15, 39.75))
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/territories/"+west.String()+"/assign-voters",
		`{"voter_ids":["a","b","c","d"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID := body["id"].(string)
	assert.Equal(t, "/tasks/"+taskID, resp.Header.Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.Tasks.Wait(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCompleted, task.State)

	var res AssignmentResult
	require.NoError(t, json.Unmarshal(task.Result, &res))
	assert.Len(t, res.Assigned, 4)

	resp, body = do(t, http.MethodGet, srv.URL+"/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["state"])
}

func TestSpatialQueryEndpoint(t *testing.T) {
	srv, h, s := newServer(t)
	west := addTerritory(t, h.Engine, s, "West", TypePrecinct, westPrecinct)
	addVoters(t, s, voterAt("v1", -86.15, 39.75), voterAt("v2", -86.205, 39.75))

	url := srv.URL + "/territories/" + west.String() + "/spatial-query"
	resp, body := do(t, http.MethodPost, url, `{"query_type":"nearby","radius_meters":1000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])

	resp, _ = do(t, http.MethodPost, url, `{"query_type":"nearby"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, url, `{"query_type":"within","filters":{"gender":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
