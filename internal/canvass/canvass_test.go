package canvass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/EV-Districts/internal/geoio"
	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/routing"
	"github.com/EmpoweredVote/EV-Districts/internal/territory"
)

func located(id string, lng, lat float64) territory.Voter {
	return territory.Voter{ID: id, Address: id + " Main St", Lat: &lat, Lng: &lng}
}

// fixture: four voters on one street, stored out of order, plus one voter
// with no coordinates.
func newService(t *testing.T) (*Service, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ts := territory.NewMemoryStore()

	hex, err := geoio.ToEWKBHex(geometry.NewPolygon(orb.Polygon{{
		{-86.2, 39.7}, {-86.1, 39.7}, {-86.1, 39.8}, {-86.2, 39.8}, {-86.2, 39.7},
	}}))
	require.NoError(t, err)
	tr := territory.Territory{ID: uuid.New(), Name: "West", Type: territory.TypePrecinct, Geometry: hex}
	require.NoError(t, ts.CreateTerritory(ctx, &tr))
	require.NoError(t, ts.UpsertVoters(ctx, []territory.Voter{
		located("a", -86.150, 39.75),
		located("b", -86.149, 39.75),
		located("c", -86.148, 39.75),
		located("d", -86.147, 39.75),
		{ID: "nocoords", Address: "unknown"},
	}))

	opts := routing.DefaultOptions()
	return &Service{Store: NewMemoryStore(), Voters: ts, Defaults: opts}, tr.ID
}

func order(r *CanvassRoute) []string {
	out := make([]string, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.VoterID
	}
	return out
}

func TestGenerateRouteVisitsInStreetOrder(t *testing.T) {
	ctx := context.Background()
	s, tid := newService(t)
	wl, err := s.CreateWalkList(ctx, CreateWalkListRequest{
		Name: "Morning", TerritoryID: tid, VoterIDs: []string{"a", "d", "nocoords", "b", "c"},
	})
	require.NoError(t, err)

	rt, err := s.GenerateRoute(ctx, wl.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order(rt))
	assert.Equal(t, []string{"nocoords"}, []string(rt.Skipped))
	assert.Equal(t, routing.Shortest, rt.OptimizationType)
	assert.True(t, rt.IsOptimized)
	// three legs of ~85 m each
	assert.InDelta(t, 0.256, rt.TotalDistanceKm, 0.01)
	assert.Equal(t, 1, rt.Points[0].OrderIndex)

	latest, err := s.Store.LatestRoute(ctx, wl.ID)
	require.NoError(t, err)
	assert.Equal(t, rt.ID, latest.ID)
}

func TestCreateWalkListRejectsUnknownVoters(t *testing.T) {
	s, tid := newService(t)
	_, err := s.CreateWalkList(context.Background(), CreateWalkListRequest{
		Name: "x", TerritoryID: tid, VoterIDs: []string{"a", "ghost"},
	})
	var ue *UnknownVotersError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"ghost"}, ue.IDs)

	_, err = s.CreateWalkList(context.Background(), CreateWalkListRequest{
		Name: "x", TerritoryID: uuid.New(), VoterIDs: []string{"a"},
	})
	assert.ErrorIs(t, err, territory.ErrNotFound)
}

func TestCreateWalkListDropsRepeatedVoters(t *testing.T) {
	ctx := context.Background()
	s, tid := newService(t)
	wl, err := s.CreateWalkList(ctx, CreateWalkListRequest{
		Name: "Dupes", TerritoryID: tid, VoterIDs: []string{"c", "a", "c", "b", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, []string(wl.VoterIDs))

	rt, err := s.GenerateRoute(ctx, wl.ID)
	require.NoError(t, err)
	assert.Len(t, rt.Points, 3)
	assert.Empty(t, rt.Skipped)
}

func TestOptimizeRouteWalkingFallback(t *testing.T) {
	ctx := context.Background()
	s, tid := newService(t)
	wl, err := s.CreateWalkList(ctx, CreateWalkListRequest{Name: "x", TerritoryID: tid, VoterIDs: []string{"a", "c", "b", "d"}})
	require.NoError(t, err)

	rt, err := s.OptimizeRoute(ctx, wl.ID, OptimizeRequest{OptimizationType: routing.Walking})
	require.NoError(t, err)
	assert.False(t, rt.IsOptimized)
	assert.Equal(t, routing.Walking, rt.OptimizationType)

	no := false
	_, err = s.OptimizeRoute(ctx, wl.ID, OptimizeRequest{OptimizationType: routing.Walking, AllowFallback: &no})
	var re *routing.RouteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, routing.KindMissingGraph, re.Kind)
}

func TestOptimizeRouteOverWalkingGraph(t *testing.T) {
	ctx := context.Background()
	s, tid := newService(t)
	wl, err := s.CreateWalkList(ctx, CreateWalkListRequest{Name: "x", TerritoryID: tid, VoterIDs: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)

	graph := &routing.WalkGraphInput{
		Nodes: [][2]float64{{-86.150, 39.75}, {-86.149, 39.75}, {-86.148, 39.75}, {-86.147, 39.75}},
		Edges: [][2]int{{0, 1}, {1, 2}, {2, 3}},
	}
	rt, err := s.OptimizeRoute(ctx, wl.ID, OptimizeRequest{OptimizationType: routing.Walking, WalkingGraph: graph})
	require.NoError(t, err)
	assert.True(t, rt.IsOptimized)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order(rt))

	bad := &routing.WalkGraphInput{Nodes: [][2]float64{{0, 0}}, Edges: [][2]int{{0, 5}}}
	_, err = s.OptimizeRoute(ctx, wl.ID, OptimizeRequest{WalkingGraph: bad})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWalkListHandlers(t *testing.T) {
	s, tid := newService(t)
	r := chi.NewRouter()
	r.Mount("/walk-lists", SetupRoutes(s))
	srv := httptest.NewServer(r)
	defer srv.Close()

	post := func(path, body string) *http.Response {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post("/walk-lists", `{"name":"Morning","territory_id":"`+tid.String()+`","voter_ids":["a","b"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wl WalkList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wl))
	resp.Body.Close()

	resp = post("/walk-lists", `{"name":"Dup","territory_id":"`+tid.String()+`","voter_ids":["a","a"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = post("/walk-lists", `{"name":"Ghost","territory_id":"`+tid.String()+`","voter_ids":["ghost"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/walk-lists/" + wl.ID.String() + "/route")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = post("/walk-lists/"+wl.ID.String()+"/generate-route", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post("/walk-lists/"+wl.ID.String()+"/optimize-route", `{"optimization_type":"fastest","mode":"driving"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rt CanvassRoute
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rt))
	resp.Body.Close()
	assert.Equal(t, routing.Fastest, rt.OptimizationType)
	assert.Len(t, rt.Points, 2)

	resp = post("/walk-lists/"+wl.ID.String()+"/optimize-route", `{"optimization_type":"scenic"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
