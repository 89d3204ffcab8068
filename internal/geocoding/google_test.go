package geocoding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"status":"OK","results":[{"formatted_address":"401 N Morton St, Bloomington, IN 47404, USA",
 "geometry":{"location":{"lat":39.1682,"lng":-86.5346}},
 "address_components":[{"long_name":"47404","short_name":"47404","types":["postal_code"]},
  {"long_name":"Indiana","short_name":"IN","types":["administrative_area_level_1"]},
  {"long_name":"Monroe County","short_name":"Monroe County","types":["administrative_area_level_2"]},
  {"long_name":"Bloomington","short_name":"Bloomington","types":["locality"]}]}]}`

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient("test-key")
	require.NoError(t, err)
	return c.WithEndpoint(srv.URL)
}

func TestNewClientWithoutKey(t *testing.T) {
	c, err := NewClient("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestGeocodeParsesResult(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "401 N Morton St", r.URL.Query().Get("address"))
		fmt.Fprint(w, okBody)
	})

	res, err := c.Geocode(context.Background(), "401 N Morton St")
	require.NoError(t, err)
	assert.Equal(t, "47404", res.Zip)
	assert.Equal(t, "IN", res.State)
	assert.Equal(t, "Bloomington", res.City)
	assert.InDelta(t, -86.5346, res.Lng, 1e-9)
}

func TestGeocodeClassifiesErrors(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("address") {
		case "nowhere":
			fmt.Fprint(w, `{"status":"ZERO_RESULTS","results":[]}`)
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			fmt.Fprint(w, `{"status":"REQUEST_DENIED","results":[]}`)
		}
	})

	_, err := c.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoResults)
	_, err = c.Geocode(context.Background(), "busy")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Geocode(context.Background(), "denied")
	assert.False(t, errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNoResults))
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, okBody)
	})
	r := NewResilient(c, 0, 5)
	r.initial = time.Millisecond

	res, err := r.Geocode(context.Background(), "401 N Morton St")
	require.NoError(t, err)
	assert.Equal(t, "47404", res.Zip)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResilientDoesNotRetryNoResults(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"status":"ZERO_RESULTS","results":[]}`)
	})
	r := NewResilient(c, 0, 5)
	r.initial = time.Millisecond

	_, err := r.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoResults)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResilientGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	r := NewResilient(c, 0, 2)
	r.initial = time.Millisecond

	_, err := r.Geocode(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeocodeLive(t *testing.T) {
	key := os.Getenv("GOOGLE_MAPS_API_KEY")
	if key == "" {
		t.Skip("GOOGLE_MAPS_API_KEY not set")
	}
	c, err := NewClient(key)
	require.NoError(t, err)

	res, err := c.Geocode(context.Background(), "1600 Pennsylvania Ave NW, Washington, DC")
	require.NoError(t, err)
	assert.Equal(t, "DC", res.State)
}
