package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKeyIsStable(t *testing.T) {
	a := ContentKey("plans/p1", []byte("hello"), ".kml")
	b := ContentKey("plans/p1", []byte("hello"), ".kml")
	c := ContentKey("plans/p1", []byte("hello!"), ".kml")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "plans/p1/"))
	assert.True(t, strings.HasSuffix(a, ".kml"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(a, "plans/p1/"), ".kml"), 64)
}

func TestPublishAndServe(t *testing.T) {
	s := NewMemoryStore("http://localhost:5050/artifacts")
	art, err := Publish(context.Background(), s, "plans/p1", "csv", ".csv", "text/csv", []byte("id,wkt\n"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "csv", art.Format)
	assert.Equal(t, int64(7), art.Size)
	assert.WithinDuration(t, time.Now().Add(time.Hour), art.ExpiresAt, 2*time.Second)
	assert.Contains(t, art.URL, art.Key)

	h := http.StripPrefix("/artifacts", s.Handler())
	path := strings.TrimPrefix(art.URL, "http://localhost:5050")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "id,wkt\n", rec.Body.String())
}

func TestExpiredLink(t *testing.T) {
	s := NewMemoryStore("")
	require.NoError(t, s.Put(context.Background(), "k", "text/plain", []byte("x")))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/k?expires=1", nil))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPresignUnknownKey(t *testing.T) {
	_, err := NewMemoryStore("").PresignedURL(context.Background(), "nope", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}
