package storage

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore serves artifacts from process memory when no object store is
// configured. Links carry their expiry and are refused after it.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	contentType string
	data        []byte
}

// NewMemoryStore builds links as baseURL + "/" + key.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: strings.TrimRight(baseURL, "/"), objects: map[string]memObject{}}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) error {
	s.mu.Lock()
	s.objects[key] = memObject{contentType: contentType, data: append([]byte(nil), data...)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
	return s.baseURL + "/" + key + "?" + q.Encode(), nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return o.data, o.contentType, nil
}

// Handler serves GET <prefix>/<key>?expires=<unix>; mount it with
// http.StripPrefix so the remaining path is the key.
func (s *MemoryStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exp, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
		if err != nil || time.Now().Unix() > exp {
			http.Error(w, "Link expired", http.StatusGone)
			return
		}
		data, ct, err := s.Get(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.Error(w, "Artifact not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(data)
	})
}
