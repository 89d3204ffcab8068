// Package storage keeps rendered export artifacts and hands out expiring
// download links for them.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

var ErrNotFound = errors.New("artifact not found")

// Store is an object store that can sign time-limited download URLs.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Artifact is the downloadable reference returned by exports.
type Artifact struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ContentKey names an object by the BLAKE2b-256 of its bytes, so exporting
// the same plan twice reuses one object.
func ContentKey(prefix string, data []byte, ext string) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%s/%s%s", prefix, hex.EncodeToString(sum[:]), ext)
}

// Publish stores data under its content key and signs a link valid for ttl.
func Publish(ctx context.Context, s Store, prefix, format, ext, contentType string, data []byte, ttl time.Duration) (Artifact, error) {
	key := ContentKey(prefix, data, ext)
	if err := s.Put(ctx, key, contentType, data); err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	expires := time.Now().Add(ttl).UTC().Truncate(time.Second)
	url, err := s.PresignedURL(ctx, key, ttl)
	if err != nil {
		return Artifact{}, fmt.Errorf("sign artifact url: %w", err)
	}
	return Artifact{URL: url, Key: key, Format: format, Size: int64(len(data)), ExpiresAt: expires}, nil
}
