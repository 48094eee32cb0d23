// Package store persists image details (dimensions and storage location)
// for URIs known to the disk tier. Backends are selected by NewDetailsStore.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load helpers when a URI has no stored details.
var ErrNotFound = errors.New("image details not found")

// Details describes a stored or local image.
type Details struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Size     int64     `json:"size"`
	Path     string    `json:"path"`
	Local    bool      `json:"local,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// DetailsStore is the interface used by the disk tier.
// Implemented by memory (dev), Redis (shared) and Badger (embedded) stores.
type DetailsStore interface {
	Get(ctx context.Context, uri string) (Details, bool, error)
	Set(ctx context.Context, uri string, d Details) error
	Delete(ctx context.Context, uri string) error
	Close() error
}

// Load is Get that reports a miss as ErrNotFound.
func Load(ctx context.Context, s DetailsStore, uri string) (Details, error) {
	d, ok, err := s.Get(ctx, uri)
	if err != nil {
		return Details{}, err
	}
	if !ok {
		return Details{}, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	return d, nil
}

func encodeDetails(d Details) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return b, nil
}

func decodeDetails(b []byte) (Details, error) {
	var d Details
	if err := json.Unmarshal(b, &d); err != nil {
		return Details{}, fmt.Errorf("decode details: %w", err)
	}
	return d, nil
}
