// Package cache holds the memory tier: a byte-bounded LRU of decoded
// bitmaps keyed by decode signature.
package cache

import "pixelgate/pkg/types"

// DefaultMaxBytes is the memory budget used when none is configured.
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// ImageCache is the interface the cacher uses for the memory tier.
// Implemented by MemoryCache and decorated by LoggingImageCache.
type ImageCache interface {
	Get(key Key) (*types.Bitmap, bool)
	Put(key Key, bitmap *types.Bitmap, byteSize int64)
	Clear()
	SetMaxBytes(n int64)
	Stats() Stats
}

// Stats is a point-in-time view of the memory tier.
type Stats struct {
	Count       int   `json:"count"`
	Bytes       int64 `json:"bytes"`
	ActualBytes int64 `json:"actual_bytes"`
	MaxBytes    int64 `json:"max_bytes"`
}
