package cache

import (
	"time"

	"go.uber.org/zap"

	"pixelgate/internal/metrics"
	"pixelgate/pkg/types"
)

// LoggingImageCache wraps an ImageCache with logging + metrics.
type LoggingImageCache struct {
	inner  ImageCache
	logger *zap.Logger
}

// NewLoggingImageCache returns a cache that logs and records metrics.
// When inner is a *MemoryCache its evictions are counted too.
func NewLoggingImageCache(inner ImageCache, logger *zap.Logger) ImageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &LoggingImageCache{inner: inner, logger: logger.Named("memcache")}

	if mc, ok := inner.(*MemoryCache); ok {
		mc.OnEvict(func(key Key, byteSize int64) {
			metrics.MemoryEvictionsTotal.Inc()
			c.logger.Debug("memory_cache_evict", append(keyFields(key), zap.Int64("byte_size", byteSize))...)
		})
	}
	return c
}

func (c *LoggingImageCache) Get(key Key) (*types.Bitmap, bool) {
	start := time.Now()
	bitmap, ok := c.inner.Get(key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if ok {
		result = "hit"
		metrics.MemoryHitsTotal.Inc()
	} else {
		metrics.MemoryMissesTotal.Inc()
	}

	c.logger.Debug("memory_cache_get", append(keyFields(key),
		zap.String("cache_result", result), // hit | miss
		zap.Float64("latency_ms", latencyMs),
	)...)

	return bitmap, ok
}

func (c *LoggingImageCache) Put(key Key, bitmap *types.Bitmap, byteSize int64) {
	c.inner.Put(key, bitmap, byteSize)
	stats := c.inner.Stats()
	metrics.MemoryBytes.Set(float64(stats.Bytes))

	c.logger.Debug("memory_cache_put", append(keyFields(key),
		zap.Int64("byte_size", byteSize),
		zap.Int("count", stats.Count),
		zap.Int64("total_bytes", stats.Bytes),
	)...)
}

func (c *LoggingImageCache) Clear() {
	c.inner.Clear()
	metrics.MemoryBytes.Set(0)
	c.logger.Info("memory_cache_cleared")
}

func (c *LoggingImageCache) SetMaxBytes(n int64) {
	c.inner.SetMaxBytes(n)
	stats := c.inner.Stats()
	metrics.MemoryBytes.Set(float64(stats.Bytes))

	c.logger.Info("memory_cache_resized",
		zap.Int64("max_bytes", n),
		zap.Int("count", stats.Count),
		zap.Int64("total_bytes", stats.Bytes),
	)
}

func (c *LoggingImageCache) Stats() Stats {
	return c.inner.Stats()
}

func keyFields(key Key) []zap.Field {
	return []zap.Field{
		zap.String("cache_tier", "memory"),
		zap.String("uri", key.URI),
		zap.Int("sample_size", key.SampleSize),
		zap.Stringer("format", key.Format),
	}
}
