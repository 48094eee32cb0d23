// Package disk is the disk tier: downloaded bytes live in a cache
// directory, one file per URI, and their dimensions in a DetailsStore.
// Decodes and details lookups run on a bumpable work queue and report
// back through an events.Sink.
package disk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixelgate/internal/cache"
	"pixelgate/internal/events"
	"pixelgate/internal/metrics"
	"pixelgate/internal/store"
	"pixelgate/internal/workqueue"
	"pixelgate/pkg/types"
)

// ErrNotCached is returned when a URI has no bytes in the disk tier.
var ErrNotCached = errors.New("image not cached on disk")

// UnresolvedSampleSize is returned by SampleSize when the stored
// dimensions the sample size depends on are not known yet.
const UnresolvedSampleSize = -1

type Config struct {
	Dir       string
	Workers   int
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Second
	}
	return c
}

// Store is the disk tier.
type Store struct {
	dir     string
	timeout time.Duration
	details store.DetailsStore
	queue   *workqueue.Queue
	sink    events.Sink
	logger  *zap.Logger
}

// NewStore creates the cache directory if needed and starts the decode
// workers. Completions are published to sink.
func NewStore(cfg Config, details store.DetailsStore, sink events.Sink, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: cache dir is required")
	}
	if details == nil || sink == nil {
		return nil, fmt.Errorf("disk: details store and event sink are required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create cache dir: %w", err)
	}

	logger = logger.Named("disk")
	return &Store{
		dir:     cfg.Dir,
		timeout: cfg.OpTimeout,
		details: details,
		queue:   workqueue.New("decode", cfg.Workers, logger),
		sink:    sink,
		logger:  logger,
	}, nil
}

// Close stops the decode workers. It does not close the details store.
func (s *Store) Close() {
	s.queue.Close()
}

// IsCached reports whether details for uri are known and, for downloaded
// images, whether the bytes are still on disk.
func (s *Store) IsCached(uri string) bool {
	d, ok := s.lookup(context.Background(), uri)
	if !ok {
		return false
	}
	if d.Local {
		return true
	}
	_, err := os.Stat(d.Path)
	return err == nil
}

// SampleSize returns the explicit sample size of req or derives one from
// the stored dimensions and the requested bounds. It returns
// UnresolvedSampleSize when the dimensions are unknown.
func (s *Store) SampleSize(req types.ImageRequest) int {
	if req.Scaling != nil && req.Scaling.SampleSize != nil {
		return *req.Scaling.SampleSize
	}

	d, ok := s.lookup(context.Background(), req.URI)
	if !ok {
		return UnresolvedSampleSize
	}

	var width, height int
	if req.Scaling != nil {
		width, height = req.Scaling.Width, req.Scaling.Height
	}
	return sampleSizeFor(d.Width, d.Height, width, height)
}

// sampleSizeFor is the largest power of two that keeps the downscaled
// image at least as large as every positive bound.
func sampleSizeFor(srcW, srcH, boundW, boundH int) int {
	if boundW <= 0 && boundH <= 0 {
		return 1
	}

	size := 1
	for {
		next := size * 2
		if boundW > 0 && srcW/next < boundW {
			break
		}
		if boundH > 0 && srcH/next < boundH {
			break
		}
		size = next
	}
	return size
}

// BumpInQueue moves a queued decode (or, for cache.DetailsKey, a queued
// details lookup) to the front.
func (s *Store) BumpInQueue(key cache.Key) {
	if s.queue.Bump(key.String()) {
		s.logger.Debug("bumped disk job", zap.String("key", key.String()))
	}
}

// BumpOnDisk marks the stored file for uri as recently used.
func (s *Store) BumpOnDisk(uri string) {
	d, ok := s.lookup(context.Background(), uri)
	if !ok || d.Local {
		return
	}
	now := time.Now()
	if err := os.Chtimes(d.Path, now, now); err != nil {
		s.logger.Debug("touch cached file failed", zap.String("uri", uri), zap.Error(err))
	}
}

// IsDecodePending reports whether a decode for key is queued or running.
func (s *Store) IsDecodePending(key cache.Key) bool {
	return s.queue.Pending(key.String())
}

// Put stores the bytes read from r as the cached copy of uri. The file is
// written under a temporary name and renamed into place, so readers never
// see a partial image. Bytes that do not decode as an image are rejected.
func (s *Store) Put(ctx context.Context, uri string, r io.Reader) (store.Details, error) {
	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return store.Details{}, fmt.Errorf("create temp file: %w", err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return store.Details{}, fmt.Errorf("write %s: %w", uri, err)
	}

	width, height, err := dimensions(tmp)
	if err != nil {
		os.Remove(tmp)
		return store.Details{}, fmt.Errorf("downloaded bytes for %s: %w", uri, err)
	}

	path := filepath.Join(s.dir, cache.DiskName(uri))
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return store.Details{}, fmt.Errorf("store %s: %w", uri, err)
	}

	d := store.Details{
		Width:    width,
		Height:   height,
		Size:     size,
		Path:     path,
		StoredAt: time.Now().UTC(),
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.details.Set(opCtx, uri, d); err != nil {
		os.Remove(path)
		return store.Details{}, fmt.Errorf("save details for %s: %w", uri, err)
	}

	s.logger.Debug("stored image",
		zap.String("uri", uri),
		zap.String("path", path),
		zap.Int64("size", size),
		zap.Int("width", width),
		zap.Int("height", height),
	)
	return d, nil
}

// Decode queues a decode of key. The result is published as DecodeDone
// with source, or DecodeFailed. When existingDownload is set and the
// stored bytes no longer decode, they are discarded so the next request
// downloads them again.
func (s *Store) Decode(key cache.Key, source types.Tier, existingDownload bool) {
	s.queue.SubmitRecover(key.String(),
		func(ctx context.Context) func() {
			ev := s.decode(ctx, key, source, existingDownload)
			return func() { s.sink.Publish(ev) }
		},
		func(err error) func() {
			metrics.DecodesTotal.WithLabelValues("error").Inc()
			ev := events.NewDecodeFailed(key, fmt.Sprintf("unable to decode %s: %v", key.URI, err))
			return func() { s.sink.Publish(ev) }
		},
	)
}

// RetrieveDetails queues a dimension lookup for uri, published as
// DetailsDone or DetailsFailed. file:// URIs are read in place.
func (s *Store) RetrieveDetails(uri string) {
	s.queue.SubmitRecover(cache.DetailsKey(uri).String(),
		func(ctx context.Context) func() {
			ev := s.retrieveDetails(ctx, uri)
			return func() { s.sink.Publish(ev) }
		},
		func(err error) func() {
			ev := events.NewDetailsFailed(uri, fmt.Sprintf("unable to read details for %s: %v", uri, err))
			return func() { s.sink.Publish(ev) }
		},
	)
}

func (s *Store) retrieveDetails(ctx context.Context, uri string) events.Event {
	if path, ok := LocalPath(uri); ok {
		info, err := os.Stat(path)
		if err != nil {
			return events.NewDetailsFailed(uri, fmt.Sprintf("unable to read %s: %v", uri, err))
		}
		width, height, err := dimensions(path)
		if err != nil {
			return events.NewDetailsFailed(uri, fmt.Sprintf("unable to read details for %s: %v", uri, err))
		}

		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err = s.details.Set(opCtx, uri, store.Details{
			Width:    width,
			Height:   height,
			Size:     info.Size(),
			Path:     path,
			Local:    true,
			StoredAt: time.Now().UTC(),
		})
		if err != nil {
			return events.NewDetailsFailed(uri, fmt.Sprintf("unable to save details for %s: %v", uri, err))
		}
		return events.NewDetailsDone(uri)
	}

	d, ok := s.lookup(ctx, uri)
	if !ok {
		return events.NewDetailsFailed(uri, fmt.Sprintf("%s: %v", uri, ErrNotCached))
	}
	if _, _, err := dimensions(d.Path); err != nil {
		return events.NewDetailsFailed(uri, fmt.Sprintf("unable to read details for %s: %v", uri, err))
	}
	return events.NewDetailsDone(uri)
}

func (s *Store) decode(ctx context.Context, key cache.Key, source types.Tier, existingDownload bool) events.Event {
	start := time.Now()

	d, ok := s.lookup(ctx, key.URI)
	if !ok {
		recordDecode("not_cached", start)
		return events.NewDecodeFailed(key, fmt.Sprintf("%s: %v", key.URI, ErrNotCached))
	}

	bitmap, err := decodeFile(d.Path, key.SampleSize, key.Format)
	if err != nil {
		recordDecode("error", start)
		s.logger.Warn("decode failed",
			zap.String("key", key.String()),
			zap.String("path", d.Path),
			zap.Bool("existing_download", existingDownload),
			zap.Error(err),
		)
		if existingDownload && !d.Local {
			s.discard(ctx, key.URI, d.Path)
		}
		return events.NewDecodeFailed(key, fmt.Sprintf("unable to decode %s: %v", key.URI, err))
	}

	recordDecode("ok", start)
	s.logger.Debug("decoded image",
		zap.String("key", key.String()),
		zap.Int("width", bitmap.Width()),
		zap.Int("height", bitmap.Height()),
		zap.Int64("bytes", bitmap.ByteCount),
		zap.Duration("took", time.Since(start)),
	)
	return events.NewDecodeDone(key, bitmap, source)
}

// discard drops a stored download that no longer decodes.
func (s *Store) discard(ctx context.Context, uri, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove corrupt download failed", zap.String("path", path), zap.Error(err))
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.details.Delete(opCtx, uri); err != nil {
		s.logger.Warn("delete details failed", zap.String("uri", uri), zap.Error(err))
	}
}

// lookup reads details, treating store errors as a miss.
func (s *Store) lookup(ctx context.Context, uri string) (store.Details, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := store.Load(opCtx, s.details, uri)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Details{}, false
	case err != nil:
		s.logger.Warn("details lookup failed", zap.String("uri", uri), zap.Error(err))
		return store.Details{}, false
	}
	return d, true
}

// LocalPath returns the file path of a file:// URI.
func LocalPath(uri string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil || !strings.EqualFold(u.Scheme, "file") {
		return "", false
	}
	if u.Path != "" {
		return u.Path, true
	}
	if u.Opaque != "" {
		return u.Opaque, true
	}
	return "", false
}

func dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
