// Package network is the network tier: it fetches remote images into the
// disk tier on a bumpable queue and reports each download as an event.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pixelgate/internal/events"
	"pixelgate/internal/metrics"
	"pixelgate/internal/store"
	"pixelgate/internal/workqueue"
)

// ErrDownloadFailed wraps every download error.
var ErrDownloadFailed = errors.New("download failed")

// DiskWriter is where downloaded bytes go.
type DiskWriter interface {
	Put(ctx context.Context, uri string, r io.Reader) (store.Details, error)
}

// RequestCreator builds the HTTP request used to fetch uri. It is called
// once per attempt.
type RequestCreator interface {
	NewRequest(ctx context.Context, uri string) (*http.Request, error)
}

// RequestCreatorFunc adapts a function to RequestCreator.
type RequestCreatorFunc func(ctx context.Context, uri string) (*http.Request, error)

func (f RequestCreatorFunc) NewRequest(ctx context.Context, uri string) (*http.Request, error) {
	return f(ctx, uri)
}

// Downloader is the network tier.
type Downloader struct {
	cfg        Config
	httpClient *http.Client
	disk       DiskWriter
	sink       events.Sink
	queue      *workqueue.Queue
	logger     *zap.Logger

	mu      sync.RWMutex
	creator RequestCreator
}

// New creates a Downloader writing into disk and publishing to sink.
func New(cfg Config, disk DiskWriter, sink events.Sink, logger *zap.Logger) (*Downloader, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if disk == nil || sink == nil {
		return nil, errors.New("network: disk writer and event sink are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport(cfg)}
	}

	logger = logger.Named("network")
	d := &Downloader{
		cfg:        cfg,
		httpClient: httpClient,
		disk:       disk,
		sink:       sink,
		queue:      workqueue.New("download", cfg.Workers, logger),
		logger:     logger,
	}
	d.creator = d.defaultCreator()
	return d, nil
}

// SetRequestCreator replaces how download requests are built. A nil
// creator restores the default plain GET.
func (d *Downloader) SetRequestCreator(c RequestCreator) {
	if c == nil {
		c = d.defaultCreator()
	}
	d.mu.Lock()
	d.creator = c
	d.mu.Unlock()
}

func (d *Downloader) requestCreator() RequestCreator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.creator
}

func (d *Downloader) defaultCreator() RequestCreator {
	return RequestCreatorFunc(func(ctx context.Context, uri string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", d.cfg.UserAgent)
		req.Header.Set("Accept", "image/*")
		return req, nil
	})
}

// Download queues a fetch of uri into the disk tier. A fetch already
// queued for uri is bumped instead. The result is published as
// DownloadDone or DownloadFailed.
func (d *Downloader) Download(uri string) {
	submitted := d.queue.SubmitRecover(uri,
		func(ctx context.Context) func() {
			ev := d.fetch(ctx, uri)
			return func() { d.sink.Publish(ev) }
		},
		func(err error) func() {
			metrics.DownloadsTotal.WithLabelValues("error").Inc()
			ev := events.NewDownloadFailed(uri, err.Error())
			return func() { d.sink.Publish(ev) }
		},
	)
	if !submitted {
		d.Bump(uri)
	}
}

// Bump moves a queued fetch of uri to the front.
func (d *Downloader) Bump(uri string) {
	if d.queue.Bump(uri) {
		d.logger.Debug("bumped download", zap.String("uri", uri))
	}
}

// IsPending reports whether a fetch of uri is queued or running.
func (d *Downloader) IsPending(uri string) bool {
	return d.queue.Pending(uri)
}

// Close stops the download workers and releases idle connections.
func (d *Downloader) Close() error {
	d.queue.Close()
	d.httpClient.CloseIdleConnections()
	return nil
}

func (d *Downloader) fetch(ctx context.Context, uri string) events.Event {
	start := time.Now()

	size, err := d.download(ctx, uri)
	metrics.ObserveSince(metrics.DownloadLatencySeconds, start)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		d.logger.Warn("image download failed",
			zap.String("uri", uri),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return events.NewDownloadFailed(uri, err.Error())
	}

	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	d.logger.Info("image downloaded",
		zap.String("uri", uri),
		zap.Int64("size", size),
		zap.Duration("duration", time.Since(start)),
	)
	return events.NewDownloadDone(uri)
}

func (d *Downloader) download(parentCtx context.Context, uri string) (int64, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, uri, err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return 0, fmt.Errorf("%w: %s: unsupported scheme %q", ErrDownloadFailed, uri, u.Scheme)
	}

	ctx, cancel := context.WithTimeout(parentCtx, d.cfg.Timeout)
	defer cancel()

	creator := d.requestCreator()
	resp, err := d.doWithRetry(ctx, uri, func(ctx context.Context) (*http.Response, error) {
		req, err := creator.NewRequest(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		return d.httpClient.Do(req)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("%w: %s: upstream status %d", ErrDownloadFailed, uri, resp.StatusCode)
	}
	if resp.ContentLength > d.cfg.MaxBodyBytes {
		return 0, fmt.Errorf("%w: %s: %d bytes exceeds limit of %d", ErrDownloadFailed, uri, resp.ContentLength, d.cfg.MaxBodyBytes)
	}

	details, err := d.disk.Put(ctx, uri, http.MaxBytesReader(nil, resp.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return details.Size, nil
}
