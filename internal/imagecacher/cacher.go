// Package imagecacher routes image requests across the memory, disk and
// network tiers. Concurrent requests for the same decoded variant share
// one downstream operation; results come back as events and are fanned
// out to every waiting listener.
package imagecacher

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"pixelgate/internal/cache"
	"pixelgate/internal/coordinator"
	"pixelgate/internal/events"
	"pixelgate/internal/metrics"
	"pixelgate/internal/network"
	"pixelgate/pkg/types"
)

var (
	// ErrInvalidRequest is returned synchronously for requests that can
	// never be served. They never reach the pending registry.
	ErrInvalidRequest = errors.New("invalid image request")

	// ErrListenerInUse is returned when a listener that is still waiting
	// for a result is passed to Request again.
	ErrListenerInUse = errors.New("listener already waiting on a request")
)

// DiskCache is the disk tier as seen by the cacher.
type DiskCache interface {
	IsCached(uri string) bool
	SampleSize(req types.ImageRequest) int
	BumpInQueue(key cache.Key)
	BumpOnDisk(uri string)
	RetrieveDetails(uri string)
	Decode(key cache.Key, source types.Tier, existingDownload bool)
	IsDecodePending(key cache.Key) bool
}

// Network is the network tier as seen by the cacher.
type Network interface {
	Download(uri string)
	Bump(uri string)
	IsPending(uri string) bool
	SetRequestCreator(c network.RequestCreator)
}

// Stats is a point-in-time view of the cacher.
type Stats struct {
	Memory    cache.Stats `json:"memory"`
	Pending   int         `json:"pending"`
	Listeners int         `json:"listeners"`
}

// Cacher is the request router. Request, Precache and Cancel belong to
// one caller context (see Loop); Handle may be called from any goroutine
// but is expected to be driven by a single events.Bus.
type Cacher struct {
	memory  cache.ImageCache
	disk    DiskCache
	network Network
	pending *coordinator.Coordinator
	logger  *zap.Logger
}

func New(memory cache.ImageCache, disk DiskCache, network Network, logger *zap.Logger) (*Cacher, error) {
	if memory == nil || disk == nil || network == nil {
		return nil, errors.New("imagecacher: memory, disk and network tiers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cacher{
		memory:  memory,
		disk:    disk,
		network: network,
		pending: coordinator.New(),
		logger:  logger.Named("imagecacher"),
	}, nil
}

// Request serves req from memory when it can and otherwise queues it.
// A StatusSuccess response carries the bitmap and l is not called. A
// StatusQueued response means exactly one of l's methods will be called
// later, from the goroutine handling events.
func (c *Cacher) Request(req types.ImageRequest, l types.Listener) (types.Response, error) {
	req.URI = strings.TrimSpace(req.URI)
	if err := validate(req, l); err != nil {
		return failure(), err
	}
	if c.pending.Tracks(l) {
		return failure(), ErrListenerInUse
	}

	key, resolved := c.resolve(req)
	log := c.logger.With(zap.String("key", key.String()))

	switch outcome := c.pending.TryCoalesce(req, key, resolved, l); outcome {
	case coordinator.QueuedForNetwork:
		c.network.Bump(req.URI)
		return c.coalesced(log, outcome, types.TierNetwork), nil
	case coordinator.QueuedForDecode:
		c.disk.BumpInQueue(key)
		return c.coalesced(log, outcome, types.TierDisk), nil
	case coordinator.QueuedForDetails:
		c.disk.BumpInQueue(cache.DetailsKey(req.URI))
		return c.coalesced(log, outcome, types.TierDisk), nil
	}

	switch {
	case resolved && c.disk.IsCached(req.URI):
		if bitmap, ok := c.memory.Get(key); ok {
			metrics.RequestsTotal.WithLabelValues(types.TierMemory.String(), "ok").Inc()
			return types.Response{Bitmap: bitmap, Source: types.TierMemory, Status: types.StatusSuccess}, nil
		}
		if c.pending.Register(coordinator.StageDecode, req, key, l) {
			log.Debug("decoding from disk")
			c.disk.BumpOnDisk(req.URI)
			c.disk.Decode(key, types.TierDisk, true)
		}
		return queued(types.TierDisk), nil

	case isFileURI(req.URI):
		if c.pending.Register(coordinator.StageDetails, req, key, l) {
			log.Debug("retrieving local file details")
			c.disk.RetrieveDetails(req.URI)
		}
		return queued(types.TierDisk), nil

	default:
		if c.pending.Register(coordinator.StageNetwork, req, key, l) {
			log.Debug("downloading")
			c.network.Download(req.URI)
		}
		return queued(types.TierNetwork), nil
	}
}

// Handle applies a completion event from the disk or network tier.
func (c *Cacher) Handle(ev events.Event) {
	switch ev.Kind {
	case events.DecodeDone:
		if ev.Bitmap == nil {
			c.pending.CompleteFailure(ev.Key, "decoder returned no bitmap for "+ev.URI)
			break
		}
		c.memory.Put(ev.Key, ev.Bitmap, ev.Bitmap.ByteCount)
		n := c.pending.CompleteSuccess(ev.Key, ev.Bitmap, ev.Source)
		metrics.RequestsTotal.WithLabelValues(ev.Source.String(), "ok").Add(float64(n))

	case events.DecodeFailed:
		n := c.pending.CompleteFailure(ev.Key, ev.Message)
		metrics.RequestsTotal.WithLabelValues(types.TierDisk.String(), "error").Add(float64(n))

	case events.DownloadDone:
		c.advance(coordinator.StageNetwork, ev.URI, types.TierNetwork)

	case events.DownloadFailed:
		n := c.pending.FailURI(ev.URI, ev.Message)
		metrics.RequestsTotal.WithLabelValues(types.TierNetwork.String(), "error").Add(float64(n))

	case events.DetailsDone:
		c.advance(coordinator.StageDetails, ev.URI, types.TierDisk)

	case events.DetailsFailed:
		n := c.pending.FailDetails(ev.URI, ev.Message)
		metrics.RequestsTotal.WithLabelValues(types.TierDisk.String(), "error").Add(float64(n))

	default:
		c.logger.Warn("unknown event", zap.Stringer("kind", ev.Kind), zap.String("uri", ev.URI))
		return
	}

	c.logger.Debug("handled event",
		zap.Stringer("kind", ev.Kind),
		zap.String("uri", ev.URI),
		zap.String("message", ev.Message),
	)
}

// advance moves the waiters of a finished download or details lookup on
// to decoding. Variants already in memory are answered from memory and
// variants the disk tier is already decoding are left to that decode.
func (c *Cacher) advance(stage coordinator.Stage, uri string, source types.Tier) {
	created, needDetails := c.pending.Advance(stage, uri, c.resolve)

	for _, key := range created {
		if bitmap, ok := c.memory.Get(key); ok {
			n := c.pending.CompleteSuccess(key, bitmap, types.TierMemory)
			metrics.RequestsTotal.WithLabelValues(types.TierMemory.String(), "ok").Add(float64(n))
			continue
		}
		if c.disk.IsDecodePending(key) {
			continue
		}
		c.disk.Decode(key, source, stage == coordinator.StageDetails)
	}

	if needDetails {
		c.disk.RetrieveDetails(uri)
	}
}

// resolve computes the decode key of req. ok is false while the sample
// size depends on dimensions the disk tier does not know yet.
func (c *Cacher) resolve(req types.ImageRequest) (cache.Key, bool) {
	var sample int
	if req.Scaling != nil && req.Scaling.SampleSize != nil {
		sample = *req.Scaling.SampleSize
	} else {
		sample = c.disk.SampleSize(req)
	}
	key := cache.NewKey(req.URI, sample, req.Format)
	return key, sample >= 1
}

// Precache fetches uri to disk without anyone waiting on it. A URI that
// is already on disk, or already downloading, is only bumped. For local
// files only the details are read.
func (c *Cacher) Precache(uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidRequest)
	}

	switch {
	case isFileURI(uri):
		c.disk.RetrieveDetails(uri)
	case !c.network.IsPending(uri) && !c.disk.IsCached(uri):
		c.network.Download(uri)
	default:
		c.network.Bump(uri)
		c.disk.BumpOnDisk(uri)
	}
	return nil
}

// Cancel forgets l. Work already started for it keeps running.
func (c *Cacher) Cancel(l types.Listener) bool {
	if l == nil {
		return false
	}
	return c.pending.Cancel(l)
}

func (c *Cacher) ClearMemoryCache() {
	c.memory.Clear()
}

// SetMaximumCacheSize changes the memory budget, evicting right away when
// the cache is over it.
func (c *Cacher) SetMaximumCacheSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative cache size %d", ErrInvalidRequest, n)
	}
	c.memory.SetMaxBytes(n)
	return nil
}

// SetNetworkRequestCreator changes how downloads build their HTTP
// requests. Nil restores the default GET.
func (c *Cacher) SetNetworkRequestCreator(rc network.RequestCreator) {
	c.network.SetRequestCreator(rc)
}

func (c *Cacher) IsNetworkRequestPending(uri string) bool {
	return c.network.IsPending(uri)
}

func (c *Cacher) IsDecodeRequestPending(key cache.Key) bool {
	return c.disk.IsDecodePending(key)
}

func (c *Cacher) Stats() Stats {
	return Stats{
		Memory:    c.memory.Stats(),
		Pending:   c.pending.Len(),
		Listeners: c.pending.Listeners(),
	}
}

func (c *Cacher) coalesced(log *zap.Logger, outcome coordinator.Outcome, source types.Tier) types.Response {
	metrics.CoalescedTotal.WithLabelValues(outcome.String()).Inc()
	log.Debug("request coalesced", zap.Stringer("outcome", outcome))
	return queued(source)
}

func validate(req types.ImageRequest, l types.Listener) error {
	switch {
	case req.URI == "":
		return fmt.Errorf("%w: empty uri", ErrInvalidRequest)
	case l == nil:
		return fmt.Errorf("%w: nil listener", ErrInvalidRequest)
	case req.Scaling == nil:
		return fmt.Errorf("%w: missing scaling info", ErrInvalidRequest)
	case req.Scaling.SampleSize != nil && *req.Scaling.SampleSize < 1:
		return fmt.Errorf("%w: sample size %d must be at least 1", ErrInvalidRequest, *req.Scaling.SampleSize)
	case req.Scaling.Width < 0 || req.Scaling.Height < 0:
		return fmt.Errorf("%w: negative bounds", ErrInvalidRequest)
	}
	return nil
}

func isFileURI(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && strings.EqualFold(u.Scheme, "file")
}

func queued(source types.Tier) types.Response {
	return types.Response{Source: source, Status: types.StatusQueued}
}

func failure() types.Response {
	return types.Response{Status: types.StatusFailure}
}
