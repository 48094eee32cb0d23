package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"pixelgate/internal/imagecacher"
	"pixelgate/pkg/logging/logging"
	"pixelgate/pkg/types"
)

// ImageService is the part of the cacher the HTTP layer drives.
type ImageService interface {
	Request(req types.ImageRequest, l types.Listener) (types.Response, error)
	Cancel(l types.Listener) bool
	Precache(uri string) error
	ClearMemoryCache()
	SetMaximumCacheSize(n int64) error
	Stats() imagecacher.Stats
}

// Caller runs fn on the cacher's caller context.
type Caller interface {
	Do(ctx context.Context, fn func()) error
}

// ImageHandler serves the /v1 image and cache endpoints.
type ImageHandler struct {
	Images ImageService
	Caller Caller
}

func NewImageHandler(images ImageService, caller Caller) *ImageHandler {
	return &ImageHandler{Images: images, Caller: caller}
}

// waitListener turns the callback pair into a channel the handler can
// select on.
type waitListener struct {
	done chan result
}

type result struct {
	bitmap  *types.Bitmap
	source  types.Tier
	message string
	ok      bool
}

func newWaitListener() *waitListener {
	return &waitListener{done: make(chan result, 1)}
}

func (l *waitListener) OnAvailable(bitmap *types.Bitmap, source types.Tier) {
	l.done <- result{bitmap: bitmap, source: source, ok: true}
}

func (l *waitListener) OnFailure(message string) {
	l.done <- result{message: message}
}

// GetImage handles GET /v1/images.
//
// Query: uri (required), sample, width, height, format
// (argb8888|rgb565|alpha8), encoding (png|jpeg). The request waits for
// the image up to the request deadline.
func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	req, encoding, err := parseImageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l := newWaitListener()
	var resp types.Response
	var reqErr error
	if err := h.Caller.Do(ctx, func() { resp, reqErr = h.Images.Request(req, l) }); err != nil {
		logger.Warn("image request not scheduled", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	if reqErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(reqErr, imagecacher.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, reqErr.Error())
		return
	}

	res := result{bitmap: resp.Bitmap, source: resp.Source, ok: true}
	if resp.Status == types.StatusQueued {
		select {
		case res = <-l.done:
		case <-ctx.Done():
			h.cancel(l)
			logger.Warn("image request abandoned",
				zap.String("uri", req.URI),
				zap.Duration("waited", time.Since(start)),
			)
			writeError(w, http.StatusGatewayTimeout, "gateway_timeout")
			return
		}
	}

	logger.Info("image_request",
		zap.String("uri", req.URI),
		zap.Stringer("status", resp.Status),
		zap.Stringer("source", res.source),
		zap.Bool("ok", res.ok),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	if !res.ok {
		writeError(w, http.StatusBadGateway, res.message)
		return
	}
	writeImage(w, logger, res.bitmap, res.source, encoding)
}

// cancel forgets l on the caller context. The request context is already
// done, so it gets its own short deadline.
func (h *ImageHandler) cancel(l types.Listener) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.Caller.Do(ctx, func() { h.Images.Cancel(l) })
}

func parseImageQuery(r *http.Request) (types.ImageRequest, imaging.Format, error) {
	q := r.URL.Query()

	uri := strings.TrimSpace(q.Get("uri"))
	if uri == "" {
		return types.ImageRequest{}, 0, errors.New("uri is required")
	}

	scaling := &types.ScalingInfo{}
	if v := q.Get("sample"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return types.ImageRequest{}, 0, errors.New("sample must be a positive integer")
		}
		scaling.SampleSize = types.IntPtr(n)
	}
	for name, dst := range map[string]*int{"width": &scaling.Width, "height": &scaling.Height} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return types.ImageRequest{}, 0, errors.New(name + " must be a non-negative integer")
			}
			*dst = n
		}
	}

	format, err := types.ParseFormat(q.Get("format"))
	if err != nil {
		return types.ImageRequest{}, 0, err
	}

	var encoding imaging.Format
	switch strings.ToLower(q.Get("encoding")) {
	case "", "png":
		encoding = imaging.PNG
	case "jpeg", "jpg":
		encoding = imaging.JPEG
	default:
		return types.ImageRequest{}, 0, errors.New("encoding must be png or jpeg")
	}

	return types.ImageRequest{URI: uri, Scaling: scaling, Format: format}, encoding, nil
}

func writeImage(w http.ResponseWriter, logger *zap.Logger, bitmap *types.Bitmap, source types.Tier, encoding imaging.Format) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, bitmap.Image, encoding, imaging.JPEGQuality(90)); err != nil {
		logger.Error("encode image failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode_failed")
		return
	}

	contentType := "image/png"
	if encoding == imaging.JPEG {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Image-Source", source.String())
	w.Header().Set("X-Image-Bytes", strconv.FormatInt(bitmap.ByteCount, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
