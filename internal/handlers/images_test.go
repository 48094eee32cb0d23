package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pixelgate/internal/cache"
	"pixelgate/internal/imagecacher"
	"pixelgate/pkg/types"
)

type directCaller struct{}

func (directCaller) Do(ctx context.Context, fn func()) error {
	fn()
	return nil
}

type fakeImages struct {
	mu sync.Mutex

	resp      types.Response
	err       error
	deliver   func(l types.Listener)
	requests  []types.ImageRequest
	cancelled []types.Listener
	precached []string
	maxBytes  int64
	cleared   bool
}

func (f *fakeImages) Request(req types.ImageRequest, l types.Listener) (types.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	deliver := f.deliver
	f.mu.Unlock()

	if f.err != nil {
		return types.Response{Status: types.StatusFailure}, f.err
	}
	if deliver != nil {
		go deliver(l)
	}
	return f.resp, nil
}

func (f *fakeImages) Cancel(l types.Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, l)
	return true
}

func (f *fakeImages) Precache(uri string) error {
	if uri == "bad" {
		return fmt.Errorf("%w: bad uri", imagecacher.ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.precached = append(f.precached, uri)
	return nil
}

func (f *fakeImages) ClearMemoryCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

func (f *fakeImages) SetMaximumCacheSize(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxBytes = n
	return nil
}

func (f *fakeImages) Stats() imagecacher.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return imagecacher.Stats{
		Memory:  cache.Stats{Count: 1, Bytes: 2048, MaxBytes: f.maxBytes},
		Pending: 3,
	}
}

func testBitmap() *types.Bitmap {
	return &types.Bitmap{
		Image:     image.NewNRGBA(image.Rect(0, 0, 3, 2)),
		Format:    types.FormatARGB8888,
		ByteCount: 24,
	}
}

func serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestGetImageValidation(t *testing.T) {
	h := NewImageHandler(&fakeImages{}, directCaller{})

	for _, target := range []string{
		"/v1/images",
		"/v1/images?uri=x&sample=0",
		"/v1/images?uri=x&width=-3",
		"/v1/images?uri=x&format=cmyk",
		"/v1/images?uri=x&encoding=gif",
	} {
		rr := serve(h.GetImage, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestGetImageMemoryHit(t *testing.T) {
	images := &fakeImages{resp: types.Response{
		Bitmap: testBitmap(),
		Source: types.TierMemory,
		Status: types.StatusSuccess,
	}}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.GetImage, httptest.NewRequest(http.MethodGet,
		"/v1/images?uri=https://img.example.com/a.png&sample=2&width=10&format=rgb565", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Image-Source"); got != "memory" {
		t.Fatalf("unexpected source header: %s", got)
	}
	if got := rr.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected content type: %s", got)
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected image size: %v", img.Bounds())
	}

	req := images.requests[0]
	if req.URI != "https://img.example.com/a.png" || *req.Scaling.SampleSize != 2 || req.Scaling.Width != 10 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Format != types.FormatRGB565 {
		t.Fatalf("unexpected format: %s", req.Format)
	}
}

func TestGetImageWaitsForListener(t *testing.T) {
	images := &fakeImages{
		resp: types.Response{Source: types.TierNetwork, Status: types.StatusQueued},
		deliver: func(l types.Listener) {
			l.OnAvailable(testBitmap(), types.TierNetwork)
		},
	}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.GetImage, httptest.NewRequest(http.MethodGet, "/v1/images?uri=https://x/a.png&encoding=jpeg", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Image-Source"); got != "network" {
		t.Fatalf("unexpected source header: %s", got)
	}
	if got := rr.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", got)
	}
}

func TestGetImageFailure(t *testing.T) {
	images := &fakeImages{
		resp: types.Response{Status: types.StatusQueued},
		deliver: func(l types.Listener) {
			l.OnFailure("download failed: upstream status 404")
		},
	}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.GetImage, httptest.NewRequest(http.MethodGet, "/v1/images?uri=https://x/a.png", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "404") {
		t.Fatalf("failure message not forwarded: %s", rr.Body.String())
	}
}

func TestGetImageInvalidRequest(t *testing.T) {
	images := &fakeImages{err: fmt.Errorf("%w: nope", imagecacher.ErrInvalidRequest)}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.GetImage, httptest.NewRequest(http.MethodGet, "/v1/images?uri=https://x/a.png", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetImageTimeoutCancels(t *testing.T) {
	images := &fakeImages{resp: types.Response{Status: types.StatusQueued}}
	h := NewImageHandler(images, directCaller{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/images?uri=https://x/slow.png", nil).WithContext(ctx)

	rr := serve(h.GetImage, req)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if len(images.cancelled) != 1 {
		t.Fatalf("expected listener to be cancelled, got %d cancels", len(images.cancelled))
	}
}

func TestPrecache(t *testing.T) {
	images := &fakeImages{}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.Precache, httptest.NewRequest(http.MethodPost, "/v1/precache",
		strings.NewReader(`{"uris":["https://x/a.png"],"uri":"https://x/b.png"}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(images.precached) != 2 {
		t.Fatalf("expected 2 precached uris, got %v", images.precached)
	}

	rr = serve(h.Precache, httptest.NewRequest(http.MethodPost, "/v1/precache", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}

	rr = serve(h.Precache, httptest.NewRequest(http.MethodPost, "/v1/precache", strings.NewReader(`{"uri":"bad"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for rejected uri, got %d", rr.Code)
	}
}

func TestMemoryAdmin(t *testing.T) {
	images := &fakeImages{}
	h := NewImageHandler(images, directCaller{})

	rr := serve(h.SetMaxMemory, httptest.NewRequest(http.MethodPut, "/v1/cache/memory/max", strings.NewReader(`{"max":"32MiB"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if images.maxBytes != 32<<20 {
		t.Fatalf("unexpected max bytes: %d", images.maxBytes)
	}

	var stats map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["memory_max_human"] != "32 MiB" {
		t.Fatalf("unexpected stats: %v", stats)
	}

	rr = serve(h.SetMaxMemory, httptest.NewRequest(http.MethodPut, "/v1/cache/memory/max", strings.NewReader(`{"max":"huge"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	rr = serve(h.SetMaxMemory, httptest.NewRequest(http.MethodPut, "/v1/cache/memory/max", strings.NewReader(`{"max":"10 EiB"}`)))
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "too large") {
		t.Fatalf("expected 400 for an out of range max, got %d: %s", rr.Code, rr.Body.String())
	}
	if images.maxBytes != 32<<20 {
		t.Fatalf("max bytes changed by a rejected request: %d", images.maxBytes)
	}

	rr = serve(h.ClearMemory, httptest.NewRequest(http.MethodDelete, "/v1/cache/memory", nil))
	if rr.Code != http.StatusNoContent || !images.cleared {
		t.Fatalf("expected cache to be cleared, got %d", rr.Code)
	}

	rr = serve(h.Stats, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"pending":3`) {
		t.Fatalf("unexpected stats response: %d %s", rr.Code, rr.Body.String())
	}
}
