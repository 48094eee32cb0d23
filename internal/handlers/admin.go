package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"pixelgate/internal/imagecacher"
	"pixelgate/pkg/logging/logging"
)

type precacheRequest struct {
	URI  string   `json:"uri,omitempty"`
	URIs []string `json:"uris,omitempty"`
}

// Precache handles POST /v1/precache with {"uri": ...} or {"uris": [...]}.
func (h *ImageHandler) Precache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var body precacheRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	uris := body.URIs
	if body.URI != "" {
		uris = append(uris, body.URI)
	}
	if len(uris) == 0 {
		writeError(w, http.StatusBadRequest, "uri or uris is required")
		return
	}

	var errs []error
	err := h.Caller.Do(ctx, func() {
		for _, uri := range uris {
			if err := h.Images.Precache(uri); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	if err := errors.Join(errs...); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Info("precache_queued", zap.Int("count", len(uris)))
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(uris)})
}

// ClearMemory handles DELETE /v1/cache/memory.
func (h *ImageHandler) ClearMemory(w http.ResponseWriter, r *http.Request) {
	h.Images.ClearMemoryCache()
	logging.L(r.Context()).Info("memory cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

type maxSizeRequest struct {
	Max string `json:"max"` // "32MiB", "1 GB" or plain bytes
}

// SetMaxMemory handles PUT /v1/cache/memory/max.
func (h *ImageHandler) SetMaxMemory(w http.ResponseWriter, r *http.Request) {
	var body maxSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	n, err := humanize.ParseBytes(strings.TrimSpace(body.Max))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max %q", body.Max))
		return
	}
	if n > math.MaxInt64 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("max %q is too large", body.Max))
		return
	}
	if err := h.Images.SetMaximumCacheSize(int64(n)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.L(r.Context()).Info("memory cache resized", zap.String("max", humanize.IBytes(n)))
	writeJSON(w, http.StatusOK, newStatsResponse(h.Images.Stats()))
}

type statsResponse struct {
	imagecacher.Stats
	MemoryHuman    string `json:"memory_human"`
	MemoryMaxHuman string `json:"memory_max_human"`
}

func newStatsResponse(s imagecacher.Stats) statsResponse {
	return statsResponse{
		Stats:          s,
		MemoryHuman:    humanize.IBytes(uint64(max(s.Memory.Bytes, 0))),
		MemoryMaxHuman: humanize.IBytes(uint64(max(s.Memory.MaxBytes, 0))),
	}
}

// Stats handles GET /v1/cache/stats.
func (h *ImageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatsResponse(h.Images.Stats()))
}
