// Package types holds the request/response shapes shared by the cacher,
// its collaborators and the HTTP layer.
package types

import (
	"fmt"
	"image"
	"strings"
)

// Format is the pixel layout a bitmap is decoded into.
type Format int

const (
	FormatARGB8888 Format = iota
	FormatRGB565
	FormatAlpha8
)

// BytesPerPixel returns the in-memory footprint of one pixel.
func (f Format) BytesPerPixel() int64 {
	switch f {
	case FormatRGB565:
		return 2
	case FormatAlpha8:
		return 1
	default:
		return 4
	}
}

func (f Format) String() string {
	switch f {
	case FormatRGB565:
		return "rgb565"
	case FormatAlpha8:
		return "alpha8"
	default:
		return "argb8888"
	}
}

// ParseFormat maps a textual format to a Format. Empty means FormatARGB8888.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "argb8888":
		return FormatARGB8888, nil
	case "rgb565":
		return FormatRGB565, nil
	case "alpha8":
		return FormatAlpha8, nil
	default:
		return FormatARGB8888, fmt.Errorf("unknown pixel format %q", s)
	}
}

// Tier identifies where a bitmap was served from.
type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierDisk
	TierNetwork
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierNetwork:
		return "network"
	default:
		return "none"
	}
}

// Status is the synchronous outcome of a request.
type Status int

const (
	StatusSuccess Status = iota
	StatusQueued
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusQueued:
		return "queued"
	default:
		return "failure"
	}
}

// Bitmap is a decoded image together with its measured footprint.
type Bitmap struct {
	Image     image.Image
	Format    Format
	ByteCount int64
}

// Width returns the decoded width in pixels.
func (b *Bitmap) Width() int {
	if b == nil || b.Image == nil {
		return 0
	}
	return b.Image.Bounds().Dx()
}

// Height returns the decoded height in pixels.
func (b *Bitmap) Height() int {
	if b == nil || b.Image == nil {
		return 0
	}
	return b.Image.Bounds().Dy()
}

// ScalingInfo tells the cacher how far to downscale while decoding.
// SampleSize wins when set; otherwise Width/Height are bounds the disk
// tier uses to derive one from the stored image dimensions.
type ScalingInfo struct {
	SampleSize *int
	Width      int
	Height     int
}

// ImageRequest is what callers hand to the cacher. Read-only once submitted.
type ImageRequest struct {
	URI     string
	Scaling *ScalingInfo
	Format  Format
}

// Response is returned synchronously by a request. Bitmap is only set
// when Status is StatusSuccess.
type Response struct {
	Bitmap *Bitmap
	Source Tier
	Status Status
}

// Listener receives exactly one terminal callback per accepted request.
// Implementations must be comparable (use pointer receivers): cancellation
// is keyed by listener identity.
type Listener interface {
	OnAvailable(bitmap *Bitmap, source Tier)
	OnFailure(message string)
}

// IntPtr is a small helper for building ScalingInfo literals.
func IntPtr(v int) *int {
	return &v
}
