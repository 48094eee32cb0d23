package disk

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/disintegration/imaging"

	"pixelgate/internal/metrics"
	"pixelgate/pkg/types"
)

// decodeFile opens path, downscales by sampleSize and converts the result
// to format. ByteCount is the footprint of format at the decoded size.
func decodeFile(path string, sampleSize int, format types.Format) (*types.Bitmap, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	if sampleSize < 1 {
		sampleSize = 1
	}

	b := src.Bounds()
	width, height := b.Dx()/sampleSize, b.Dy()/sampleSize
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	var img image.Image
	if sampleSize > 1 {
		img = imaging.Resize(src, width, height, imaging.Box)
	} else {
		img = imaging.Clone(src)
	}

	img, err = convert(img, format)
	if err != nil {
		return nil, err
	}

	return &types.Bitmap{
		Image:     img,
		Format:    format,
		ByteCount: int64(width) * int64(height) * format.BytesPerPixel(),
	}, nil
}

func convert(img image.Image, format types.Format) (image.Image, error) {
	switch format {
	case types.FormatARGB8888:
		return img, nil
	case types.FormatRGB565:
		// No alpha channel: flatten onto black.
		b := img.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.Black)
		return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0), nil
	case types.FormatAlpha8:
		dst := image.NewAlpha(img.Bounds())
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", format)
	}
}

func recordDecode(result string, start time.Time) {
	metrics.DecodesTotal.WithLabelValues(result).Inc()
	metrics.ObserveSince(metrics.DecodeLatencySeconds, start)
}
