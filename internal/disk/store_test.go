package disk

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pixelgate/internal/cache"
	"pixelgate/internal/events"
	"pixelgate/internal/store"
	"pixelgate/pkg/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestStore(t *testing.T) (*Store, <-chan events.Event) {
	t.Helper()

	details := store.NewMemoryDetailsStore(0, 0)
	t.Cleanup(func() { details.Close() })

	ch := make(chan events.Event, 16)
	s, err := NewStore(Config{Dir: t.TempDir(), Workers: 2}, details, events.SinkFunc(func(ev events.Event) {
		ch <- ev
	}), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
		return events.Event{}
	}
}

func TestSampleSizeFor(t *testing.T) {
	tests := []struct {
		name           string
		srcW, srcH     int
		boundW, boundH int
		want           int
	}{
		{"no bounds", 1000, 800, 0, 0, 1},
		{"bounds larger than source", 100, 100, 200, 200, 1},
		{"exact half", 400, 400, 200, 200, 2},
		{"width limits", 1600, 400, 200, 0, 8},
		{"height limits", 1600, 400, 0, 100, 4},
		{"tightest bound wins", 1600, 1600, 100, 400, 4},
		{"just under a power", 799, 799, 200, 200, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleSizeFor(tt.srcW, tt.srcH, tt.boundW, tt.boundH))
		})
	}
}

func TestStore_PutThenDecode(t *testing.T) {
	s, ch := newTestStore(t)
	ctx := context.Background()
	uri := "https://img.example.com/a.png"

	assert.False(t, s.IsCached(uri))
	assert.Equal(t, UnresolvedSampleSize, s.SampleSize(types.ImageRequest{URI: uri, Scaling: &types.ScalingInfo{}}))

	d, err := s.Put(ctx, uri, bytes.NewReader(pngBytes(t, 64, 32)))
	require.NoError(t, err)
	assert.Equal(t, 64, d.Width)
	assert.Equal(t, 32, d.Height)
	assert.Equal(t, filepath.Join(s.dir, cache.DiskName(uri)), d.Path)

	assert.True(t, s.IsCached(uri))
	assert.Equal(t, 2, s.SampleSize(types.ImageRequest{
		URI:     uri,
		Scaling: &types.ScalingInfo{Width: 32, Height: 16},
	}))
	assert.Equal(t, 8, s.SampleSize(types.ImageRequest{
		URI:     uri,
		Scaling: &types.ScalingInfo{SampleSize: types.IntPtr(8)},
	}))

	key := cache.NewKey(uri, 2, types.FormatARGB8888)
	s.Decode(key, types.TierNetwork, false)

	ev := next(t, ch)
	require.Equal(t, events.DecodeDone, ev.Kind, ev.Message)
	assert.Equal(t, key, ev.Key)
	assert.Equal(t, types.TierNetwork, ev.Source)
	assert.Equal(t, 32, ev.Bitmap.Width())
	assert.Equal(t, 16, ev.Bitmap.Height())
	assert.Equal(t, int64(32*16*4), ev.Bitmap.ByteCount)
}

func TestStore_DecodeFormats(t *testing.T) {
	s, ch := newTestStore(t)
	uri := "https://img.example.com/formats.png"

	_, err := s.Put(context.Background(), uri, bytes.NewReader(pngBytes(t, 16, 16)))
	require.NoError(t, err)

	tests := []struct {
		format types.Format
		bytes  int64
	}{
		{types.FormatRGB565, 16 * 16 * 2},
		{types.FormatAlpha8, 16 * 16},
	}
	for _, tt := range tests {
		s.Decode(cache.NewKey(uri, 1, tt.format), types.TierDisk, true)
		ev := next(t, ch)
		require.Equal(t, events.DecodeDone, ev.Kind, ev.Message)
		assert.Equal(t, tt.format, ev.Bitmap.Format)
		assert.Equal(t, tt.bytes, ev.Bitmap.ByteCount)
	}
}

func TestStore_PutRejectsNonImage(t *testing.T) {
	s, _ := newTestStore(t)
	uri := "https://img.example.com/not-an-image"

	_, err := s.Put(context.Background(), uri, strings.NewReader("<html>nope</html>"))
	require.Error(t, err)
	assert.False(t, s.IsCached(uri))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected bytes must not be left behind")
}

func TestStore_DecodeMissing(t *testing.T) {
	s, ch := newTestStore(t)

	key := cache.NewKey("https://img.example.com/missing.png", 1, types.FormatARGB8888)
	s.Decode(key, types.TierDisk, true)

	ev := next(t, ch)
	assert.Equal(t, events.DecodeFailed, ev.Kind)
	assert.Contains(t, ev.Message, ErrNotCached.Error())
}

func TestStore_CorruptExistingDownloadIsDiscarded(t *testing.T) {
	s, ch := newTestStore(t)
	uri := "https://img.example.com/corrupt.png"

	d, err := s.Put(context.Background(), uri, bytes.NewReader(pngBytes(t, 8, 8)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.Path, []byte("garbage"), 0o644))

	s.Decode(cache.NewKey(uri, 1, types.FormatARGB8888), types.TierDisk, true)

	ev := next(t, ch)
	assert.Equal(t, events.DecodeFailed, ev.Kind)
	assert.False(t, s.IsCached(uri))
	_, err = os.Stat(d.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RetrieveDetailsForLocalFile(t *testing.T) {
	s, ch := newTestStore(t)

	path := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 40, 20), 0o644))
	uri := "file://" + path

	assert.False(t, s.IsCached(uri))
	s.RetrieveDetails(uri)

	ev := next(t, ch)
	require.Equal(t, events.DetailsDone, ev.Kind, ev.Message)
	assert.Equal(t, uri, ev.URI)
	assert.True(t, s.IsCached(uri))
	assert.Equal(t, 2, s.SampleSize(types.ImageRequest{URI: uri, Scaling: &types.ScalingInfo{Width: 20}}))

	// Local files are decoded in place.
	s.Decode(cache.NewKey(uri, 2, types.FormatARGB8888), types.TierDisk, true)
	ev = next(t, ch)
	require.Equal(t, events.DecodeDone, ev.Kind, ev.Message)
	assert.Equal(t, 20, ev.Bitmap.Width())
}

func TestStore_RetrieveDetailsMissingLocalFile(t *testing.T) {
	s, ch := newTestStore(t)
	uri := "file://" + filepath.Join(t.TempDir(), "nope.png")

	s.RetrieveDetails(uri)

	ev := next(t, ch)
	assert.Equal(t, events.DetailsFailed, ev.Kind)
	assert.Equal(t, uri, ev.URI)
	assert.False(t, s.IsCached(uri))
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		uri  string
		path string
		ok   bool
	}{
		{"file:///tmp/a.png", "/tmp/a.png", true},
		{"FILE:///tmp/b.png", "/tmp/b.png", true},
		{"file:relative.png", "relative.png", true},
		{"https://example.com/a.png", "", false},
		{"/tmp/a.png", "", false},
	}
	for _, tt := range tests {
		path, ok := LocalPath(tt.uri)
		assert.Equal(t, tt.ok, ok, tt.uri)
		assert.Equal(t, tt.path, path, tt.uri)
	}
}

type panickingDetails struct {
	store.DetailsStore
}

func (panickingDetails) Get(context.Context, string) (store.Details, bool, error) {
	panic("details backend exploded")
}

func TestRetrieveDetailsPanicPublishesFailure(t *testing.T) {
	mem := store.NewMemoryDetailsStore(0, 0)
	t.Cleanup(func() { mem.Close() })

	ch := make(chan events.Event, 4)
	s, err := NewStore(Config{Dir: t.TempDir(), Workers: 1}, panickingDetails{DetailsStore: mem},
		events.SinkFunc(func(ev events.Event) { ch <- ev }), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	const uri = "https://img.example.com/a.png"
	s.RetrieveDetails(uri)

	ev := next(t, ch)
	assert.Equal(t, events.DetailsFailed, ev.Kind)
	assert.Equal(t, uri, ev.URI)
	assert.Contains(t, ev.Message, "details backend exploded")
	assert.False(t, s.queue.Pending(cache.DetailsKey(uri).String()))
}
